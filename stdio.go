package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// StdIO implements the MCP stdio transport: newline-delimited JSON-RPC messages read from an
// io.Reader and answered on an io.Writer. It provides a single session for the lifetime of the
// process and processes frames sequentially, in the order they were read.
type StdIO struct {
	srv    Server
	reader io.Reader
	writer io.Writer
	logger *slog.Logger
}

// NewStdIO creates a new StdIO transport serving srv over the provided reader and writer.
func NewStdIO(srv Server, reader io.Reader, writer io.Writer, logger *slog.Logger) StdIO {
	if logger == nil {
		logger = slog.Default()
	}
	return StdIO{
		srv:    srv,
		reader: reader,
		writer: writer,
		logger: logger.With(slog.String("component", "stdio")),
	}
}

// Serve reads frames until the reader reaches EOF or ctx is done. It returns nil on EOF and on
// cancellation, and an error when reading or writing fails.
func (s StdIO) Serve(ctx context.Context) error {
	sess := s.srv.newSession(uuid.New().String(), false)
	defer sess.close()

	type lineWithErr struct {
		line string
		err  error
	}

	// Reads happen on their own goroutine so a blocked reader never prevents shutdown.
	lines := make(chan lineWithErr)
	done := make(chan struct{})
	defer close(done)

	go func() {
		// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
		reader := bufio.NewReader(s.reader)
		for {
			line, err := reader.ReadString('\n')
			if line != "" || err == nil {
				select {
				case lines <- lineWithErr{line: strings.TrimSpace(line)}:
				case <-done:
					return
				}
			}
			if err != nil {
				select {
				case lines <- lineWithErr{err: err}:
				case <-done:
				}
				return
			}
		}
	}()

	for {
		var lwe lineWithErr
		select {
		case <-ctx.Done():
			return nil
		case lwe = <-lines:
		}

		if lwe.err != nil {
			if errors.Is(lwe.err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", lwe.err)
		}
		if lwe.line == "" {
			continue
		}

		resp := s.handleLine(ctx, sess, lwe.line)
		if resp == nil {
			continue
		}
		if err := s.write(resp); err != nil {
			return err
		}
	}
}

func (s StdIO) handleLine(ctx context.Context, sess *session, line string) *JSONRPCMessage {
	f, err := ParseFrame(VariantStdIO, []byte(line))
	if err != nil {
		s.logger.Info("rejected malformed frame", slog.String("err", err.Error()))
		return &JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      responseID(f.ID),
			Error:   toJSONRPCError(err),
		}
	}

	resp, err := sess.handle(ctx, s.srv, f)
	if err != nil {
		return &JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      responseID(f.ID),
			Error:   toJSONRPCError(err),
		}
	}
	return resp
}

func (s StdIO) write(msg *JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	if _, err := s.writer.Write(msgBs); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
