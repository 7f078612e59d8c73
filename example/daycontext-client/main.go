package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/daycontext-mcp"
)

func main() {
	url := flag.String("url", "http://localhost:3000/mcp", "streamable HTTP endpoint of the day context server")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cli := mcp.NewStreamableClient(*url, nil, mcp.WithClientInfo(mcp.Info{
		Name:    "daycontext-example-client",
		Version: "1.0",
	}))

	result, err := cli.Initialize(ctx)
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	fmt.Printf("Connected to %s %s (protocol %s, session %s)\n",
		result.ServerInfo.Name, result.ServerInfo.Version, result.ProtocolVersion, cli.SessionID())
	defer func() {
		if err := cli.Close(context.Background()); err != nil {
			log.Printf("failed to close session: %v", err)
		}
	}()

	input := bufio.NewScanner(os.Stdin)
	cmds := []string{"tools", "day", "ping", "exit"}

	for {
		fmt.Println("Choose commands number:")
		for i, cmd := range cmds {
			fmt.Printf("%d. %s\n", i+1, cmd)
		}

		choice, err := waitStdIOInput(ctx, input)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				fmt.Println("Exiting...")
				return
			}
			fmt.Println(err)
			continue
		}
		idx, err := strconv.Atoi(choice)
		if err != nil || idx < 1 || idx > len(cmds) {
			fmt.Printf("Invalid input: %s\n", choice)
			continue
		}

		switch cmds[idx-1] {
		case "tools":
			listTools(ctx, cli)
		case "day":
			callDayContext(ctx, cli, input)
		case "ping":
			if err := cli.Ping(ctx); err != nil {
				fmt.Println(err)
				continue
			}
			fmt.Println("pong")
		case "exit":
			fmt.Println("Exiting...")
			return
		}
	}
}

func listTools(ctx context.Context, cli *mcp.StreamableClient) {
	tools, err := cli.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		fmt.Println(err)
		return
	}
	for _, tool := range tools.Tools {
		fmt.Printf("- %s: %s\n", tool.Name, tool.Description)
	}
}

func callDayContext(ctx context.Context, cli *mcp.StreamableClient, input *bufio.Scanner) {
	fmt.Print("User id: ")
	userID, err := waitStdIOInput(ctx, input)
	if err != nil {
		return
	}
	fmt.Print("Day (YYYY-MM-DD): ")
	day, err := waitStdIOInput(ctx, input)
	if err != nil {
		return
	}

	args, err := json.Marshal(map[string]string{"user_id": userID, "day": day})
	if err != nil {
		fmt.Println(err)
		return
	}

	result, err := cli.CallTool(ctx, mcp.CallToolParams{
		Name:      "get_day_context",
		Arguments: args,
	})
	if err != nil {
		fmt.Println(err)
		return
	}

	if result.IsError {
		fmt.Println("Backend request failed:")
	}
	out := result.StructuredContent
	if len(out) == 0 && len(result.Content) > 0 {
		out = json.RawMessage(result.Content[0].Text)
	}
	var pretty strings.Builder
	enc := json.NewEncoder(&pretty)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Println(string(out))
		return
	}
	fmt.Print(pretty.String())
}

func waitStdIOInput(ctx context.Context, scanner *bufio.Scanner) (string, error) {
	inputChan := make(chan string, 1)
	errsChan := make(chan error, 1)
	go func() {
		if scanner.Scan() {
			inputChan <- strings.TrimSpace(scanner.Text())
			return
		}
		if err := scanner.Err(); err != nil {
			errsChan <- err
			return
		}
		errsChan <- io.EOF
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errsChan:
		return "", err
	case input := <-inputChan:
		return input, nil
	}
}
