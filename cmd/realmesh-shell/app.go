package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"realmesh/pkg/api"
	"realmesh/pkg/protocol/codec"
	"realmesh/pkg/transport"
)

// wireResponse mirrors cmd/realmesh-gateway's flattened, JSON-friendly
// rendering of api.Response.
type wireResponse struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
}

const dialTimeout = 5 * time.Second

// run dials a realmesh-gateway's control-plane listener and drives a
// line-oriented REPL over it: each line is "command key=value key=value...",
// parsed into an api.Request and sent as one JSON frame, with the
// gateway's wireResponse frame printed back.
func run(opts Options) int {
	tr, err := selectTransport(opts.Kind)
	if err != nil {
		fmt.Fprintln(os.Stderr, "transport:", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	sess, err := tr.Dial(ctx, opts.Addr, transport.PeerInfo{ID: transport.PeerID("temp:shell"), Addr: opts.Addr})
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		return 1
	}
	defer sess.Close()

	stream, err := sess.OpenStream(context.Background(), transport.StreamControl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open stream:", err)
		return 1
	}
	defer stream.Close()

	fmt.Println("connected to", opts.Addr, "- type a command, or 'quit' to exit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("realmesh> ")
		if !scanner.Scan() {
			return 0
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return 0
		}

		req := parseCommand(line)
		frame, err := codec.JSON().Marshal(req)
		if err != nil {
			fmt.Println("error:", err)
			continue
		}
		if err := stream.SendBytes(frame); err != nil {
			fmt.Fprintln(os.Stderr, "send:", err)
			return 1
		}
		reply, err := stream.RecvBytes()
		if err != nil {
			fmt.Fprintln(os.Stderr, "recv:", err)
			return 1
		}
		var resp wireResponse
		if err := codec.JSON().Unmarshal(reply, &resp); err != nil {
			fmt.Println("malformed reply:", err)
			continue
		}
		printResponse(resp)
	}
}

// parseCommand splits "command key=value key=value" into an api.Request,
// inferring bool/number/string argument types the way a JSON literal would.
func parseCommand(line string) api.Request {
	fields := strings.Fields(line)
	req := api.Request{Command: fields[0], Args: map[string]any{}}
	for _, kv := range fields[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		req.Args[k] = inferValue(v)
	}
	return req
}

func inferValue(v string) any {
	if v == "true" {
		return true
	}
	if v == "false" {
		return false
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n
	}
	return v
}

func printResponse(resp wireResponse) {
	if resp.Success {
		fmt.Println("ok:", resp.Message)
	} else {
		fmt.Println("error:", resp.Message, "["+resp.ErrorCode+"]")
	}
	for k, v := range resp.Data {
		fmt.Printf("  %s: %v\n", k, v)
	}
}
