// test-mcp drives an in-process server through the MCP handshake and a few
// tool calls, printing each exchange. It is a protocol smoke test that needs
// no client.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/fatih/color"
	"github.com/fredcamaral/gomcp-sdk/protocol"

	"mcp-resource-server/internal/config"
	"mcp-resource-server/internal/di"
	"mcp-resource-server/internal/security"
)

// RequestHandler is the part of the MCP server the checks drive.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *protocol.JSONRPCRequest) *protocol.JSONRPCResponse
}

type check struct {
	title  string
	method string
	params interface{}
}

var checks = []check{
	{
		title:  "Initialize Protocol",
		method: "initialize",
		params: protocol.InitializeRequest{
			ProtocolVersion: protocol.Version,
			ClientInfo:      protocol.ClientInfo{Name: "test-mcp", Version: "1.0.0"},
		},
	},
	{title: "List Tools", method: "tools/list"},
	{
		title:  "Store Memory",
		method: "tools/call",
		params: protocol.ToolCallRequest{
			Name:      "memory-store",
			Arguments: map[string]interface{}{"key": "smoke", "value": map[string]interface{}{"ok": true}, "ttl": 60},
		},
	},
	{
		title:  "Retrieve Memory",
		method: "tools/call",
		params: protocol.ToolCallRequest{Name: "memory-retrieve", Arguments: map[string]interface{}{"key": "smoke"}},
	},
	{
		title:  "Write File",
		method: "tools/call",
		params: protocol.ToolCallRequest{
			Name:      "write",
			Arguments: map[string]interface{}{"path": "smoke/hello.txt", "content": "hello from test-mcp"},
		},
	},
	{
		title:  "List Directory",
		method: "tools/call",
		params: protocol.ToolCallRequest{Name: "list", Arguments: map[string]interface{}{"path": "smoke"}},
	},
	{title: "List Resources", method: "resources/list"},
	{
		title:  "Read Stats Resource",
		method: "resources/read",
		params: map[string]interface{}{"uri": "memory://stats"},
	},
}

type printer struct {
	out   io.Writer
	title *color.Color
	ok    *color.Color
	fail  *color.Color
	body  *color.Color
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:   out,
		title: color.New(color.FgCyan, color.Bold),
		ok:    color.New(color.FgGreen),
		fail:  color.New(color.FgRed),
		body:  color.New(color.FgWhite),
	}
}

// runChecks sends every check to handler and returns how many failed. A
// tool result flagged isError counts as a failure.
func runChecks(ctx context.Context, handler RequestHandler, p *printer) int {
	failed := 0
	for i, c := range checks {
		p.title.Fprintf(p.out, "\n[%d/%d] %s\n", i+1, len(checks), c.title)

		resp := handler.HandleRequest(ctx, &protocol.JSONRPCRequest{
			JSONRPC: "2.0",
			ID:      i + 1,
			Method:  c.method,
			Params:  c.params,
		})
		switch {
		case resp == nil:
			failed++
			p.fail.Fprintln(p.out, "  no response")
			continue
		case resp.Error != nil:
			failed++
			p.fail.Fprintf(p.out, "  error %d: %s\n", resp.Error.Code, resp.Error.Message)
			continue
		}

		if result, ok := resp.Result.(*protocol.ToolCallResult); ok && result.IsError {
			failed++
			p.fail.Fprintln(p.out, "  tool reported an error")
		} else {
			p.ok.Fprintln(p.out, "  ok")
		}
		if data, err := json.MarshalIndent(resp.Result, "  ", "  "); err == nil {
			p.body.Fprintf(p.out, "  %s\n", data)
		}
	}
	return failed
}

func main() {
	dir, err := os.MkdirTemp("", "test-mcp-*")
	if err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	defer os.RemoveAll(dir)

	cfg := config.DefaultConfig()
	cfg.Filesystem.BasePath = dir
	cfg.Logging.Level = "warn"

	ctx := context.Background()
	container, err := di.NewContainer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create container: %v", err)
	}
	defer container.Shutdown()

	server := container.NewMCPServer(&security.Identity{ID: "test-mcp", Method: security.AuthMethodStdio})
	p := newPrinter(os.Stdout)
	p.title.Fprintln(p.out, "MCP Protocol Smoke Test")

	failed := runChecks(ctx, server, p)
	fmt.Fprintln(p.out)
	if failed > 0 {
		p.fail.Fprintf(p.out, "%d of %d checks failed\n", failed, len(checks))
		container.Shutdown()
		os.RemoveAll(dir)
		os.Exit(1)
	}
	p.ok.Fprintf(p.out, "all %d checks passed\n", len(checks))
}
