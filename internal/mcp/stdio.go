package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fredcamaral/gomcp-sdk/protocol"
	"github.com/fredcamaral/gomcp-sdk/transport"
)

// DefaultMaxLineBytes bounds one stdio request.
const DefaultMaxLineBytes = 64 << 20

var errLineTooLong = errors.New("request line too long")

var _ transport.RequestHandler = (*Server)(nil)

type line struct {
	data []byte
	err  error
}

// ServeStdio reads newline-delimited JSON-RPC requests from in and answers
// them in order on out, until in is exhausted or ctx ends. Lines may be as
// long as maxLine bytes, which file content encoded in base64 needs.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer, maxLine int) error {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}

	done := make(chan struct{})
	defer close(done)
	lines := make(chan line)
	go readLines(bufio.NewReaderSize(in, 64<<10), maxLine, lines, done)

	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l := <-lines:
			switch {
			case errors.Is(l.err, io.EOF):
				return nil
			case errors.Is(l.err, errLineTooLong):
				s.logger.WarnContext(ctx, "dropping oversized stdio request", "limit", maxLine)
				if err := enc.Encode(errorResponse(protocol.InvalidRequest, "Request too large", nil)); err != nil {
					return fmt.Errorf("sending response: %w", err)
				}
				continue
			case l.err != nil:
				return fmt.Errorf("reading input: %w", l.err)
			}

			data := bytes.TrimSpace(l.data)
			if len(data) == 0 {
				continue
			}

			var req protocol.JSONRPCRequest
			if err := json.Unmarshal(data, &req); err != nil {
				if err := enc.Encode(errorResponse(protocol.ParseError, "Parse error", err.Error())); err != nil {
					return fmt.Errorf("sending response: %w", err)
				}
				continue
			}

			if resp := s.HandleRequest(ctx, &req); resp != nil {
				if err := enc.Encode(resp); err != nil {
					return fmt.Errorf("sending response: %w", err)
				}
			}
		}
	}
}

func errorResponse(code int, message string, data interface{}) *protocol.JSONRPCResponse {
	return &protocol.JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   protocol.NewJSONRPCError(code, message, data),
	}
}

func readLines(r *bufio.Reader, maxLine int, out chan<- line, done <-chan struct{}) {
	for {
		data, err := readLine(r, maxLine)
		select {
		case out <- line{data: data, err: err}:
		case <-done:
			return
		}
		if err != nil && !errors.Is(err, errLineTooLong) {
			return
		}
	}
}

// readLine returns the next line without its size capped by the reader's
// buffer. An over-long line is consumed and reported as errLineTooLong.
func readLine(r *bufio.Reader, maxLine int) ([]byte, error) {
	var buf []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > maxLine {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if tooLong {
				return nil, errLineTooLong
			}
			if len(buf) > 0 {
				return buf, nil
			}
			return nil, io.EOF
		case err != nil:
			return nil, err
		case tooLong:
			return nil, errLineTooLong
		default:
			return buf, nil
		}
	}
}
