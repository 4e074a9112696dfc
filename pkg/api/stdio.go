package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// maxFrameBytes bounds one stdio line; oversized frames fail the scan.
const maxFrameBytes = 4 << 20

// StdioHost serves the tool surface as line-delimited JSON: one Frame per
// input line, one response object per output line.
type StdioHost struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewStdioHost builds a stdio host.
func NewStdioHost(dispatcher *Dispatcher, logger *slog.Logger) *StdioHost {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioHost{dispatcher: dispatcher, logger: logger}
}

type stdioResponse struct {
	Tool     string `json:"tool,omitempty"`
	Response any    `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Serve reads frames from r until EOF or context cancellation and writes
// one response per frame to w. Framing errors are reported in-band and do
// not stop the loop.
func (h *StdioHost) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			h.write(enc, stdioResponse{Error: fmt.Sprintf("malformed frame: %v", err)})
			continue
		}
		if frame.Tool == "" {
			h.write(enc, stdioResponse{Error: "frame is missing a tool name"})
			continue
		}

		resp, err := h.dispatcher.Dispatch(ctx, frame.Tool, frame.Request)
		if err != nil {
			h.write(enc, stdioResponse{Tool: frame.Tool, Error: err.Error()})
			continue
		}
		h.write(enc, stdioResponse{Tool: frame.Tool, Response: resp})
	}
	return scanner.Err()
}

func (h *StdioHost) write(enc *json.Encoder, resp stdioResponse) {
	if err := enc.Encode(resp); err != nil {
		h.logger.Error("stdio write failed", "error", err)
	}
}
