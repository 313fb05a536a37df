package api

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/chunkllm/internal/pipeline"
)

// SSEStreamWriter emits one event per prediction followed by a terminal
// completed or failed event.
type SSEStreamWriter struct {
	w       io.Writer
	flusher func()
	seq     int
	begun   bool
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	return &SSEStreamWriter{w: res, flusher: flusher.Flush, seq: 1}, nil
}

// Started reports whether any event has been written. After that the
// response status can no longer change.
func (s *SSEStreamWriter) Started() bool {
	return s.begun
}

func (s *SSEStreamWriter) Delta(p pipeline.Prediction) error {
	return s.emit(streamEvent{Type: "prediction.delta", Prediction: &p})
}

func (s *SSEStreamWriter) Complete(resp PredictionResponse) error {
	return s.emit(streamEvent{Type: "prediction.completed", Response: &resp})
}

func (s *SSEStreamWriter) Failed(resp PredictionResponse) error {
	return s.emit(streamEvent{Type: "prediction.failed", Response: &resp})
}

func (s *SSEStreamWriter) emit(ev streamEvent) error {
	s.begun = true
	ev.SequenceNumber = s.seq
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, b); err != nil {
		return err
	}
	s.flusher()
	s.seq++
	return nil
}
