package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/mescon/panoguard/internal/pipeline"
)

// sseSink writes progress frames as "data: <json>\n\n" and flushes each one.
// Headers are written with the first frame, so a scan rejected before it
// starts can still answer with a plain JSON error.
type sseSink struct {
	c      *gin.Context
	opened bool
}

func newSSESink(c *gin.Context) *sseSink {
	return &sseSink{c: c}
}

func (s *sseSink) open() {
	h := s.c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.c.Status(http.StatusOK)
	s.opened = true
}

// Send implements pipeline.Sink. An error means the client is gone.
func (s *sseSink) Send(ctx context.Context, ev pipeline.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", ev.Type, err)
	}
	if !s.opened {
		s.open()
	}
	if _, err := fmt.Fprintf(s.c.Writer, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}
