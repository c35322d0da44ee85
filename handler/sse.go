package handler

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"kb-chat/internal/domain"
)

// sseSink writes chat events as text/event-stream frames. Headers are sent
// with the first event so that a turn rejected before streaming can still
// answer with a plain JSON error.
type sseSink struct {
	c      *gin.Context
	opened bool
}

func newSSESink(c *gin.Context) *sseSink {
	return &sseSink{c: c}
}

func (s *sseSink) Send(ev domain.Event) error {
	if err := s.c.Request.Context().Err(); err != nil {
		return err
	}
	if !s.opened {
		h := s.c.Writer.Header()
		h.Set("Content-Type", sse.ContentType)
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.c.Writer.WriteHeader(http.StatusOK)
		s.opened = true
	}

	var buf bytes.Buffer
	if err := sse.Encode(&buf, sse.Event{Event: string(ev.Type), Data: ev.Data}); err != nil {
		return fmt.Errorf("handler: encode %s event: %w", ev.Type, err)
	}
	if _, err := s.c.Writer.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("handler: write %s event: %w", ev.Type, err)
	}
	s.c.Writer.Flush()
	return nil
}
