package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

const progressPollInterval = 50 * time.Millisecond

type streamEvent struct {
	Type           string              `json:"type"`
	Generation     *GenerationResponse `json:"generation,omitempty"`
	Progress       *GenerationProgress `json:"progress,omitempty"`
	SequenceNumber int                 `json:"sequence_number"`
}

// SSEStreamWriter writes server-sent events, skipping those a reconnecting
// client has already seen.
type SSEStreamWriter struct {
	w             io.Writer
	flusher       func()
	startingAfter int
	seq           int
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	return &SSEStreamWriter{
		w:             res,
		flusher:       flusher.Flush,
		startingAfter: parseStartingAfter(c.QueryParam("starting_after")),
		seq:           1,
	}, nil
}

func (s *SSEStreamWriter) Send(ev streamEvent) error {
	ev.SequenceNumber = s.seq
	s.seq++
	if s.startingAfter >= ev.SequenceNumber {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, b); err != nil {
		return err
	}
	s.flusher()
	return nil
}

// streamProgress emits a progress event for every step change of generation
// id and a final event carrying the terminal response.
func (s *Server) streamProgress(c *echo.Context, id string) error {
	w, err := NewSSEStreamWriter(c)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	done, _ := s.store.Done(id)
	ctx := c.Request().Context()
	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()

	lastStep := -1
	for {
		resp, ok := s.store.Get(id)
		if !ok {
			return w.Send(streamEvent{Type: "generation.deleted"})
		}
		if p := resp.Progress; p != nil && p.Step != lastStep {
			lastStep = p.Step
			if err := w.Send(streamEvent{Type: "generation.progress", Progress: p}); err != nil {
				return err
			}
		}
		if terminalStatus(resp.Status) {
			return w.Send(streamEvent{Type: "generation." + resp.Status, Generation: &resp})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-done:
		case <-ticker.C:
		}
	}
}

func streamParam(c *echo.Context) bool {
	q := c.QueryParam("stream")
	return q == "1" || strings.EqualFold(q, "true")
}
