package dispatch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/grokgate/grokgate/internal/grok"
)

const sseDone = "data: [DONE]\n\n"

// eventSink shapes translator events into the client response.
type eventSink interface {
	handle(ev grok.Event) error
}

// sseSink writes each token as an OpenAI chunk frame as soon as it arrives.
type sseSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	state   *StreamState
	id      string
	model   string
	created int64

	// guarded by state.mu
	headersSent bool
}

func newSSESink(w http.ResponseWriter, state *StreamState, id, model string, created int64) *sseSink {
	return &sseSink{
		w:       w,
		rc:      http.NewResponseController(w),
		state:   state,
		id:      id,
		model:   model,
		created: created,
	}
}

func (s *sseSink) handle(ev grok.Event) error {
	switch ev.Kind {
	case grok.EventToken:
		data, err := json.Marshal(newChunk(s.id, s.model, s.created, ev.Token))
		if err != nil {
			return fmt.Errorf("encode chunk: %w", err)
		}
		s.state.addTokens(1)
		return s.state.write(func() error {
			return s.send("data: " + string(data) + "\n\n")
		})

	case grok.EventEnd:
		return s.state.complete(func() error {
			return s.send(sseDone)
		})
	}
	return nil
}

// send must be called under the state lock.
func (s *sseSink) send(frame string) error {
	if !s.headersSent {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.headersSent = true
	}

	if _, err := s.w.Write([]byte(frame)); err != nil {
		return fmt.Errorf("%w: %v", ErrClientWrite, err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %v", ErrClientWrite, err)
	}
	return nil
}

// jsonSink buffers tokens and writes one completion at the end.
type jsonSink struct {
	w       http.ResponseWriter
	state   *StreamState
	id      string
	model   string
	created int64
	text    strings.Builder
}

func newJSONSink(w http.ResponseWriter, state *StreamState, id, model string, created int64) *jsonSink {
	return &jsonSink{
		w:       w,
		state:   state,
		id:      id,
		model:   model,
		created: created,
	}
}

func (s *jsonSink) handle(ev grok.Event) error {
	switch ev.Kind {
	case grok.EventToken:
		s.text.WriteString(ev.Token)
		s.state.addTokens(1)

	case grok.EventEnd:
		data, err := json.Marshal(newCompletion(s.id, s.model, s.created, s.text.String()))
		if err != nil {
			return fmt.Errorf("encode completion: %w", err)
		}
		return s.state.complete(func() error {
			s.w.Header().Set("Content-Type", "application/json")
			s.w.WriteHeader(http.StatusOK)
			if _, err := s.w.Write(data); err != nil {
				return fmt.Errorf("%w: %v", ErrClientWrite, err)
			}
			return nil
		})
	}
	return nil
}
