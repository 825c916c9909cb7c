package grok

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
)

const (
	readChunkSize = 32 * 1024
	// MaxLineSize bounds a single buffered line.
	MaxLineSize = 8 * 1024 * 1024
)

var (
	// ErrTranslatorClosed is returned when input arrives after the stream ended.
	ErrTranslatorClosed = errors.New("translator already finished")
	// ErrLineTooLong is returned when a line exceeds MaxLineSize.
	ErrLineTooLong = errors.New("upstream line exceeds maximum size")
)

// EventKind identifies a translated stream event.
type EventKind int

const (
	// EventToken carries one piece of generated text.
	EventToken EventKind = iota
	// EventEnd marks a clean end of stream.
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventToken:
		return "token"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is produced by the Translator in stream order.
type Event struct {
	Kind  EventKind
	Token string
}

// frame is the outer shape of a backend stream line. Nested parts are
// decoded separately so a mistyped field cannot hide an error or a token.
type frame struct {
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

type frameError struct {
	Code    any             `json:"code"`
	Message json.RawMessage `json:"message"`
}

// Translator turns the backend's newline-delimited JSON into token events.
// Input may be split anywhere, including inside a UTF-8 sequence; output is
// the same for any split. A Translator is not safe for concurrent use.
type Translator struct {
	buf    []byte
	done   bool
	err    error
	logger *logging.Logger
}

// NewTranslator returns a translator. logger may be nil.
func NewTranslator(logger *logging.Logger) *Translator {
	return &Translator{logger: logger}
}

// Feed consumes a chunk and returns the token events of every line it
// completed. When a line reports a backend error, Feed returns the tokens
// seen before it together with an *UpstreamError, and the translator refuses
// further input.
func (t *Translator) Feed(chunk []byte) ([]Event, error) {
	if t.err != nil {
		return nil, t.err
	}
	if t.done {
		return nil, ErrTranslatorClosed
	}

	t.buf = append(t.buf, chunk...)

	var events []Event
	for {
		idx := bytes.IndexByte(t.buf, '\n')
		if idx < 0 {
			break
		}
		line := t.buf[:idx]
		t.buf = t.buf[idx+1:]

		ev, ok, err := t.parseLine(line)
		if err != nil {
			t.fail(err)
			return events, err
		}
		if ok {
			events = append(events, ev)
		}
	}

	if len(t.buf) > MaxLineSize {
		t.fail(ErrLineTooLong)
		return events, ErrLineTooLong
	}

	// reclaim the consumed prefix
	if len(t.buf) == 0 {
		t.buf = nil
	} else if cap(t.buf) > 2*len(t.buf) && cap(t.buf) > readChunkSize {
		t.buf = append([]byte(nil), t.buf...)
	}

	return events, nil
}

// Finish ends the stream. A trailing line without a newline is processed
// first; any token it carries is returned before the end event.
func (t *Translator) Finish() ([]Event, error) {
	if t.err != nil {
		return nil, t.err
	}
	if t.done {
		return nil, ErrTranslatorClosed
	}
	t.done = true

	var events []Event
	if len(t.buf) > 0 {
		line := t.buf
		t.buf = nil
		ev, ok, err := t.parseLine(line)
		if err != nil {
			t.fail(err)
			return nil, err
		}
		if ok {
			events = append(events, ev)
		}
	}

	return append(events, Event{Kind: EventEnd}), nil
}

// Run reads r until EOF, feeding the translator and passing every event to
// emit in order. It stops at the first error from r, the translator or emit.
// If ctx is cancelled, ctx.Err() is returned and no end event is emitted.
func (t *Translator) Run(ctx context.Context, r io.Reader, emit func(Event) error) error {
	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			events, err := t.Feed(buf[:n])
			for _, ev := range events {
				if emitErr := emit(ev); emitErr != nil {
					return emitErr
				}
			}
			if err != nil {
				return err
			}
		}

		if readErr == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("read upstream stream: %w", readErr)
		}

		events, err := t.Finish()
		if err != nil {
			return err
		}
		for _, ev := range events {
			if emitErr := emit(ev); emitErr != nil {
				return emitErr
			}
		}
		return nil
	}
}

func (t *Translator) parseLine(raw []byte) (Event, bool, error) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return Event{}, false, nil
	}

	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		if t.logger != nil {
			t.logger.Debug("Skipping malformed upstream line",
				zap.Int("bytes", len(line)),
				zap.Error(err))
		}
		return Event{}, false, nil
	}

	if upErr := decodeFrameError(f.Error); upErr != nil {
		return Event{}, false, upErr
	}

	if tok := decodeToken(f.Result); tok != "" {
		return Event{Kind: EventToken, Token: tok}, true, nil
	}

	return Event{}, false, nil
}

// decodeFrameError returns an error for any "error" object whose code is
// present and non-zero, whatever its JSON type.
func decodeFrameError(raw json.RawMessage) *UpstreamError {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fe frameError
	if err := dec.Decode(&fe); err != nil {
		return nil
	}

	code, failed := errorCode(fe.Code)
	if !failed {
		return nil
	}
	return newUpstreamError(code, errorMessage(fe.Message))
}

// errorCode reports the numeric code when it has one, and whether the value
// signals a failure at all.
func errorCode(v any) (int, bool) {
	switch c := v.(type) {
	case nil:
		return 0, false
	case json.Number:
		f, err := c.Float64()
		if err != nil {
			return 0, c.String() != ""
		}
		return int(f), f != 0
	case string:
		c = strings.TrimSpace(c)
		if c == "" {
			return 0, false
		}
		if f, err := strconv.ParseFloat(c, 64); err == nil {
			return int(f), f != 0
		}
		return 0, true
	case bool:
		return 0, c
	case []any:
		return 0, len(c) > 0
	case map[string]any:
		return 0, len(c) > 0
	default:
		return 0, true
	}
}

func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return ""
	}
	if compact.String() == "null" {
		return ""
	}
	return compact.String()
}

func decodeToken(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var result struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || len(result.Response) == 0 {
		return ""
	}
	var response struct {
		Token json.RawMessage `json:"token"`
	}
	if err := json.Unmarshal(result.Response, &response); err != nil || len(response.Token) == 0 {
		return ""
	}
	var tok string
	if err := json.Unmarshal(response.Token, &tok); err != nil {
		return ""
	}
	return tok
}

func (t *Translator) fail(err error) {
	t.err = err
	t.buf = nil
}
