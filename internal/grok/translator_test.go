package grok

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenLine(tok string) string {
	encoded, _ := json.Marshal(tok)
	return `{"result":{"response":{"token":` + string(encoded) + `}}}` + "\n"
}

// collect feeds chunks and finishes, returning all tokens and the terminal
// error if any.
func collect(t *testing.T, chunks [][]byte) ([]string, bool, error) {
	t.Helper()
	tr := NewTranslator(nil)
	var tokens []string
	ended := false

	record := func(events []Event) {
		for _, ev := range events {
			switch ev.Kind {
			case EventToken:
				tokens = append(tokens, ev.Token)
			case EventEnd:
				ended = true
			}
		}
	}

	for _, chunk := range chunks {
		events, err := tr.Feed(chunk)
		record(events)
		if err != nil {
			return tokens, ended, err
		}
	}
	events, err := tr.Finish()
	record(events)
	return tokens, ended, err
}

func TestTranslatorEmitsTokensInOrder(t *testing.T) {
	stream := tokenLine("Hel") + tokenLine("lo") + `{"result":{"response":{"token":""}}}` + "\n"

	tokens, ended, err := collect(t, [][]byte{[]byte(stream)})
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Equal(t, []string{"Hel", "lo"}, tokens)
}

func TestTranslatorChunkBoundaryInvariance(t *testing.T) {
	stream := []byte(tokenLine("Grüße ") + "not json at all\n" + "\n" + tokenLine("日本語") + tokenLine("🙂 done"))

	want, _, err := collect(t, [][]byte{stream})
	require.NoError(t, err)
	require.Equal(t, []string{"Grüße ", "日本語", "🙂 done"}, want)

	// every two-way split, including those inside multi-byte runes
	for i := 0; i <= len(stream); i++ {
		got, ended, err := collect(t, [][]byte{stream[:i], stream[i:]})
		require.NoError(t, err, "split at %d", i)
		require.True(t, ended)
		require.Equal(t, want, got, "split at %d", i)
	}

	// one byte at a time
	var single [][]byte
	for i := range stream {
		single = append(single, stream[i:i+1])
	}
	got, _, err := collect(t, single)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTranslatorSkipsMalformedLines(t *testing.T) {
	stream := "{broken\n" + `{"unrelated":true}` + "\n" + tokenLine("ok")

	tokens, ended, err := collect(t, [][]byte{[]byte(stream)})
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Equal(t, []string{"ok"}, tokens)
}

func TestTranslatorBackendErrorIsTerminal(t *testing.T) {
	stream := tokenLine("a") + `{"error":{"code":16,"message":"unauthenticated"}}` + "\n" + tokenLine("b")

	tokens, ended, err := collect(t, [][]byte{[]byte(stream)})
	require.Error(t, err)
	assert.False(t, ended)
	assert.Equal(t, []string{"a"}, tokens)

	var upstreamErr *UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	assert.Equal(t, 16, upstreamErr.Code)
	assert.True(t, upstreamErr.InvalidCredential)
	assert.True(t, IsInvalidCredential(err))
}

func TestTranslatorErrorCodeShapes(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		wantCode    int
		wantMessage string
	}{
		{"object message", `{"error":{"code":16,"message":{"x":1}}}`, 16, `{"x":1}`},
		{"string code", `{"error":{"code":"16"}}`, 16, ""},
		{"float code", `{"error":{"code":16.0,"message":"expired"}}`, 16, "expired"},
		{"non-numeric code", `{"error":{"code":"UNAUTHENTICATED"}}`, 0, ""},
		{"error beside result", `{"result":{"response":{"token":"x"}},"error":{"code":8}}`, 8, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, ended, err := collect(t, [][]byte{[]byte(tokenLine("before") + tt.line + "\n")})
			require.Error(t, err)
			assert.False(t, ended)
			assert.Equal(t, []string{"before"}, tokens)

			var upstreamErr *UpstreamError
			require.True(t, errors.As(err, &upstreamErr))
			assert.Equal(t, tt.wantCode, upstreamErr.Code)
			assert.Equal(t, tt.wantMessage, upstreamErr.Message)
		})
	}
}

func TestTranslatorIgnoresMistypedSiblingFields(t *testing.T) {
	stream := `{"result":{"response":{"token":"Hi","isThinking":1}}}` + "\n" +
		`{"result":{"response":{"token":" there","messageTag":{"a":[1]}}},"error":{"code":"0"}}` + "\n" +
		`{"result":{"response":{"token":42}}}` + "\n" +
		`{"result":"text","error":null}` + "\n"

	tokens, ended, err := collect(t, [][]byte{[]byte(stream)})
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Equal(t, []string{"Hi", " there"}, tokens)
}

func TestTranslatorRefusesInputAfterFailure(t *testing.T) {
	tr := NewTranslator(nil)
	_, err := tr.Feed([]byte(`{"error":{"code":8}}` + "\n"))
	require.Error(t, err)
	assert.False(t, IsInvalidCredential(err))

	events, err2 := tr.Feed([]byte(tokenLine("x")))
	assert.Empty(t, events)
	assert.Equal(t, err, err2)

	_, err3 := tr.Finish()
	assert.Equal(t, err, err3)
}

func TestTranslatorZeroErrorCodeIsNotFailure(t *testing.T) {
	stream := `{"error":{"code":0},"result":{"response":{"token":"fine"}}}` + "\n"

	tokens, ended, err := collect(t, [][]byte{[]byte(stream)})
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Equal(t, []string{"fine"}, tokens)
}

func TestTranslatorProcessesTrailingLineOnFinish(t *testing.T) {
	stream := tokenLine("one") + `{"result":{"response":{"token":"two"}}}`

	tokens, ended, err := collect(t, [][]byte{[]byte(stream)})
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Equal(t, []string{"one", "two"}, tokens)
}

func TestTranslatorTrailingErrorLine(t *testing.T) {
	stream := tokenLine("one") + `{"error":{"code":3}}`

	_, ended, err := collect(t, [][]byte{[]byte(stream)})
	require.Error(t, err)
	assert.False(t, ended)
}

func TestTranslatorFinishTwice(t *testing.T) {
	tr := NewTranslator(nil)
	_, err := tr.Finish()
	require.NoError(t, err)

	_, err = tr.Finish()
	assert.ErrorIs(t, err, ErrTranslatorClosed)
	_, err = tr.Feed([]byte("x"))
	assert.ErrorIs(t, err, ErrTranslatorClosed)
}

func TestTranslatorLineTooLong(t *testing.T) {
	tr := NewTranslator(nil)
	_, err := tr.Feed(make([]byte, MaxLineSize+1))
	assert.ErrorIs(t, err, ErrLineTooLong)
}

// chunkReader returns one chunk per Read call.
type chunkReader struct {
	chunks []string
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func TestRunEmitsEndAfterTokens(t *testing.T) {
	r := &chunkReader{chunks: []string{tokenLine("a")[:10], tokenLine("a")[10:] + tokenLine("b")}}

	var kinds []EventKind
	var tokens []string
	err := NewTranslator(nil).Run(context.Background(), r, func(ev Event) error {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == EventToken {
			tokens = append(tokens, ev.Token)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tokens)
	assert.Equal(t, []EventKind{EventToken, EventToken, EventEnd}, kinds)
}

func TestRunStopsOnEmitError(t *testing.T) {
	r := &chunkReader{chunks: []string{tokenLine("a") + tokenLine("b")}}
	stop := errors.New("client gone")

	calls := 0
	err := NewTranslator(nil).Run(context.Background(), r, func(ev Event) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestRunReturnsReadError(t *testing.T) {
	boom := errors.New("connection reset")
	r := &chunkReader{chunks: []string{tokenLine("a")}, err: boom}

	var ended bool
	err := NewTranslator(nil).Run(context.Background(), r, func(ev Event) error {
		if ev.Kind == EventEnd {
			ended = true
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, ended)
}

func TestRunHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &chunkReader{chunks: []string{tokenLine("a")}}
	err := NewTranslator(nil).Run(ctx, r, func(Event) error {
		t.Fatal("no events expected after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "token", EventToken.String())
	assert.Equal(t, "end", EventEnd.String())
	assert.Equal(t, "unknown", EventKind(9).String())
}
