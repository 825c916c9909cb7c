package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grokgate/grokgate/internal/credential"
	apperrors "github.com/grokgate/grokgate/internal/errors"
	"github.com/grokgate/grokgate/internal/grok"
	"github.com/grokgate/grokgate/internal/quota"
)

func tokenLine(tok string) string {
	encoded, _ := json.Marshal(tok)
	return `{"result":{"response":{"token":` + string(encoded) + `}}}` + "\n"
}

type fakeUpstream struct {
	mu       sync.Mutex
	body     string
	err      error
	open     func(ctx context.Context) (io.ReadCloser, error)
	creds    []credential.Credential
	messages [][]grok.Message
}

func (f *fakeUpstream) Open(ctx context.Context, cred credential.Credential, messages []grok.Message) (io.ReadCloser, error) {
	f.mu.Lock()
	f.creds = append(f.creds, cred)
	f.messages = append(f.messages, messages)
	f.mu.Unlock()

	if f.open != nil {
		return f.open(ctx)
	}
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func (f *fakeUpstream) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creds)
}

func newTestPool(t *testing.T, maxQuota int, names ...string) *quota.Pool {
	t.Helper()
	store := credential.NewStore()
	for _, name := range names {
		store.Add(name, "secret-"+name)
	}
	pool, err := quota.New(quota.Config{MaxQuota: maxQuota, Recovery: time.Hour}, store,
		quota.WithAfterFunc(func(time.Duration, func()) func() bool { return func() bool { return true } }),
		quota.WithIntn(func(int) int { return 0 }),
	)
	require.NoError(t, err)
	return pool
}

func newTestDispatcher(pool CredentialPool, upstream Upstream, opts Options) (*Dispatcher, *int) {
	d := New(pool, upstream, opts)
	d.now = func() time.Time { return time.Unix(1700000000, 0) }
	d.newID = func() string { return "chatcmpl-test" }
	aborts := 0
	d.abort = func() { aborts++ }
	return d, &aborts
}

func chatRequest(t *testing.T, body string, bearer string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

const streamBody = `{"messages":[{"role":"user","content":"hello"}],"stream":true}`
const jsonBody = `{"messages":[{"role":"user","content":"hello"}],"stream":false}`

func TestStreamingResponse(t *testing.T) {
	upstream := &fakeUpstream{body: tokenLine("A") + tokenLine("B")}
	d, aborts := newTestDispatcher(newTestPool(t, 5, "alice"), upstream, Options{})

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, chatRequest(t, streamBody, ""))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.True(t, rec.Flushed)
	assert.Zero(t, *aborts)

	frames := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n\n"), "\n\n")
	require.Len(t, frames, 3)
	assert.Equal(t, "data: [DONE]", frames[2])

	var tokens []string
	for _, frame := range frames[:2] {
		require.True(t, strings.HasPrefix(frame, "data: "))
		var chunk ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &chunk))
		assert.Equal(t, "chatcmpl-test", chunk.ID)
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		assert.Equal(t, int64(1700000000), chunk.Created)
		assert.Equal(t, "grok-3", chunk.Model)
		require.Len(t, chunk.Choices, 1)
		assert.Equal(t, "assistant", chunk.Choices[0].Delta.Role)
		tokens = append(tokens, chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, []string{"A", "B"}, tokens)

	require.Equal(t, 1, upstream.calls())
	assert.Equal(t, []grok.Message{{Role: "user", Content: "hello"}}, upstream.messages[0])
}

func TestStreamingWithoutTokensStillSendsDone(t *testing.T) {
	upstream := &fakeUpstream{body: `{"result":{"response":{"token":""}}}` + "\n"}
	d, _ := newTestDispatcher(newTestPool(t, 5, "alice"), upstream, Options{})

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, chatRequest(t, streamBody, ""))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "data: [DONE]\n\n", rec.Body.String())
}

func TestNonStreamingResponse(t *testing.T) {
	upstream := &fakeUpstream{body: tokenLine("Hel") + "garbage\n" + tokenLine("lo")}
	d, _ := newTestDispatcher(newTestPool(t, 5, "alice"), upstream, Options{Model: "grok-3"})

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, chatRequest(t, jsonBody, ""))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var completion ChatCompletion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &completion))
	assert.Equal(t, "chat.completion", completion.Object)
	require.Len(t, completion.Choices, 1)
	assert.Equal(t, "Hello", completion.Choices[0].Message.Content)
	assert.Equal(t, "assistant", completion.Choices[0].Message.Role)
	assert.Equal(t, "stop", completion.Choices[0].FinishReason)
}

func TestUpstreamErrorBeforeFirstToken(t *testing.T) {
	upstream := &fakeUpstream{body: `{"error":{"code":16,"message":"session expired for sso=abc"}}` + "\n"}
	d, aborts := newTestDispatcher(newTestPool(t, 5, "alice"), upstream, Options{})

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, chatRequest(t, streamBody, ""))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Zero(t, *aborts)
	assert.NotContains(t, rec.Body.String(), "sso=abc")
	assert.NotContains(t, rec.Body.String(), "[DONE]")

	body := decodeError(t, rec)
	assert.Equal(t, "EXTERNAL_SERVICE_ERROR", body.Error.Code)
	assert.Equal(t, UpstreamFailureMessage, body.Error.Message)
}

func TestUpstreamOpenFailure(t *testing.T) {
	upstream := &fakeUpstream{err: &grok.StatusError{StatusCode: http.StatusForbidden, Body: "blocked"}}
	d, _ := newTestDispatcher(newTestPool(t, 5, "alice"), upstream, Options{})

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, chatRequest(t, jsonBody, ""))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "blocked")
}

func TestUpstreamErrorAfterStreamingStarted(t *testing.T) {
	upstream := &fakeUpstream{body: tokenLine("partial") + `{"error":{"code":13}}` + "\n" + tokenLine("never")}
	d, aborts := newTestDispatcher(newTestPool(t, 5, "alice"), upstream, Options{})

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, chatRequest(t, streamBody, ""))

	assert.Equal(t, 1, *aborts)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "partial")
	assert.NotContains(t, rec.Body.String(), "never")
	assert.NotContains(t, rec.Body.String(), "[DONE]")
	assert.NotContains(t, rec.Body.String(), "EXTERNAL_SERVICE_ERROR")
}

func TestNonStreamingErrorAfterTokensIsSingleErrorResponse(t *testing.T) {
	upstream := &fakeUpstream{body: tokenLine("partial") + `{"error":{"code":13}}` + "\n"}
	d, aborts := newTestDispatcher(newTestPool(t, 5, "alice"), upstream, Options{})

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, chatRequest(t, jsonBody, ""))

	// buffered tokens were never written, so a clean error is still possible
	assert.Zero(t, *aborts)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "partial")
}

func TestNoCapacityReturns429WithoutUpstreamCall(t *testing.T) {
	upstream := &fakeUpstream{body: tokenLine("x")}
	d, _ := newTestDispatcher(newTestPool(t, 1, "alice"), upstream, Options{})

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, chatRequest(t, jsonBody, ""))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	d.ServeHTTP(rec, chatRequest(t, jsonBody, ""))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "CAPACITY_EXCEEDED", body.Error.Code)
	assert.Equal(t, CapacityExceededMessage, body.Error.Message)
	assert.Equal(t, 1, upstream.calls())
}

func TestEmptyPoolReturns429(t *testing.T) {
	upstream := &fakeUpstream{body: tokenLine("x")}
	d, _ := newTestDispatcher(newTestPool(t, 5), upstream, Options{})

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, chatRequest(t, streamBody, "alice"))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Zero(t, upstream.calls())
}

func TestCredentialHintPolicy(t *testing.T) {
	t.Run("known hint with quota is used", func(t *testing.T) {
		upstream := &fakeUpstream{body: tokenLine("x")}
		pool := newTestPool(t, 2, "alice", "bob")
		d, _ := newTestDispatcher(pool, upstream, Options{})

		d.ServeHTTP(httptest.NewRecorder(), chatRequest(t, jsonBody, "bob"))

		require.Equal(t, 1, upstream.calls())
		assert.Equal(t, "bob", upstream.creds[0].Name)
		assert.Equal(t, "secret-bob", upstream.creds[0].Secret)
		remaining, _ := pool.Remaining("bob")
		assert.Equal(t, 1, remaining)
	})

	t.Run("exhausted hint falls back to random", func(t *testing.T) {
		upstream := &fakeUpstream{body: tokenLine("x")}
		pool := newTestPool(t, 1, "alice", "bob")
		_, ok := pool.AcquireNamed("bob")
		require.True(t, ok)
		d, _ := newTestDispatcher(pool, upstream, Options{})

		rec := httptest.NewRecorder()
		d.ServeHTTP(rec, chatRequest(t, jsonBody, "bob"))

		assert.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, 1, upstream.calls())
		assert.Equal(t, "alice", upstream.creds[0].Name)
	})

	t.Run("unknown hint falls back to random", func(t *testing.T) {
		upstream := &fakeUpstream{body: tokenLine("x")}
		d, _ := newTestDispatcher(newTestPool(t, 1, "alice"), upstream, Options{})

		d.ServeHTTP(httptest.NewRecorder(), chatRequest(t, jsonBody, "mallory"))

		require.Equal(t, 1, upstream.calls())
		assert.Equal(t, "alice", upstream.creds[0].Name)
	})
}

func TestClientAbortWritesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	upstream := &fakeUpstream{open: func(ctx context.Context) (io.ReadCloser, error) {
		cancel()
		return nil, ctx.Err()
	}}
	d, aborts := newTestDispatcher(newTestPool(t, 5, "alice"), upstream, Options{})

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, chatRequest(t, streamBody, "").WithContext(ctx))

	assert.Zero(t, *aborts)
	assert.Empty(t, rec.Body.String())
	assert.False(t, rec.Flushed)
	assert.Empty(t, rec.Header().Get("Content-Type"))
}

// blockingBody yields one token, then blocks until ctx is done. waiting is
// closed once the first token has been handed to the translator.
type blockingBody struct {
	ctx     context.Context
	reads   int
	waiting chan struct{}
}

func (b *blockingBody) Read(p []byte) (int, error) {
	b.reads++
	if b.reads == 1 {
		return copy(p, tokenLine("first")), nil
	}
	if b.reads == 2 {
		close(b.waiting)
	}
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (b *blockingBody) Close() error { return nil }

func TestClientAbortMidStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	waiting := make(chan struct{})
	upstream := &fakeUpstream{open: func(ctx context.Context) (io.ReadCloser, error) {
		return &blockingBody{ctx: ctx, waiting: waiting}, nil
	}}
	d, aborts := newTestDispatcher(newTestPool(t, 5, "alice"), upstream, Options{})

	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.ServeHTTP(rec, chatRequest(t, streamBody, "").WithContext(ctx))
	}()

	select {
	case <-waiting:
	case <-time.After(2 * time.Second):
		t.Fatal("first token was never read")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after client abort")
	}

	assert.Zero(t, *aborts)
	assert.Contains(t, rec.Body.String(), "first")
	assert.NotContains(t, rec.Body.String(), "[DONE]")
}

func TestInvalidRequestBodies(t *testing.T) {
	tests := map[string]string{
		"malformed json":  `{"messages":`,
		"no messages":     `{"messages":[],"stream":true}`,
		"bad content":     `{"messages":[{"role":"user","content":42}]}`,
		"wrong body type": `[]`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			upstream := &fakeUpstream{body: tokenLine("x")}
			d, _ := newTestDispatcher(newTestPool(t, 5, "alice"), upstream, Options{})

			rec := httptest.NewRecorder()
			d.ServeHTTP(rec, chatRequest(t, body, ""))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_INPUT", decodeError(t, rec).Error.Code)
			assert.Zero(t, upstream.calls())
		})
	}
}

func TestBodyLimit(t *testing.T) {
	upstream := &fakeUpstream{body: tokenLine("x")}
	d, _ := newTestDispatcher(newTestPool(t, 5, "alice"), upstream, Options{MaxBodyBytes: 64})

	big := `{"messages":[{"role":"user","content":"` + strings.Repeat("a", 200) + `"}]}`
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, chatRequest(t, big, ""))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, upstream.calls())
}

func TestContentPartsAreFlattened(t *testing.T) {
	upstream := &fakeUpstream{body: tokenLine("x")}
	d, _ := newTestDispatcher(newTestPool(t, 5, "alice"), upstream, Options{})

	body := `{"messages":[{"role":"user","content":[{"type":"text","text":"one"},{"type":"image_url","image_url":{"url":"x"}},{"type":"text","text":"two"}]}]}`
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, chatRequest(t, body, ""))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []grok.Message{{Role: "user", Content: "one\ntwo"}}, upstream.messages[0])
}

func TestTestMessageShortcut(t *testing.T) {
	probe := `{"messages":[{"role":"user","content":"Hi"}],"stream":false}`

	t.Run("enabled", func(t *testing.T) {
		upstream := &fakeUpstream{body: tokenLine("x")}
		pool := newTestPool(t, 5, "alice")
		d, _ := newTestDispatcher(pool, upstream, Options{TestMessageReply: true})

		rec := httptest.NewRecorder()
		d.ServeHTTP(rec, chatRequest(t, probe, ""))

		assert.Equal(t, http.StatusOK, rec.Code)
		var completion ChatCompletion
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &completion))
		assert.Equal(t, TestMessageReply, completion.Choices[0].Message.Content)
		assert.Zero(t, upstream.calls())
		remaining, _ := pool.Remaining("alice")
		assert.Equal(t, 5, remaining)
	})

	t.Run("disabled", func(t *testing.T) {
		upstream := &fakeUpstream{body: tokenLine("x")}
		d, _ := newTestDispatcher(newTestPool(t, 5, "alice"), upstream, Options{})

		d.ServeHTTP(httptest.NewRecorder(), chatRequest(t, probe, ""))
		assert.Equal(t, 1, upstream.calls())
	})

	t.Run("streaming probe goes upstream", func(t *testing.T) {
		upstream := &fakeUpstream{body: tokenLine("x")}
		d, _ := newTestDispatcher(newTestPool(t, 5, "alice"), upstream, Options{TestMessageReply: true})

		d.ServeHTTP(httptest.NewRecorder(), chatRequest(t, `{"messages":[{"role":"user","content":"Hi"}],"stream":true}`, ""))
		assert.Equal(t, 1, upstream.calls())
	})
}

func TestAbortAfterStartOverRealConnection(t *testing.T) {
	upstream := &fakeUpstream{body: tokenLine("partial") + `{"error":{"code":13}}` + "\n"}
	d := New(newTestPool(t, 5, "alice"), upstream, Options{})

	server := httptest.NewServer(d)
	defer server.Close()

	resp, err := http.Post(server.URL, "application/json", strings.NewReader(streamBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF) || strings.Contains(err.Error(), "EOF") || strings.Contains(err.Error(), "reset"))
	assert.Contains(t, string(data), "partial")
	assert.NotContains(t, string(data), "[DONE]")
}

func TestBearerHint(t *testing.T) {
	assert.Equal(t, "alice", bearerHint("Bearer alice"))
	assert.Equal(t, "alice", bearerHint("bearer  alice "))
	assert.Equal(t, "", bearerHint("Bearer "))
	assert.Equal(t, "", bearerHint("Basic abc"))
	assert.Equal(t, "", bearerHint(""))
}

func TestStreamStateFinalizesOnce(t *testing.T) {
	s := newStreamState()
	assert.Equal(t, PhaseSelectingCredential, s.Phase())
	assert.True(t, s.advance(PhaseStreaming))

	require.NoError(t, s.write(func() error { return nil }))
	assert.True(t, s.Started())

	require.NoError(t, s.complete(func() error { return nil }))
	assert.Equal(t, PhaseCompleted, s.Phase())

	finalized, started := s.fail(ReasonUpstream)
	assert.False(t, finalized)
	assert.True(t, started)
	assert.ErrorIs(t, s.write(func() error { return nil }), errFinalized)
	assert.ErrorIs(t, s.complete(func() error { return nil }), errFinalized)
	assert.False(t, s.advance(PhaseStreaming))
	assert.Equal(t, "", s.Reason())
}

func TestNewModelList(t *testing.T) {
	list := NewModelList("grok-3")
	data, err := json.Marshal(list)
	require.NoError(t, err)
	assert.JSONEq(t, `{"object":"list","data":[{"id":"grok-3","object":"model","owned_by":"xai"}]}`, string(data))
}
