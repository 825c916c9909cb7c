// Package dispatch serves OpenAI chat-completion requests by picking a
// session cookie, calling the backend and reshaping its token stream.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/grokgate/grokgate/internal/credential"
	apperrors "github.com/grokgate/grokgate/internal/errors"
	"github.com/grokgate/grokgate/internal/grok"
	"github.com/grokgate/grokgate/internal/metrics"
	"github.com/grokgate/grokgate/internal/observability"
	"github.com/grokgate/grokgate/internal/server/middleware"
)

const (
	// DefaultMaxBodyBytes limits inbound request bodies.
	DefaultMaxBodyBytes int64 = 50 << 20

	// CapacityExceededMessage is returned when no cookie has quota left.
	CapacityExceededMessage = "Cookie quota exceeded"
	// UpstreamFailureMessage is the only failure detail callers ever see.
	UpstreamFailureMessage = "upstream request failed"
)

var (
	errFinalized = errors.New("response already finalized")
	// ErrClientWrite marks a failed write to the inbound connection.
	ErrClientWrite = errors.New("write to client failed")
)

// CredentialPool hands out session cookies.
type CredentialPool interface {
	Has(name string) bool
	AcquireNamed(name string) (credential.Credential, bool)
	AcquireAny() (credential.Credential, bool)
}

// Upstream opens a backend conversation stream.
type Upstream interface {
	Open(ctx context.Context, cred credential.Credential, messages []grok.Message) (io.ReadCloser, error)
}

// Options configures a Dispatcher.
type Options struct {
	// Model is reported in responses and /v1/models.
	Model string
	// TestMessageReply answers the frontend connection probe locally.
	TestMessageReply bool
	MaxBodyBytes     int64
	Logger           *logging.Logger
}

// Dispatcher is the http.Handler for /v1/chat/completions.
type Dispatcher struct {
	pool     CredentialPool
	upstream Upstream
	model    string
	testMsg  bool
	maxBody  int64
	logger   *logging.Logger

	now   func() time.Time
	newID func() string
	// abort tears down the connection after a partial response.
	abort func()
}

// New returns a Dispatcher.
func New(pool CredentialPool, upstream Upstream, opts Options) *Dispatcher {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = grok.DefaultModel
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	return &Dispatcher{
		pool:     pool,
		upstream: upstream,
		model:    model,
		testMsg:  opts.TestMessageReply,
		maxBody:  maxBody,
		logger:   opts.Logger,
		now:      time.Now,
		newID:    newCompletionID,
		abort:    func() { panic(http.ErrAbortHandler) },
	}
}

// Model returns the advertised model id.
func (d *Dispatcher) Model() string {
	return d.model
}

// ServeHTTP handles one chat-completion request.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	req, err := d.decode(w, r)
	if err != nil {
		apperrors.RespondWithEnvelope(w, r, apperrors.WrapInvalidInput(ctx, err, "invalid chat completion request"))
		return
	}

	if d.testMsg && isTestMessage(req) {
		d.log().Info("Answered frontend test message locally", zap.String("request_id", requestID))
		d.writeTestReply(w)
		return
	}

	state := newStreamState()

	cred, ok := d.selectCredential(r, requestID)
	if !ok {
		state.fail(ReasonNoCapacity)
		d.log().Warn("No cookie available, request rejected", zap.String("request_id", requestID))
		metrics.RecordCompletion(req.Stream, "failed")
		apperrors.RespondWithEnvelope(w, r, apperrors.NewCapacityExceededError(CapacityExceededMessage))
		return
	}

	d.log().Info("Using cookie",
		zap.String("cookie", cred.Name),
		zap.Bool("stream", req.Stream),
		zap.Int("messages", len(req.Messages)),
		zap.String("request_id", requestID))

	state.advance(PhaseAwaitingUpstream)
	body, err := d.upstream.Open(ctx, cred, upstreamMessages(req.Messages))
	if err != nil {
		d.finishWithError(w, r, state, req.Stream, cred, err)
		return
	}
	defer body.Close() // nolint:errcheck // best-effort cleanup

	state.advance(PhaseStreaming)

	var sink eventSink
	if req.Stream {
		sink = newSSESink(w, state, d.newID(), d.model, d.now().Unix())
	} else {
		sink = newJSONSink(w, state, d.newID(), d.model, d.now().Unix())
	}

	err = grok.NewTranslator(d.log()).Run(ctx, body, sink.handle)
	if err != nil {
		d.finishWithError(w, r, state, req.Stream, cred, err)
		return
	}

	metrics.RecordCompletion(req.Stream, "completed")
	d.log().Info("Completion finished",
		zap.String("cookie", cred.Name),
		zap.Int("tokens", state.Tokens()),
		zap.String("request_id", requestID))
}

func (d *Dispatcher) decode(w http.ResponseWriter, r *http.Request) (*ChatRequest, error) {
	body := http.MaxBytesReader(w, r.Body, d.maxBody)
	defer body.Close() // nolint:errcheck // best-effort cleanup

	var req ChatRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}
	return &req, nil
}

// selectCredential applies the selection policy: a bearer token naming a
// known cookie with quota is used directly, anything else falls back to a
// random cookie.
func (d *Dispatcher) selectCredential(r *http.Request, requestID string) (credential.Credential, bool) {
	hint := bearerHint(r.Header.Get("Authorization"))

	switch {
	case hint == "":
	case d.pool.Has(hint):
		if cred, ok := d.pool.AcquireNamed(hint); ok {
			return cred, true
		}
		d.log().Info("Requested cookie has no quota left, using a random cookie",
			zap.String("cookie", hint),
			zap.String("request_id", requestID))
	default:
		d.log().Info("Requested cookie does not exist, using a random cookie",
			zap.String("cookie", hint),
			zap.String("request_id", requestID))
	}

	return d.pool.AcquireAny()
}

// finishWithError finalizes a failed request. Nothing is written after a
// client abort; before the response started a single error envelope is sent;
// after that the connection is aborted so the client never sees [DONE].
func (d *Dispatcher) finishWithError(w http.ResponseWriter, r *http.Request, state *StreamState, stream bool, cred credential.Credential, err error) {
	requestID := middleware.GetRequestID(r.Context())

	if r.Context().Err() != nil || errors.Is(err, ErrClientWrite) {
		if finalized, _ := state.fail(ReasonClientAbort); finalized {
			metrics.RecordCompletion(stream, "client_abort")
			d.log().Info("Client disconnected, upstream request cancelled",
				zap.String("cookie", cred.Name),
				zap.Int("tokens", state.Tokens()),
				zap.String("request_id", requestID))
		}
		return
	}

	kind := grok.FailureKind(err)
	metrics.RecordUpstreamFailure(kind)
	if kind == "invalid_credential" {
		d.log().Warn("Cookie is invalid or expired",
			zap.String("cookie", cred.Name),
			zap.Error(err),
			zap.String("request_id", requestID))
	} else {
		d.log().Error("Upstream request failed",
			zap.String("cookie", cred.Name),
			zap.String("kind", kind),
			zap.Error(err),
			zap.String("request_id", requestID))
	}

	finalized, started := state.fail(ReasonUpstream)
	if !finalized {
		return
	}
	metrics.RecordCompletion(stream, "failed")

	if !started {
		apperrors.RespondWithEnvelope(w, r, apperrors.NewExternalServiceError(UpstreamFailureMessage))
		return
	}
	d.abort()
}

func (d *Dispatcher) log() *logging.Logger {
	if d.logger != nil {
		return d.logger
	}
	return observability.Logger()
}

func bearerHint(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
