package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/grokgate/grokgate/internal/metrics"
	"github.com/grokgate/grokgate/internal/observability"
)

const internalErrorMessage = "internal server error"

// ErrorResponse is the JSON error body shared by every endpoint.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// committedWriter remembers whether the response has started.
type committedWriter struct {
	http.ResponseWriter
	committed bool
}

func (cw *committedWriter) WriteHeader(code int) {
	cw.committed = true
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *committedWriter) Write(b []byte) (int, error) {
	cw.committed = true
	return cw.ResponseWriter.Write(b)
}

func (cw *committedWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		cw.committed = true
		f.Flush()
	}
}

func (cw *committedWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}

// Recovery turns handler panics into a 500 envelope. http.ErrAbortHandler is
// re-raised so net/http drops the connection. A panic after the response
// started also aborts, since a JSON body cannot follow a partial stream.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cw := &committedWriter{ResponseWriter: w}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			metrics.RecordPanic()
			requestID := GetRequestID(r.Context())
			// panic value and stack stay in the log
			observability.Logger().Error("Handler panic",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.Bool("response_started", cw.committed),
				zap.String("request_id", requestID),
				zap.String("stack_trace", string(debug.Stack())))

			if cw.committed {
				panic(http.ErrAbortHandler)
			}

			envelope := errors.NewErrorEnvelope("INTERNAL_ERROR", internalErrorMessage).
				WithCorrelationID(requestID)
			envelope, _ = envelope.WithSeverity(errors.SeverityCritical)
			writeErrorResponse(w, envelope, http.StatusInternalServerError)
		}()

		next.ServeHTTP(cw, r)
	})
}

// writeErrorResponse is used instead of internal/errors, which imports this
// package.
func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, statusCode int) {
	response := ErrorResponse{
		Error: ErrorDetail{
			Code:      envelope.Code,
			Message:   envelope.Message,
			Details:   envelope.Context,
			RequestID: envelope.CorrelationID,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}
