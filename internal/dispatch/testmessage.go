package dispatch

import (
	"encoding/json"
	"net/http"
)

// TestMessageReply is returned for the connection probe some chat frontends
// send before real traffic.
const TestMessageReply = "This is a test message sent from reverse proxy (not from the AI!)"

// isTestMessage matches a non-streaming request whose first turn is the
// frontend probe "Hi" from the user.
func isTestMessage(req *ChatRequest) bool {
	if req == nil || req.Stream || len(req.Messages) == 0 {
		return false
	}
	first := req.Messages[0]
	return first.Role == "user" && string(first.Content) == "Hi"
}

func (d *Dispatcher) writeTestReply(w http.ResponseWriter) {
	data, _ := json.Marshal(newCompletion(d.newID(), d.model, d.now().Unix(), TestMessageReply))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
