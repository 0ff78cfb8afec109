package topic

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// debugStatus is the JSON body served by AddDebugHandler.
type debugStatus struct {
	Topic   string `json:"topic"`
	LastID  int64  `json:"lastId"`
	State   string `json:"state"`
	Drained bool   `json:"drained"`
}

func (s consumerState) String() string {
	switch s {
	case consumerNew:
		return "New"
	case consumerStarting:
		return "Starting"
	case consumerStarted:
		return "Started"
	case consumerStreaming:
		return "Streaming"
	case consumerStopped:
		return "Stopped"
	case consumerCrashed:
		return "Crashed"
	default:
		return "Unknown"
	}
}

// AddDebugHandler registers a GET /debug/topic/<topicName> route on mux that
// reports the consumer's cursor and lifecycle state. It is an operator aid,
// not part of the engine's correctness surface.
func (c *Consumer) AddDebugHandler(mux chi.Router) {
	mux.Get("/debug/topic/"+c.topicName, func(w http.ResponseWriter, r *http.Request) {
		status := debugStatus{
			Topic:   c.topicName,
			LastID:  c.lastID.Load(),
			State:   consumerState(c.state.Load()).String(),
			Drained: c.drainedAnnounced.Load(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})
}
