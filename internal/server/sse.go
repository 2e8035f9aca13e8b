package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/amon-ai/amon/internal/event"
)

const (
	// SSEHeartbeatInterval is the interval for SSE heartbeats.
	SSEHeartbeatInterval = 30 * time.Second
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// writeRaw writes an already encoded payload as one SSE event.
func (s *sseWriter) writeRaw(eventType string, payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return err
	}
	s.flush()
	return nil
}

// writeEvent writes an SSE event.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.writeRaw(eventType, jsonData)
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flush()
}

func (s *sseWriter) flush() {
	// ResponseController sees through middleware wrappers
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
}

// allEvents handles GET /event. An optional sessionID query parameter
// restricts the stream to one session.
func (srv *Server) allEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionID")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	messages, err := srv.bus.Stream(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	sse.flush()

	if err := sse.writeEvent("message", event.Envelope{
		Type:       "server.connected",
		Properties: json.RawMessage("{}"),
	}); err != nil {
		return
	}

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			msg.Ack()
			if !belongsToSession(msg, sessionID) {
				continue
			}
			if err := sse.writeRaw("message", msg.Payload); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}

// sessionRef is the union of the places an event payload names its session.
type sessionRef struct {
	SessionID string `json:"sessionId"`
	Info      *struct {
		ID string `json:"id"`
	} `json:"info"`
	Request *struct {
		SessionID string `json:"sessionId"`
	} `json:"request"`
}

// belongsToSession reports whether a bus message concerns sessionID. An
// empty sessionID matches everything; events naming no session, like
// settings changes, always match.
func belongsToSession(msg *message.Message, sessionID string) bool {
	if sessionID == "" {
		return true
	}
	env, err := event.DecodeEnvelope(msg)
	if err != nil {
		return false
	}
	var ref sessionRef
	if err := json.Unmarshal(env.Properties, &ref); err != nil {
		return false
	}
	switch {
	case ref.SessionID != "":
		return ref.SessionID == sessionID
	case ref.Info != nil:
		return ref.Info.ID == sessionID
	case ref.Request != nil:
		return ref.Request.SessionID == sessionID
	}
	return true
}
