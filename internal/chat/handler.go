package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/assort-health/intake-agent/internal/intake"
	"github.com/assort-health/intake-agent/internal/transcript"
	"github.com/assort-health/intake-agent/pkg/logging"
)

// Conversation advances an intake session by one turn.
type Conversation interface {
	HandleTurn(ctx context.Context, s *intake.State, userInput string) string
}

// TranscriptStore persists chat history across requests.
type TranscriptStore interface {
	Append(ctx context.Context, sessionID string, msg transcript.Message) error
	List(ctx context.Context, sessionID string, limit int64) ([]transcript.Message, error)
}

// session is one in-flight intake conversation. The mutex serializes turns so
// concurrent posts to the same session cannot interleave state updates.
type session struct {
	mu    sync.Mutex
	state *intake.State
}

// Handler exposes the intake conversation over HTTP.
type Handler struct {
	dispatcher Conversation
	transcript TranscriptStore
	logger     *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewHandler creates a chat handler.
func NewHandler(dispatcher Conversation, store TranscriptStore, logger *logging.Logger) *Handler {
	if dispatcher == nil {
		panic("chat: dispatcher required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		dispatcher: dispatcher,
		transcript: store,
		logger:     logger,
		sessions:   make(map[string]*session),
	}
}

func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(b)
}

// StartResponse is returned from /chat/start.
type StartResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// MessageRequest is the body of /chat/message.
type MessageRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// MessageResponse is returned from /chat/message.
type MessageResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Phase     string `json:"phase"`
	Done      bool   `json:"done"`
}

// HistoryMessage is one transcript entry in history responses.
type HistoryMessage struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// HandleStart opens a new session and returns the greeting.
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	sessionID := generateSessionID()

	sess := &session{state: intake.NewState()}
	greeting := intake.Greeting()
	sess.state.RecordAssistant(greeting)

	h.mu.Lock()
	h.sessions[sessionID] = sess
	h.mu.Unlock()

	h.appendTranscript(r.Context(), sessionID, "assistant", greeting, string(sess.state.Phase))
	h.logger.Info("chat: session started", "session_id", sessionID)

	writeJSON(w, http.StatusOK, StartResponse{SessionID: sessionID, Message: greeting})
}

// HandleMessage processes one patient turn.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || strings.TrimSpace(req.Text) == "" {
		http.Error(w, "session_id and text are required", http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	sess, ok := h.sessions[req.SessionID]
	h.mu.RUnlock()
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	h.appendTranscript(r.Context(), req.SessionID, "user", req.Text, string(sess.state.Phase))
	reply := h.dispatcher.HandleTurn(r.Context(), sess.state, req.Text)
	h.appendTranscript(r.Context(), req.SessionID, "assistant", reply, string(sess.state.Phase))

	done := sess.state.Done()
	if done {
		// Only committed records survive; the in-memory session is finished.
		h.mu.Lock()
		delete(h.sessions, req.SessionID)
		h.mu.Unlock()
		h.logger.Info("chat: session completed", "session_id", req.SessionID)
	}

	writeJSON(w, http.StatusOK, MessageResponse{
		SessionID: req.SessionID,
		Message:   reply,
		Phase:     string(sess.state.Phase),
		Done:      done,
	})
}

// HandleHistory returns the stored transcript for a session.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session parameter required", http.StatusBadRequest)
		return
	}

	history := []HistoryMessage{}
	if h.transcript != nil {
		msgs, err := h.transcript.List(r.Context(), sessionID, 100)
		if err != nil {
			h.logger.Error("chat: failed to load history", "error", err, "session_id", sessionID)
			http.Error(w, "failed to load history", http.StatusInternalServerError)
			return
		}
		for _, m := range msgs {
			history = append(history, HistoryMessage{
				Role:      m.Role,
				Text:      m.Body,
				Timestamp: m.Timestamp.Format(time.RFC3339),
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": history})
}

func (h *Handler) appendTranscript(ctx context.Context, sessionID, role, body, phase string) {
	if h.transcript == nil {
		return
	}
	err := h.transcript.Append(ctx, sessionID, transcript.Message{
		Role:      role,
		Body:      body,
		Phase:     phase,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("chat: failed to store transcript", "error", err, "session_id", sessionID)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
