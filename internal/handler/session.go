package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/asklive/session-server-go/internal/auth"
	"github.com/asklive/session-server-go/internal/command"
	apperrors "github.com/asklive/session-server-go/internal/errors"
	"github.com/asklive/session-server-go/internal/httputil"
)

// SessionHandler adapts HTTP requests into command envelopes. All
// authentication and role checks happen in the dispatcher, so these handlers
// only shape payloads and map results.
type SessionHandler struct {
	dispatcher *command.Dispatcher
}

func NewSessionHandler(dispatcher *command.Dispatcher) *SessionHandler {
	return &SessionHandler{dispatcher: dispatcher}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateSession)
	r.Post("/join", h.JoinSession)
	r.Get("/{sessionID}", h.GetSession)
	r.Get("/{sessionID}/attendees", h.GetSessionAttendees)
	r.Post("/{sessionID}/questions", h.CreateQuestion)
	r.Get("/{sessionID}/questions", h.GetQuestions)
	r.Post("/{sessionID}/questions/{questionID}/votes", h.VoteQuestion)

	return r
}

func (h *SessionHandler) dispatch(w http.ResponseWriter, r *http.Request, cmd command.Name, payload json.RawMessage) {
	result, err := h.dispatcher.Dispatch(r.Context(), command.Envelope{
		Command:    cmd,
		Credential: auth.BearerToken(r.Header.Get("Authorization")),
		Payload:    payload,
		Transport:  "http",
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func readBody(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, apperrors.InvalidArgument("Unreadable request body")
	}
	return body, nil
}

// POST /v1/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.dispatch(w, r, command.CreateSession, payload)
}

// POST /v1/sessions/join
func (h *SessionHandler) JoinSession(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.dispatch(w, r, command.JoinSession, payload)
}

// GET /v1/sessions/{sessionID}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, command.GetSession, sessionPayload(r))
}

// GET /v1/sessions/{sessionID}/attendees
func (h *SessionHandler) GetSessionAttendees(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, command.GetSessionAttendees, sessionPayload(r))
}

// POST /v1/sessions/{sessionID}/questions
func (h *SessionHandler) CreateQuestion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, apperrors.InvalidArgument("Malformed request body"))
		return
	}

	payload, _ := json.Marshal(map[string]string{
		"sessionId": chi.URLParam(r, "sessionID"),
		"text":      body.Text,
	})
	h.dispatch(w, r, command.CreateQuestion, payload)
}

// GET /v1/sessions/{sessionID}/questions
func (h *SessionHandler) GetQuestions(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, command.GetQuestions, sessionPayload(r))
}

// POST /v1/sessions/{sessionID}/questions/{questionID}/votes
func (h *SessionHandler) VoteQuestion(w http.ResponseWriter, r *http.Request) {
	payload, _ := json.Marshal(map[string]string{
		"sessionId":  chi.URLParam(r, "sessionID"),
		"questionId": chi.URLParam(r, "questionID"),
	})
	h.dispatch(w, r, command.VoteQuestion, payload)
}

func sessionPayload(r *http.Request) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{
		"sessionId": chi.URLParam(r, "sessionID"),
	})
	return payload
}
