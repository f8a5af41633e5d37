package model

// Session is the record stored at sessions/{sessionId}. Attendees and
// question votes are keyed sets: membership writes land on their own path so
// concurrent joins and votes for different users never touch the same key.
type Session struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	CreatedAt   int64               `json:"createdAt"` // epoch millis
	CreatedBy   string              `json:"createdBy"`
	SessionCode string              `json:"sessionCode"`
	DeepLink    string              `json:"deepLink"`
	Attendees   map[string]bool     `json:"attendees,omitempty"`
	Questions   map[string]Question `json:"questions,omitempty"`
}

type CreateSessionParams struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	// IdempotencyKey makes create-session safe under at-least-once queue
	// delivery: a redelivered message with the same key returns the session
	// created the first time instead of creating a second one.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type JoinSessionParams struct {
	SessionID   string `json:"sessionId,omitempty"`
	SessionCode string `json:"sessionCode,omitempty"`
}
