package model

// MaxQuestionTextLen bounds the text of a submitted question.
const MaxQuestionTextLen = 500

// Question is the record stored at sessions/{sessionId}/questions/{questionId}.
type Question struct {
	ID        string          `json:"id"`
	CreatedAt int64           `json:"createdAt"` // epoch millis
	CreatedBy string          `json:"createdBy"`
	Text      string          `json:"text"`
	Votes     map[string]bool `json:"votes,omitempty"`
}

type CreateQuestionParams struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// VoteResult reports the state of the caller's vote after a toggle.
type VoteResult struct {
	SessionID  string `json:"sessionId"`
	QuestionID string `json:"questionId"`
	Voted      bool   `json:"voted"`
}
