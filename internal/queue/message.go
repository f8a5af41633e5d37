package queue

import (
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/asklive/session-server-go/internal/command"
	apperrors "github.com/asklive/session-server-go/internal/errors"
)

// Message is one command read from the stream. The broker's entry id doubles
// as the default idempotency key for create-session: redelivery replays the
// same entry id, so a replayed create resolves to the already-created session.
type Message struct {
	ID             string // stream entry id
	Command        command.Name
	Token          string
	Payload        json.RawMessage
	ReplyTo        string
	CorrelationID  string
	IdempotencyKey string
}

func parseMessage(msg redis.XMessage) (*Message, error) {
	m := &Message{ID: msg.ID}

	cmd, ok := stringValue(msg.Values, "cmd")
	if !ok || cmd == "" {
		return nil, fmt.Errorf("message %s has no cmd field", msg.ID)
	}
	m.Command = command.Name(cmd)

	m.Token, _ = stringValue(msg.Values, "token")
	m.ReplyTo, _ = stringValue(msg.Values, "reply_to")
	m.CorrelationID, _ = stringValue(msg.Values, "id")
	m.IdempotencyKey, _ = stringValue(msg.Values, "idempotency_key")

	if payload, ok := stringValue(msg.Values, "payload"); ok && payload != "" {
		if !json.Valid([]byte(payload)) {
			return nil, fmt.Errorf("message %s has malformed payload", msg.ID)
		}
		m.Payload = json.RawMessage(payload)
	}

	if m.Command == command.CreateSession {
		if err := m.ensureIdempotencyKey(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// ensureIdempotencyKey folds the message's idempotency key into the payload,
// defaulting to the stream entry id when the producer did not set one.
func (m *Message) ensureIdempotencyKey() error {
	params := map[string]any{}
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &params); err != nil {
			return fmt.Errorf("message %s has malformed payload: %w", m.ID, err)
		}
	}
	if existing, _ := params["idempotencyKey"].(string); existing != "" {
		m.IdempotencyKey = existing
		return nil
	}

	if m.IdempotencyKey == "" {
		m.IdempotencyKey = m.ID
	}
	params["idempotencyKey"] = m.IdempotencyKey

	payload, err := json.Marshal(params)
	if err != nil {
		return err
	}
	m.Payload = payload
	return nil
}

func stringValue(values map[string]interface{}, key string) (string, bool) {
	v, ok := values[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// buildReply shapes the response entry written to the reply stream. Business
// errors are replies too: the caller asked, the answer is "no".
func buildReply(correlationID string, result any, err error) map[string]interface{} {
	reply := map[string]interface{}{"id": correlationID}

	if err != nil {
		appErr, ok := apperrors.AsAppError(err)
		if !ok {
			appErr = apperrors.Internal("An unexpected error occurred")
		}
		reply["ok"] = "false"
		reply["error_code"] = string(appErr.Code)
		reply["error"] = appErr.Message
		return reply
	}

	data, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		reply["ok"] = "false"
		reply["error_code"] = string(apperrors.ErrCodeInternal)
		reply["error"] = "Failed to encode result"
		return reply
	}
	reply["ok"] = "true"
	reply["result"] = string(data)
	return reply
}

// shouldAck decides the acknowledgment policy: successful and terminal
// outcomes are acked; infrastructure failures are left pending for
// redelivery.
func shouldAck(err error) bool {
	return err == nil || apperrors.IsTerminal(err)
}
