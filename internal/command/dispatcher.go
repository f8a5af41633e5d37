// Package command binds the transport-neutral command surface to engine
// operations. Both transports build an Envelope and hand it to the
// Dispatcher, which runs the authorization pipeline and then the operation;
// neither transport reaches the engine directly.
package command

import (
	"context"
	"encoding/json"

	"github.com/asklive/session-server-go/internal/audit"
	"github.com/asklive/session-server-go/internal/auth"
	"github.com/asklive/session-server-go/internal/engine"
	apperrors "github.com/asklive/session-server-go/internal/errors"
	"github.com/asklive/session-server-go/internal/model"
)

type Name string

const (
	CreateSession       Name = "create-session"
	JoinSession         Name = "join-session"
	GetSession          Name = "get-session"
	GetSessionAttendees Name = "get-session-attendees"
	CreateQuestion      Name = "create-question"
	GetQuestions        Name = "get-questions"
	VoteQuestion        Name = "vote-question"
)

// Envelope is the normalized inbound request, identical for both transports.
type Envelope struct {
	Command    Name
	Credential string
	Payload    json.RawMessage
	Transport  string
}

type handlerFunc func(ctx context.Context, principal *model.Principal, payload json.RawMessage) (any, error)

type registration struct {
	roles   []model.Role
	handler handlerFunc
}

type Dispatcher struct {
	pipeline *auth.Pipeline
	commands map[Name]registration
}

type sessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

type votePayload struct {
	SessionID  string `json:"sessionId"`
	QuestionID string `json:"questionId"`
}

func NewDispatcher(pipeline *auth.Pipeline, eng *engine.Engine) *Dispatcher {
	d := &Dispatcher{
		pipeline: pipeline,
		commands: make(map[Name]registration),
	}

	anyParticipant := []model.Role{model.RoleSpeaker, model.RoleAttendee}

	d.register(CreateSession, []model.Role{model.RoleSpeaker},
		func(ctx context.Context, principal *model.Principal, payload json.RawMessage) (any, error) {
			params, err := decode[model.CreateSessionParams](payload)
			if err != nil {
				return nil, err
			}
			return eng.CreateSession(ctx, principal, params)
		})

	d.register(JoinSession, anyParticipant,
		func(ctx context.Context, principal *model.Principal, payload json.RawMessage) (any, error) {
			params, err := decode[model.JoinSessionParams](payload)
			if err != nil {
				return nil, err
			}
			sessionID, err := eng.JoinSession(ctx, principal.UID, params)
			if err != nil {
				return nil, err
			}
			return map[string]string{"sessionId": sessionID}, nil
		})

	d.register(GetSession, anyParticipant,
		func(ctx context.Context, principal *model.Principal, payload json.RawMessage) (any, error) {
			params, err := decode[sessionIDPayload](payload)
			if err != nil {
				return nil, err
			}
			return eng.GetSession(ctx, params.SessionID)
		})

	d.register(GetSessionAttendees, []model.Role{model.RoleSpeaker},
		func(ctx context.Context, principal *model.Principal, payload json.RawMessage) (any, error) {
			params, err := decode[sessionIDPayload](payload)
			if err != nil {
				return nil, err
			}
			return eng.GetSessionAttendees(ctx, params.SessionID, principal.UID)
		})

	d.register(CreateQuestion, anyParticipant,
		func(ctx context.Context, principal *model.Principal, payload json.RawMessage) (any, error) {
			params, err := decode[model.CreateQuestionParams](payload)
			if err != nil {
				return nil, err
			}
			return eng.CreateQuestion(ctx, principal.UID, params)
		})

	d.register(GetQuestions, anyParticipant,
		func(ctx context.Context, principal *model.Principal, payload json.RawMessage) (any, error) {
			params, err := decode[sessionIDPayload](payload)
			if err != nil {
				return nil, err
			}
			return eng.GetQuestions(ctx, params.SessionID)
		})

	d.register(VoteQuestion, anyParticipant,
		func(ctx context.Context, principal *model.Principal, payload json.RawMessage) (any, error) {
			params, err := decode[votePayload](payload)
			if err != nil {
				return nil, err
			}
			return eng.VoteQuestion(ctx, principal.UID, params.SessionID, params.QuestionID)
		})

	return d
}

func (d *Dispatcher) register(name Name, roles []model.Role, handler handlerFunc) {
	d.commands[name] = registration{roles: roles, handler: handler}
}

// RequiredRoles returns the declared role set for a command.
func (d *Dispatcher) RequiredRoles(name Name) ([]model.Role, bool) {
	reg, ok := d.commands[name]
	if !ok {
		return nil, false
	}
	return reg.roles, true
}

// Dispatch authenticates, authorizes, and runs one command. Authentication
// failures always surface before authorization failures.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) (any, error) {
	reg, ok := d.commands[env.Command]
	if !ok {
		return nil, apperrors.InvalidArgument("Unknown command: " + string(env.Command))
	}

	principal, err := d.pipeline.Authenticate(ctx, env.Credential)
	if err != nil {
		audit.Log(ctx, audit.Event{
			Type:      audit.EventAuthFailure,
			Transport: env.Transport,
			Details:   map[string]interface{}{"command": string(env.Command)},
		})
		return nil, err
	}

	if err := auth.Authorize(principal, reg.roles); err != nil {
		return nil, err
	}

	return reg.handler(ctx, principal, env.Payload)
}

func decode[T any](payload json.RawMessage) (T, error) {
	var params T
	if len(payload) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(payload, &params); err != nil {
		return params, apperrors.InvalidArgument("Malformed payload").WithCause(err)
	}
	return params, nil
}
