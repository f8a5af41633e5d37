// Package engine owns every domain mutation: sessions, questions, and votes.
// All state lives in the tree store; the engine holds no mutable state of its
// own, so any number of requests may run through it concurrently. Set
// membership (attendees, votes) is written as one key per user, which keeps
// concurrent operations on different users conflict-free without locks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/asklive/session-server-go/internal/audit"
	apperrors "github.com/asklive/session-server-go/internal/errors"
	"github.com/asklive/session-server-go/internal/model"
	"github.com/asklive/session-server-go/internal/treestore"
)

const (
	sessionsRoot    = "sessions"
	usersRoot       = "users"
	idempotencyRoot = "idempotency"

	maxTitleLen = 100
)

type Engine struct {
	store        treestore.Store
	deepLinkBase string

	now   func() time.Time
	newID func() string
}

func New(store treestore.Store, deepLinkBase string) *Engine {
	return &Engine{
		store:        store,
		deepLinkBase: strings.TrimRight(deepLinkBase, "/"),
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

func sessionPath(sessionID string) string {
	return treestore.Join(sessionsRoot, sessionID)
}

func attendeesPath(sessionID string) string {
	return treestore.Join(sessionsRoot, sessionID, "attendees")
}

func questionsPath(sessionID string) string {
	return treestore.Join(sessionsRoot, sessionID, "questions")
}

func votePath(sessionID, questionID, uid string) string {
	return treestore.Join(sessionsRoot, sessionID, "questions", questionID, "votes", uid)
}

func (e *Engine) deepLink(code string) string {
	return fmt.Sprintf("%s/sessions/join/%s", e.deepLinkBase, code)
}

// CreateSession allocates a session with a collision-free short code and a
// deep link derived from it. Only speakers may create sessions; the role is
// checked here as well as in the command role table. When an idempotency key
// is supplied (queue transport), a replayed create returns the session
// recorded for that key instead of creating a second one.
func (e *Engine) CreateSession(ctx context.Context, principal *model.Principal, params model.CreateSessionParams) (*model.Session, error) {
	if principal.Role != model.RoleSpeaker {
		return nil, apperrors.Forbidden("Only speakers can create sessions")
	}

	title := strings.TrimSpace(params.Title)
	if title == "" {
		return nil, apperrors.InvalidArgument("Title is required")
	}
	if len(title) > maxTitleLen {
		return nil, apperrors.InvalidArgument("Title is too long")
	}

	if params.IdempotencyKey != "" {
		var existingID string
		err := e.store.Get(ctx, treestore.Join(idempotencyRoot, params.IdempotencyKey), &existingID)
		if err == nil {
			log.Info().Str("sessionId", existingID).Str("idempotencyKey", params.IdempotencyKey).
				Msg("create-session replay, returning existing session")
			return e.GetSession(ctx, existingID)
		}
		if !errors.Is(err, treestore.ErrNotFound) {
			return nil, apperrors.Unavailable(err)
		}
	}

	code, err := e.uniqueSessionCode(ctx)
	if err != nil {
		return nil, err
	}

	session := &model.Session{
		ID:          e.newID(),
		Title:       title,
		Description: strings.TrimSpace(params.Description),
		CreatedAt:   e.now().UnixMilli(),
		CreatedBy:   principal.UID,
		SessionCode: code,
		DeepLink:    e.deepLink(code),
	}

	if err := e.store.Set(ctx, sessionPath(session.ID), session); err != nil {
		return nil, apperrors.Unavailable(err)
	}

	if params.IdempotencyKey != "" {
		// Recorded after the session write: a crash in between causes one
		// duplicate on redelivery, never a dangling key for a session that
		// was never written.
		if err := e.store.Set(ctx, treestore.Join(idempotencyRoot, params.IdempotencyKey), session.ID); err != nil {
			return nil, apperrors.Unavailable(err)
		}
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionCreate,
		UserID:    principal.UID,
		SessionID: session.ID,
		Details:   map[string]interface{}{"sessionCode": code},
	})

	return session, nil
}

// JoinSession resolves a session by id or short code and records the caller
// as an attendee. Re-joining is a no-op, not an error: the membership write
// is a point write keyed by user id.
func (e *Engine) JoinSession(ctx context.Context, uid string, params model.JoinSessionParams) (string, error) {
	sessionID, err := e.resolveSessionID(ctx, params)
	if err != nil {
		return "", err
	}

	if err := e.store.Set(ctx, treestore.Join(attendeesPath(sessionID), uid), true); err != nil {
		return "", apperrors.Unavailable(err)
	}
	// Back-reference for "sessions I've joined". Not atomic with the write
	// above; the roster on the session is authoritative.
	if err := e.store.Set(ctx, treestore.Join(usersRoot, uid, "sessions", sessionID), true); err != nil {
		return "", apperrors.Unavailable(err)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionJoin,
		UserID:    uid,
		SessionID: sessionID,
	})

	return sessionID, nil
}

func (e *Engine) resolveSessionID(ctx context.Context, params model.JoinSessionParams) (string, error) {
	switch {
	case params.SessionID != "":
		var session model.Session
		err := e.store.Get(ctx, sessionPath(params.SessionID), &session)
		if errors.Is(err, treestore.ErrNotFound) {
			return "", apperrors.NotFound("Session")
		}
		if err != nil {
			return "", apperrors.Unavailable(err)
		}
		return params.SessionID, nil

	case params.SessionCode != "":
		code := strings.ToUpper(strings.TrimSpace(params.SessionCode))
		matches, err := e.store.QueryEqual(ctx, sessionsRoot, "sessionCode", code, 1)
		if err != nil {
			return "", apperrors.Unavailable(err)
		}
		if len(matches) == 0 {
			return "", apperrors.NotFound("Session")
		}
		return matches[0].Key, nil

	default:
		return "", apperrors.InvalidArgument("Session id or session code is required")
	}
}

// GetSession returns the full session record, including the attendee set and
// questions subtree. Records written before short codes existed are healed in
// place: a missing sessionCode or deepLink is generated, persisted, and then
// returned. Repeated reads converge on the same stable record.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	var session model.Session
	err := e.store.Get(ctx, sessionPath(sessionID), &session)
	if errors.Is(err, treestore.ErrNotFound) {
		return nil, apperrors.NotFound("Session")
	}
	if err != nil {
		return nil, apperrors.Unavailable(err)
	}
	session.ID = sessionID

	if session.SessionCode == "" || session.DeepLink == "" {
		if err := e.backfillCode(ctx, &session); err != nil {
			return nil, err
		}
	}

	attendees, err := e.store.Children(ctx, attendeesPath(sessionID))
	if err != nil {
		return nil, apperrors.Unavailable(err)
	}
	if len(attendees) > 0 {
		session.Attendees = make(map[string]bool, len(attendees))
		for _, uid := range attendees {
			session.Attendees[uid] = true
		}
	}

	questions, err := e.GetQuestions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(questions) > 0 {
		session.Questions = make(map[string]model.Question, len(questions))
		for _, q := range questions {
			session.Questions[q.ID] = q
		}
	}

	return &session, nil
}

func (e *Engine) backfillCode(ctx context.Context, session *model.Session) error {
	if session.SessionCode == "" {
		code, err := e.uniqueSessionCode(ctx)
		if err != nil {
			return err
		}
		session.SessionCode = code
	}
	session.DeepLink = e.deepLink(session.SessionCode)

	err := e.store.Update(ctx, sessionPath(session.ID), map[string]any{
		"sessionCode": session.SessionCode,
		"deepLink":    session.DeepLink,
	})
	if err != nil {
		return apperrors.Unavailable(err)
	}

	log.Info().Str("sessionId", session.ID).Str("sessionCode", session.SessionCode).
		Msg("backfilled legacy session record")
	return nil
}

// GetSessionAttendees returns the profiles of everyone who joined. Only the
// session creator may see the roster. Order is the store's iteration order
// and carries no meaning.
func (e *Engine) GetSessionAttendees(ctx context.Context, sessionID, requesterUID string) ([]model.UserProfile, error) {
	session, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.CreatedBy != requesterUID {
		return nil, apperrors.Forbidden("Only the session creator can view attendees")
	}

	uids, err := e.store.Children(ctx, attendeesPath(sessionID))
	if err != nil {
		return nil, apperrors.Unavailable(err)
	}

	profiles := make([]model.UserProfile, 0, len(uids))
	for _, uid := range uids {
		var profile model.UserProfile
		err := e.store.Get(ctx, treestore.Join(usersRoot, uid), &profile)
		if err != nil && !errors.Is(err, treestore.ErrNotFound) {
			return nil, apperrors.Unavailable(err)
		}
		profile.UID = uid
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

// CreateQuestion posts a question to a session. Any authenticated principal
// may post; attendance is not re-verified. The session existence check
// happens before any write.
func (e *Engine) CreateQuestion(ctx context.Context, uid string, params model.CreateQuestionParams) (*model.Question, error) {
	if params.SessionID == "" {
		return nil, apperrors.InvalidArgument("Session id is required")
	}
	text := strings.TrimSpace(params.Text)
	if text == "" {
		return nil, apperrors.InvalidArgument("Question text is required")
	}
	if len(text) > model.MaxQuestionTextLen {
		return nil, apperrors.InvalidArgument("Question text is too long")
	}

	var session model.Session
	err := e.store.Get(ctx, sessionPath(params.SessionID), &session)
	if errors.Is(err, treestore.ErrNotFound) {
		return nil, apperrors.NotFound("Session")
	}
	if err != nil {
		return nil, apperrors.Unavailable(err)
	}

	question := &model.Question{
		ID:        e.newID(),
		CreatedAt: e.now().UnixMilli(),
		CreatedBy: uid,
		Text:      text,
	}

	if err := e.store.Set(ctx, treestore.Join(questionsPath(params.SessionID), question.ID), question); err != nil {
		return nil, apperrors.Unavailable(err)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventQuestionCreate,
		UserID:    uid,
		SessionID: params.SessionID,
		Details:   map[string]interface{}{"questionId": question.ID},
	})

	return question, nil
}

// GetQuestions returns the session's questions as an unordered list. A
// session with no questions, or no session at all, yields an empty list.
func (e *Engine) GetQuestions(ctx context.Context, sessionID string) ([]model.Question, error) {
	keys, err := e.store.Children(ctx, questionsPath(sessionID))
	if err != nil {
		return nil, apperrors.Unavailable(err)
	}

	questions := make([]model.Question, 0, len(keys))
	for _, key := range keys {
		var question model.Question
		err := e.store.Get(ctx, treestore.Join(questionsPath(sessionID), key), &question)
		if errors.Is(err, treestore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, apperrors.Unavailable(err)
		}
		votes, err := e.store.Children(ctx, treestore.Join(questionsPath(sessionID), key, "votes"))
		if err != nil {
			return nil, apperrors.Unavailable(err)
		}
		if len(votes) > 0 {
			question.Votes = make(map[string]bool, len(votes))
			for _, uid := range votes {
				question.Votes[uid] = true
			}
		}
		questions = append(questions, question)
	}
	return questions, nil
}

// VoteQuestion toggles the caller's vote: present → retracted, absent →
// cast. Calling twice restores the original state; this is a state
// round-trip, not an idempotent operation.
func (e *Engine) VoteQuestion(ctx context.Context, uid, sessionID, questionID string) (*model.VoteResult, error) {
	if sessionID == "" || questionID == "" {
		return nil, apperrors.InvalidArgument("Session id and question id are required")
	}

	var question model.Question
	err := e.store.Get(ctx, treestore.Join(questionsPath(sessionID), questionID), &question)
	if errors.Is(err, treestore.ErrNotFound) {
		return nil, apperrors.NotFound("Question")
	}
	if err != nil {
		return nil, apperrors.Unavailable(err)
	}

	path := votePath(sessionID, questionID, uid)
	var existing bool
	err = e.store.Get(ctx, path, &existing)

	var voted bool
	switch {
	case err == nil:
		if err := e.store.Delete(ctx, path); err != nil {
			return nil, apperrors.Unavailable(err)
		}
		voted = false
	case errors.Is(err, treestore.ErrNotFound):
		if err := e.store.Set(ctx, path, true); err != nil {
			return nil, apperrors.Unavailable(err)
		}
		voted = true
	default:
		return nil, apperrors.Unavailable(err)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventVoteToggle,
		UserID:    uid,
		SessionID: sessionID,
		Details:   map[string]interface{}{"questionId": questionID, "voted": voted},
	})

	return &model.VoteResult{SessionID: sessionID, QuestionID: questionID, Voted: voted}, nil
}
