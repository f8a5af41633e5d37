package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/asklive/session-server-go/internal/errors"
	"github.com/asklive/session-server-go/internal/model"
	"github.com/asklive/session-server-go/internal/treestore"
)

const testDeepLinkBase = "https://asklive.test"

var (
	speaker  = &model.Principal{UID: "speaker-1", Role: model.RoleSpeaker, Email: "speaker@example.com"}
	attendee = &model.Principal{UID: "attendee-1", Role: model.RoleAttendee, Email: "attendee@example.com"}
)

func newTestEngine() (*Engine, *treestore.MemoryStore) {
	store := treestore.NewMemory()
	return New(store, testDeepLinkBase), store
}

// trackingStore counts mutations so tests can assert that failed operations
// wrote nothing.
type trackingStore struct {
	treestore.Store
	writes int
}

func (s *trackingStore) Set(ctx context.Context, path string, value any) error {
	s.writes++
	return s.Store.Set(ctx, path, value)
}

func (s *trackingStore) Update(ctx context.Context, path string, fields map[string]any) error {
	s.writes++
	return s.Store.Update(ctx, path, fields)
}

func (s *trackingStore) Delete(ctx context.Context, path string) error {
	s.writes++
	return s.Store.Delete(ctx, path)
}

// unavailableStore fails every call, simulating a backing store outage.
type unavailableStore struct {
	treestore.Store
	err error
}

func (s *unavailableStore) Get(ctx context.Context, path string, dest any) error { return s.err }
func (s *unavailableStore) Set(ctx context.Context, path string, value any) error {
	return s.err
}
func (s *unavailableStore) QueryEqual(ctx context.Context, path, field, value string, limit int) ([]treestore.KeyedNode, error) {
	return nil, s.err
}

func mustCreateSession(t *testing.T, e *Engine, title string) *model.Session {
	t.Helper()
	session, err := e.CreateSession(context.Background(), speaker, model.CreateSessionParams{Title: title})
	require.NoError(t, err)
	return session
}

func TestCreateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects non-speakers", func(t *testing.T) {
		e, _ := newTestEngine()

		_, err := e.CreateSession(ctx, attendee, model.CreateSessionParams{Title: "Intro"})
		assert.Equal(t, apperrors.ErrCodeForbidden, apperrors.GetCode(err))
	})

	t.Run("requires a title", func(t *testing.T) {
		e, _ := newTestEngine()

		_, err := e.CreateSession(ctx, speaker, model.CreateSessionParams{Title: "   "})
		assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.GetCode(err))
	})

	t.Run("rejects overlong titles", func(t *testing.T) {
		e, _ := newTestEngine()

		_, err := e.CreateSession(ctx, speaker, model.CreateSessionParams{Title: strings.Repeat("x", maxTitleLen+1)})
		assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.GetCode(err))
	})

	t.Run("creates a complete record", func(t *testing.T) {
		e, store := newTestEngine()

		session, err := e.CreateSession(ctx, speaker, model.CreateSessionParams{
			Title:       "Intro",
			Description: "Opening keynote",
		})
		require.NoError(t, err)

		assert.NotEmpty(t, session.ID)
		assert.Equal(t, "Intro", session.Title)
		assert.Equal(t, "Opening keynote", session.Description)
		assert.Equal(t, speaker.UID, session.CreatedBy)
		assert.Positive(t, session.CreatedAt)
		assert.Regexp(t, `^[0-9A-F]{6}$`, session.SessionCode)
		assert.Equal(t, testDeepLinkBase+"/sessions/join/"+session.SessionCode, session.DeepLink)
		assert.Empty(t, session.Attendees)
		assert.Empty(t, session.Questions)

		var stored model.Session
		require.NoError(t, store.Get(ctx, "sessions/"+session.ID, &stored))
		assert.Equal(t, session.SessionCode, stored.SessionCode)
	})

	t.Run("codes never collide with existing sessions", func(t *testing.T) {
		e, _ := newTestEngine()

		seen := make(map[string]bool)
		for i := 0; i < 50; i++ {
			session := mustCreateSession(t, e, "Session")
			assert.False(t, seen[session.SessionCode], "code %s assigned twice", session.SessionCode)
			seen[session.SessionCode] = true
		}
	})

	t.Run("idempotency key deduplicates replayed creates", func(t *testing.T) {
		e, store := newTestEngine()
		params := model.CreateSessionParams{Title: "Intro", IdempotencyKey: "msg-42"}

		first, err := e.CreateSession(ctx, speaker, params)
		require.NoError(t, err)

		second, err := e.CreateSession(ctx, speaker, params)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, first.SessionCode, second.SessionCode)

		keys, err := store.Children(ctx, "sessions")
		require.NoError(t, err)
		assert.Len(t, keys, 1)
	})

	t.Run("store outage surfaces as unavailable", func(t *testing.T) {
		outage := &unavailableStore{err: errors.New("connection refused")}
		e := New(outage, testDeepLinkBase)

		_, err := e.CreateSession(ctx, speaker, model.CreateSessionParams{Title: "Intro"})
		assert.Equal(t, apperrors.ErrCodeUnavailable, apperrors.GetCode(err))
	})
}

func TestJoinSession(t *testing.T) {
	ctx := context.Background()

	t.Run("requires id or code", func(t *testing.T) {
		e, _ := newTestEngine()

		_, err := e.JoinSession(ctx, attendee.UID, model.JoinSessionParams{})
		assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.GetCode(err))
	})

	t.Run("unknown id is not found", func(t *testing.T) {
		e, _ := newTestEngine()

		_, err := e.JoinSession(ctx, attendee.UID, model.JoinSessionParams{SessionID: "nope"})
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})

	t.Run("unknown code is not found", func(t *testing.T) {
		e, _ := newTestEngine()

		_, err := e.JoinSession(ctx, attendee.UID, model.JoinSessionParams{SessionCode: "FFFFFF"})
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})

	t.Run("joins by id", func(t *testing.T) {
		e, store := newTestEngine()
		session := mustCreateSession(t, e, "Intro")

		got, err := e.JoinSession(ctx, attendee.UID, model.JoinSessionParams{SessionID: session.ID})
		require.NoError(t, err)
		assert.Equal(t, session.ID, got)

		var joined bool
		require.NoError(t, store.Get(ctx, "sessions/"+session.ID+"/attendees/"+attendee.UID, &joined))
		assert.True(t, joined)

		var indexed bool
		require.NoError(t, store.Get(ctx, "users/"+attendee.UID+"/sessions/"+session.ID, &indexed))
		assert.True(t, indexed)
	})

	t.Run("joins by code regardless of case", func(t *testing.T) {
		e, _ := newTestEngine()
		session := mustCreateSession(t, e, "Intro")

		got, err := e.JoinSession(ctx, attendee.UID, model.JoinSessionParams{
			SessionCode: strings.ToLower(session.SessionCode),
		})
		require.NoError(t, err)
		assert.Equal(t, session.ID, got)
	})

	t.Run("re-joining is a no-op", func(t *testing.T) {
		e, store := newTestEngine()
		session := mustCreateSession(t, e, "Intro")

		for i := 0; i < 2; i++ {
			_, err := e.JoinSession(ctx, attendee.UID, model.JoinSessionParams{SessionID: session.ID})
			require.NoError(t, err)
		}

		uids, err := store.Children(ctx, "sessions/"+session.ID+"/attendees")
		require.NoError(t, err)
		assert.Equal(t, []string{attendee.UID}, uids)
	})
}

func TestGetSession(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown session is not found", func(t *testing.T) {
		e, _ := newTestEngine()

		_, err := e.GetSession(ctx, "nope")
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})

	t.Run("returns record with roster and questions", func(t *testing.T) {
		e, _ := newTestEngine()
		session := mustCreateSession(t, e, "Intro")
		_, err := e.JoinSession(ctx, attendee.UID, model.JoinSessionParams{SessionID: session.ID})
		require.NoError(t, err)
		question, err := e.CreateQuestion(ctx, attendee.UID, model.CreateQuestionParams{
			SessionID: session.ID, Text: "What is X?",
		})
		require.NoError(t, err)

		got, err := e.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, session.ID, got.ID)
		assert.True(t, got.Attendees[attendee.UID])
		assert.Contains(t, got.Questions, question.ID)
	})

	t.Run("backfills legacy records missing code and deep link", func(t *testing.T) {
		e, store := newTestEngine()

		// record written before short codes existed
		require.NoError(t, store.Set(ctx, "sessions/legacy-1", map[string]any{
			"title":     "Old Talk",
			"createdAt": 1600000000000,
			"createdBy": speaker.UID,
		}))

		got, err := e.GetSession(ctx, "legacy-1")
		require.NoError(t, err)
		assert.Regexp(t, `^[0-9A-F]{6}$`, got.SessionCode)
		assert.Equal(t, testDeepLinkBase+"/sessions/join/"+got.SessionCode, got.DeepLink)

		// healing is persisted and stable across reads
		again, err := e.GetSession(ctx, "legacy-1")
		require.NoError(t, err)
		assert.Equal(t, got.SessionCode, again.SessionCode)
		assert.Equal(t, got.DeepLink, again.DeepLink)

		var stored model.Session
		require.NoError(t, store.Get(ctx, "sessions/legacy-1", &stored))
		assert.Equal(t, got.SessionCode, stored.SessionCode)
		assert.Equal(t, "Old Talk", stored.Title)
	})

	t.Run("backfills deep link when only code is present", func(t *testing.T) {
		e, store := newTestEngine()

		require.NoError(t, store.Set(ctx, "sessions/legacy-2", map[string]any{
			"title":       "Old Talk",
			"createdBy":   speaker.UID,
			"sessionCode": "ABC123",
		}))

		got, err := e.GetSession(ctx, "legacy-2")
		require.NoError(t, err)
		assert.Equal(t, "ABC123", got.SessionCode)
		assert.Equal(t, testDeepLinkBase+"/sessions/join/ABC123", got.DeepLink)
	})
}

func TestGetSessionAttendees(t *testing.T) {
	ctx := context.Background()

	t.Run("only the creator may view the roster", func(t *testing.T) {
		e, _ := newTestEngine()
		session := mustCreateSession(t, e, "Intro")

		_, err := e.GetSessionAttendees(ctx, session.ID, attendee.UID)
		assert.Equal(t, apperrors.ErrCodeForbidden, apperrors.GetCode(err))
	})

	t.Run("returns joined profiles", func(t *testing.T) {
		e, store := newTestEngine()
		session := mustCreateSession(t, e, "Intro")

		require.NoError(t, store.Set(ctx, "users/attendee-1", model.UserProfile{
			Role: model.RoleAttendee, Email: "attendee@example.com", Name: "Ana",
		}))
		require.NoError(t, store.Set(ctx, "users/attendee-2", model.UserProfile{
			Role: model.RoleAttendee, Email: "second@example.com",
		}))
		for _, uid := range []string{"attendee-1", "attendee-2"} {
			_, err := e.JoinSession(ctx, uid, model.JoinSessionParams{SessionID: session.ID})
			require.NoError(t, err)
		}

		profiles, err := e.GetSessionAttendees(ctx, session.ID, speaker.UID)
		require.NoError(t, err)

		got := make([]string, 0, len(profiles))
		for _, p := range profiles {
			got = append(got, p.UID)
		}
		assert.ElementsMatch(t, []string{"attendee-1", "attendee-2"}, got)
	})

	t.Run("attendee without profile record still appears", func(t *testing.T) {
		e, _ := newTestEngine()
		session := mustCreateSession(t, e, "Intro")
		_, err := e.JoinSession(ctx, "unprovisioned", model.JoinSessionParams{SessionID: session.ID})
		require.NoError(t, err)

		profiles, err := e.GetSessionAttendees(ctx, session.ID, speaker.UID)
		require.NoError(t, err)
		require.Len(t, profiles, 1)
		assert.Equal(t, "unprovisioned", profiles[0].UID)
		assert.Empty(t, profiles[0].Email)
	})
}

func TestCreateQuestion(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown session fails without writing", func(t *testing.T) {
		memory := treestore.NewMemory()
		tracking := &trackingStore{Store: memory}
		e := New(tracking, testDeepLinkBase)

		_, err := e.CreateQuestion(ctx, attendee.UID, model.CreateQuestionParams{
			SessionID: "nope", Text: "What is X?",
		})
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
		assert.Zero(t, tracking.writes)
	})

	t.Run("requires text", func(t *testing.T) {
		e, _ := newTestEngine()
		session := mustCreateSession(t, e, "Intro")

		_, err := e.CreateQuestion(ctx, attendee.UID, model.CreateQuestionParams{
			SessionID: session.ID, Text: "  ",
		})
		assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.GetCode(err))
	})

	t.Run("rejects text over the limit", func(t *testing.T) {
		e, _ := newTestEngine()
		session := mustCreateSession(t, e, "Intro")

		_, err := e.CreateQuestion(ctx, attendee.UID, model.CreateQuestionParams{
			SessionID: session.ID, Text: strings.Repeat("x", model.MaxQuestionTextLen+1),
		})
		assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.GetCode(err))
	})

	t.Run("creates a question with empty votes", func(t *testing.T) {
		e, _ := newTestEngine()
		session := mustCreateSession(t, e, "Intro")

		question, err := e.CreateQuestion(ctx, attendee.UID, model.CreateQuestionParams{
			SessionID: session.ID, Text: "What is X?",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, question.ID)
		assert.Equal(t, "What is X?", question.Text)
		assert.Equal(t, attendee.UID, question.CreatedBy)
		assert.Positive(t, question.CreatedAt)
		assert.Empty(t, question.Votes)
	})
}

func TestGetQuestions(t *testing.T) {
	ctx := context.Background()

	t.Run("empty list when none exist", func(t *testing.T) {
		e, _ := newTestEngine()
		session := mustCreateSession(t, e, "Intro")

		questions, err := e.GetQuestions(ctx, session.ID)
		require.NoError(t, err)
		assert.Empty(t, questions)
	})

	t.Run("returns all questions with their votes", func(t *testing.T) {
		e, _ := newTestEngine()
		session := mustCreateSession(t, e, "Intro")

		q1, err := e.CreateQuestion(ctx, attendee.UID, model.CreateQuestionParams{SessionID: session.ID, Text: "First?"})
		require.NoError(t, err)
		_, err = e.CreateQuestion(ctx, attendee.UID, model.CreateQuestionParams{SessionID: session.ID, Text: "Second?"})
		require.NoError(t, err)
		_, err = e.VoteQuestion(ctx, attendee.UID, session.ID, q1.ID)
		require.NoError(t, err)

		questions, err := e.GetQuestions(ctx, session.ID)
		require.NoError(t, err)
		require.Len(t, questions, 2)

		byID := make(map[string]model.Question, len(questions))
		for _, q := range questions {
			byID[q.ID] = q
		}
		assert.True(t, byID[q1.ID].Votes[attendee.UID])
	})
}

func TestVoteQuestion(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown question is not found", func(t *testing.T) {
		e, _ := newTestEngine()
		session := mustCreateSession(t, e, "Intro")

		_, err := e.VoteQuestion(ctx, attendee.UID, session.ID, "nope")
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})

	t.Run("single call casts the vote", func(t *testing.T) {
		e, store := newTestEngine()
		session := mustCreateSession(t, e, "Intro")
		question, err := e.CreateQuestion(ctx, attendee.UID, model.CreateQuestionParams{SessionID: session.ID, Text: "What is X?"})
		require.NoError(t, err)

		result, err := e.VoteQuestion(ctx, attendee.UID, session.ID, question.ID)
		require.NoError(t, err)
		assert.True(t, result.Voted)

		voters, err := store.Children(ctx, "sessions/"+session.ID+"/questions/"+question.ID+"/votes")
		require.NoError(t, err)
		assert.Equal(t, []string{attendee.UID}, voters)
	})

	t.Run("double call is a state round-trip", func(t *testing.T) {
		e, store := newTestEngine()
		session := mustCreateSession(t, e, "Intro")
		question, err := e.CreateQuestion(ctx, attendee.UID, model.CreateQuestionParams{SessionID: session.ID, Text: "What is X?"})
		require.NoError(t, err)

		first, err := e.VoteQuestion(ctx, attendee.UID, session.ID, question.ID)
		require.NoError(t, err)
		assert.True(t, first.Voted)

		second, err := e.VoteQuestion(ctx, attendee.UID, session.ID, question.ID)
		require.NoError(t, err)
		assert.False(t, second.Voted)

		voters, err := store.Children(ctx, "sessions/"+session.ID+"/questions/"+question.ID+"/votes")
		require.NoError(t, err)
		assert.Empty(t, voters)
	})

	t.Run("votes are per user", func(t *testing.T) {
		e, store := newTestEngine()
		session := mustCreateSession(t, e, "Intro")
		question, err := e.CreateQuestion(ctx, attendee.UID, model.CreateQuestionParams{SessionID: session.ID, Text: "What is X?"})
		require.NoError(t, err)

		_, err = e.VoteQuestion(ctx, "u1", session.ID, question.ID)
		require.NoError(t, err)
		_, err = e.VoteQuestion(ctx, "u2", session.ID, question.ID)
		require.NoError(t, err)
		_, err = e.VoteQuestion(ctx, "u1", session.ID, question.ID)
		require.NoError(t, err)

		voters, err := store.Children(ctx, "sessions/"+session.ID+"/questions/"+question.ID+"/votes")
		require.NoError(t, err)
		assert.Equal(t, []string{"u2"}, voters)
	})
}

// Full attendee flow: create, join by code, ask, vote, unvote.
func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()

	session, err := e.CreateSession(ctx, speaker, model.CreateSessionParams{Title: "Intro"})
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9A-F]{6}$`, session.SessionCode)

	joinedID, err := e.JoinSession(ctx, attendee.UID, model.JoinSessionParams{SessionCode: session.SessionCode})
	require.NoError(t, err)
	assert.Equal(t, session.ID, joinedID)

	got, err := e.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, got.Attendees[attendee.UID])

	question, err := e.CreateQuestion(ctx, attendee.UID, model.CreateQuestionParams{
		SessionID: session.ID, Text: "What is X?",
	})
	require.NoError(t, err)

	questions, err := e.GetQuestions(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, questions, 1)

	result, err := e.VoteQuestion(ctx, attendee.UID, session.ID, question.ID)
	require.NoError(t, err)
	assert.True(t, result.Voted)

	questions, err = e.GetQuestions(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, questions[0].Votes[attendee.UID])

	result, err = e.VoteQuestion(ctx, attendee.UID, session.ID, question.ID)
	require.NoError(t, err)
	assert.False(t, result.Voted)

	questions, err = e.GetQuestions(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, questions[0].Votes)
}
