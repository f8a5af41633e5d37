package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/rs/zerolog/log"

	apperrors "github.com/asklive/session-server-go/internal/errors"
)

const sessionCodeBytes = 3 // 6 uppercase hex chars

// generateSessionCode returns a random 6-character uppercase hex code,
// e.g. "A3F2B4".
func generateSessionCode() (string, error) {
	buf := make([]byte, sessionCodeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}

// uniqueSessionCode generates codes until one is not in use by any session.
// The check-then-write span is not atomic: two concurrent creates can both
// see a candidate as free and assign the same code. Over a 24-bit space at
// expected session counts the window is negligible and accepted.
func (e *Engine) uniqueSessionCode(ctx context.Context) (string, error) {
	for {
		code, err := generateSessionCode()
		if err != nil {
			return "", apperrors.Internal("Code generation failed").WithCause(err)
		}

		matches, err := e.store.QueryEqual(ctx, sessionsRoot, "sessionCode", code, 1)
		if err != nil {
			return "", apperrors.Unavailable(err)
		}
		if len(matches) == 0 {
			return code, nil
		}
		log.Debug().Str("code", code).Msg("session code collision, retrying")
	}
}
