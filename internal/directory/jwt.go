package directory

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier validates HS256-signed identity tokens. The subject claim
// carries the user id.
type JWTVerifier struct {
	secret []byte
}

var _ TokenVerifier = (*JWTVerifier)(nil)

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}

	uid, err := claims.GetSubject()
	if err != nil || uid == "" {
		return nil, errors.New("token has no subject")
	}

	email, _ := claims["email"].(string)
	return &Claims{UID: uid, Email: email}, nil
}
