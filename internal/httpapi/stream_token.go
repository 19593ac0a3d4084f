package httpapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidStreamToken = errors.New("invalid stream token")

// StreamClaims are issued by the telephony layer so a media stream can be
// opened without putting session ids in the URL.
type StreamClaims struct {
	jwt.RegisteredClaims
	CallID         string `json:"call_id"`
	ConversationID string `json:"conversation_id"`
	VoiceID        string `json:"voice_id,omitempty"`
	Language       string `json:"language,omitempty"`
}

// IssueStreamToken signs claims with HS256. A zero ttl yields a token that
// does not expire.
func IssueStreamToken(secret string, claims StreamClaims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseStreamToken validates a stream token and returns its claims.
func ParseStreamToken(secret, tokenString string) (*StreamClaims, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: no secret configured", ErrInvalidStreamToken)
	}
	claims := &StreamClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStreamToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidStreamToken
	}
	return claims, nil
}
