package httpapi

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestStreamToken(t *testing.T) {
	token, err := IssueStreamToken("s3cret", StreamClaims{
		CallID:         "call-1",
		ConversationID: "conv-1",
		VoiceID:        "voiceX",
	}, time.Minute)
	if err != nil {
		t.Fatalf("IssueStreamToken: %v", err)
	}

	claims, err := ParseStreamToken("s3cret", token)
	if err != nil {
		t.Fatalf("ParseStreamToken: %v", err)
	}
	if claims.CallID != "call-1" || claims.ConversationID != "conv-1" || claims.VoiceID != "voiceX" {
		t.Errorf("claims = %+v", claims)
	}

	tests := []struct {
		name   string
		secret string
		token  string
	}{
		{"wrong secret", "other", token},
		{"no secret", "", token},
		{"garbage", "s3cret", "not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseStreamToken(tt.secret, tt.token); !errors.Is(err, ErrInvalidStreamToken) {
				t.Errorf("err = %v, want ErrInvalidStreamToken", err)
			}
		})
	}

	t.Run("expired", func(t *testing.T) {
		claims := StreamClaims{CallID: "c", ConversationID: "v"}
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		expired, err := IssueStreamToken("s3cret", claims, 0)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := ParseStreamToken("s3cret", expired); !errors.Is(err, ErrInvalidStreamToken) {
			t.Errorf("err = %v, want ErrInvalidStreamToken", err)
		}
	})
}
