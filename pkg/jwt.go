package pkg

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type MyClaims struct {
	UserID string
	Name   string
	Email  string
	Role   string
	jwt.RegisteredClaims
}

// ParseTokenUnverified decodes the claims without checking the signature.
// The client never holds the server's signing secret; it only needs the
// identity and expiry baked into the stored token.
func ParseTokenUnverified(tokenStr string) (*MyClaims, error) {
	claims := new(MyClaims)
	_, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (c *MyClaims) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

func GenerateTokenMyClaims(claims *MyClaims, secret []byte) (string, error) {
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("cannot sign token: %w", err)
	}
	return signed, nil
}
