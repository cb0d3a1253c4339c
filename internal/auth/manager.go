// Package auth issues and validates the signed session tokens that identify
// a requesting connection. The gateway consumes identities; it never
// performs interactive authentication itself.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Identity is the verified principal attached to a request.
type Identity struct {
	Email string
}

// Manager signs and validates session tokens with an HMAC secret.
type Manager struct {
	secret []byte
}

// NewManager creates a Manager with the provided secret.
func NewManager(secret string) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("auth: non-empty secret required")
	}
	return &Manager{secret: []byte(secret)}, nil
}

// IssueToken issues a signed session token for the email.
func (m *Manager) IssueToken(email string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(email) == "" {
		return "", errors.New("auth: email required")
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	expires := time.Now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s|%d", strings.ToLower(email), expires)
	sig := m.sign([]byte(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// ValidateToken validates a token and returns the embedded identity.
func (m *Manager) ValidateToken(token string) (Identity, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Identity{}, errors.New("auth: invalid token format")
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Identity{}, errors.New("auth: invalid token payload")
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Identity{}, errors.New("auth: invalid token signature")
	}
	if !hmac.Equal(sigBytes, m.sign(payloadBytes)) {
		return Identity{}, errors.New("auth: signature mismatch")
	}
	payload := string(payloadBytes)
	sep := strings.LastIndex(payload, "|")
	if sep == -1 {
		return Identity{}, errors.New("auth: invalid payload")
	}
	expiry, err := strconv.ParseInt(payload[sep+1:], 10, 64)
	if err != nil {
		return Identity{}, errors.New("auth: invalid expiry")
	}
	if time.Now().Unix() > expiry {
		return Identity{}, errors.New("auth: token expired")
	}
	return Identity{Email: payload[:sep]}, nil
}

func (m *Manager) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
