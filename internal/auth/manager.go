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

// Manager issues and verifies signed account API tokens. Tokens are
// self-contained: account id, expiry, HMAC signature.
type Manager struct {
	secret []byte
}

// NewManager creates a Manager with the provided secret.
func NewManager(secret string) *Manager {
	if secret == "" {
		panic("auth manager requires non-empty secret")
	}
	return &Manager{secret: []byte(secret)}
}

// IssueToken issues a signed token for the account.
func (m *Manager) IssueToken(accountID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(accountID) == "" {
		return "", errors.New("account id required")
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	expires := time.Now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s|%d", accountID, expires)
	sig := m.sign([]byte(payload))
	token := base64.RawURLEncoding.EncodeToString([]byte(payload + "|" + sig))
	return token, nil
}

// VerifyToken validates the token and returns the account id.
func (m *Manager) VerifyToken(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return "", errors.New("malformed token")
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return "", errors.New("malformed token")
	}
	accountID, expStr, sig := parts[0], parts[1], parts[2]
	payload := accountID + "|" + expStr
	if !hmac.Equal([]byte(m.sign([]byte(payload))), []byte(sig)) {
		return "", errors.New("invalid token signature")
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return "", errors.New("malformed token")
	}
	if time.Now().Unix() > exp {
		return "", errors.New("token expired")
	}
	return accountID, nil
}

func (m *Manager) sign(payload []byte) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
