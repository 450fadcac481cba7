package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alwitt/meetingcast/common"
	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
)

// DefaultTokenTTL is how long a token is accepted after issuance
const DefaultTokenTTL = time.Second * 300

// ErrAuthenticationFailed is the only error Verify reports to callers. The specific check
// which failed is never exposed to the client.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Identity is the tenant / user pair proven by a verified token
type Identity struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	IssuedAt time.Time
}

// TokenCodec issues and verifies signed, time-bounded WebSocket authentication tokens.
//
// Token format: base64(tenant_id ":" user_id ":" issued_at ":" signature), where
// signature = hex(HMAC-SHA256(secret, tenant_id "|" user_id "|" issued_at)) and
// issued_at is a unix timestamp in seconds.
type TokenCodec interface {
	// Issue creates a token for a tenant / user, issued now
	Issue(tenantID, userID string) (string, error)
	// Verify checks a token against the tenant ID the client claims. On any failure
	// ErrAuthenticationFailed is returned.
	Verify(token, tenantID string) (Identity, error)
}

// hmacTokenCodec implements TokenCodec
type hmacTokenCodec struct {
	common.Component
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock
}

// GetHMACTokenCodec define a new HMAC-SHA256 TokenCodec
func GetHMACTokenCodec(
	secret []byte, ttl time.Duration, clock clockwork.Clock,
) (TokenCodec, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token signing secret is empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("invalid token TTL %s", ttl)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logTags := log.Fields{"module": "auth", "component": "token-codec"}
	// Own a copy of the key
	key := make([]byte, len(secret))
	copy(key, secret)
	return &hmacTokenCodec{
		Component: common.Component{LogTags: logTags},
		secret:    key,
		ttl:       ttl,
		clock:     clock,
	}, nil
}

func (c *hmacTokenCodec) sign(tenantID, userID, issuedAt string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(tenantID + "|" + userID + "|" + issuedAt))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue creates a token for a tenant / user, issued now
func (c *hmacTokenCodec) Issue(tenantID, userID string) (string, error) {
	if tenantID == "" || userID == "" {
		return "", fmt.Errorf("tenant ID and user ID are required")
	}
	if strings.ContainsAny(tenantID, ":|") || strings.ContainsAny(userID, ":|") {
		return "", fmt.Errorf("tenant ID and user ID may not contain ':' or '|'")
	}
	issuedAt := strconv.FormatInt(c.clock.Now().Unix(), 10)
	raw := strings.Join(
		[]string{tenantID, userID, issuedAt, c.sign(tenantID, userID, issuedAt)}, ":",
	)
	return base64.StdEncoding.EncodeToString([]byte(raw)), nil
}

// Verify checks a token against the tenant ID the client claims
func (c *hmacTokenCodec) Verify(token, tenantID string) (Identity, error) {
	reject := func(reason string) (Identity, error) {
		log.WithFields(c.LogTags).WithField("tenant", tenantID).Debugf("Token rejected: %s", reason)
		return Identity{}, ErrAuthenticationFailed
	}

	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return reject("bad base64")
	}
	parts := strings.Split(string(decoded), ":")
	if len(parts) != 4 {
		return reject("wrong field count")
	}
	tokenTenant, tokenUser, issuedAtRaw, signature := parts[0], parts[1], parts[2], parts[3]
	if tokenTenant == "" || tokenUser == "" {
		return reject("empty identity field")
	}
	if tokenTenant != tenantID {
		return reject("tenant mismatch")
	}
	issuedAt, err := strconv.ParseInt(issuedAtRaw, 10, 64)
	if err != nil {
		return reject("bad issue timestamp")
	}
	age := c.clock.Now().Unix() - issuedAt
	if age < 0 {
		return reject("issued in the future")
	}
	if age > int64(c.ttl/time.Second) {
		return reject("expired")
	}
	expected := c.sign(tokenTenant, tokenUser, issuedAtRaw)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return reject("bad signature")
	}
	return Identity{
		TenantID: tokenTenant, UserID: tokenUser, IssuedAt: time.Unix(issuedAt, 0).UTC(),
	}, nil
}
