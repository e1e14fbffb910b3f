// Package tracking covers the inbound side of a campaign: signed opt-out
// tokens and the queue that carries provider delivery callbacks.
package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Claims is the content of a decoded opt-out token.
type Claims struct {
	Address  string
	IssuedAt time.Time
}

// TokenService issues and decodes stateless opt-out tokens of the form
// base64url(address|unix) "." hmac. Decoding needs no database.
type TokenService struct {
	key    []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewTokenService signs with signingKey. A zero maxAge means tokens never
// expire.
func NewTokenService(signingKey string, maxAge time.Duration) *TokenService {
	return &TokenService{key: []byte(signingKey), maxAge: maxAge, now: time.Now}
}

// Issue returns a token for address.
func (s *TokenService) Issue(address string) string {
	payload := strings.TrimSpace(address) + "|" + strconv.FormatInt(s.now().Unix(), 10)
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + s.sign(payload)
}

// Decode reports valid=false for anything it cannot parse, a bad signature,
// an empty address, or an expired token.
func (s *TokenService) Decode(token string) (Claims, bool) {
	encoded, sig, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || encoded == "" || sig == "" {
		return Claims{}, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, false
	}
	payload := string(raw)
	if !hmac.Equal([]byte(sig), []byte(s.sign(payload))) {
		return Claims{}, false
	}

	i := strings.LastIndex(payload, "|")
	if i <= 0 {
		return Claims{}, false
	}
	address := strings.TrimSpace(payload[:i])
	unix, err := strconv.ParseInt(payload[i+1:], 10, 64)
	if address == "" || err != nil {
		return Claims{}, false
	}
	claims := Claims{Address: address, IssuedAt: time.Unix(unix, 0).UTC()}
	if s.maxAge > 0 && s.now().Sub(claims.IssuedAt) > s.maxAge {
		return Claims{}, false
	}
	return claims, true
}

func (s *TokenService) sign(data string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}
