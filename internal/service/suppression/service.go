package suppression

import (
	"context"
	"fmt"
	"strings"

	"github.com/ignite/audience-dispatch/internal/pkg/logger"
	"github.com/ignite/audience-dispatch/internal/tracking"
)

// UnsubscribedMessage is shown for every decodable token, whether or not
// any recipient matched.
const UnsubscribedMessage = "You have been unsubscribed and will no longer receive these messages."

// TokenDecoder decodes opt-out tokens.
type TokenDecoder interface {
	Decode(token string) (tracking.Claims, bool)
}

// Service implements opt-out business logic. It is safe for concurrent use.
type Service struct {
	repo   Repository
	tokens TokenDecoder
}

// NewService creates a suppression service.
func NewService(repo Repository, tokens TokenDecoder) *Service {
	return &Service{repo: repo, tokens: tokens}
}

// Unsubscribe opts out the address named by token. The returned message
// does not reveal whether the address was known.
func (s *Service) Unsubscribe(ctx context.Context, token string) (string, error) {
	claims, ok := s.tokens.Decode(token)
	if !ok {
		return "", ErrInvalidToken
	}

	var (
		n   int64
		err error
	)
	if strings.Contains(claims.Address, "@") {
		n, err = s.repo.OptOutEmail(ctx, strings.ToLower(claims.Address))
	} else {
		phone := NormalizePhone(claims.Address)
		if phone == "" {
			return UnsubscribedMessage, nil
		}
		n, err = s.repo.OptOutPhones(ctx, []string{phone})
	}
	if err != nil {
		return "", fmt.Errorf("unsubscribe: %w", err)
	}
	logger.Info("recipient unsubscribed", "address", claims.Address, "matched", n)
	return UnsubscribedMessage, nil
}

// OptOutPhones suppresses SMS for each number in phones and returns the
// number of recipients changed.
func (s *Service) OptOutPhones(ctx context.Context, phones []string) (int, error) {
	seen := make(map[string]bool, len(phones))
	var clean []string
	for _, p := range phones {
		n := NormalizePhone(p)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		clean = append(clean, n)
	}
	if len(clean) == 0 {
		return 0, ErrNoPhones
	}
	n, err := s.repo.OptOutPhones(ctx, clean)
	if err != nil {
		return 0, fmt.Errorf("opt out phones: %w", err)
	}
	logger.Info("manual sms opt-out", "requested", len(clean), "updated", n)
	return int(n), nil
}

// NormalizePhone keeps digits and a leading plus. It returns "" when no
// digits remain.
func NormalizePhone(p string) string {
	p = strings.TrimSpace(p)
	var b strings.Builder
	for i, r := range p {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if strings.TrimPrefix(out, "+") == "" {
		return ""
	}
	return out
}
