package suppression_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ignite/audience-dispatch/internal/service/suppression"
	"github.com/ignite/audience-dispatch/internal/tracking"
)

// memRepo is an in-memory opt-out store keyed by address.
type memRepo struct {
	mu     sync.Mutex
	emails map[string]bool
	phones map[string]bool
	calls  []string
}

func newMemRepo() *memRepo {
	return &memRepo{emails: map[string]bool{}, phones: map[string]bool{}}
}

func (m *memRepo) OptOutEmail(_ context.Context, email string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "email:"+email)
	var n int64
	for addr, out := range m.emails {
		if strings.EqualFold(addr, email) && !out {
			m.emails[addr] = true
			n++
		}
	}
	return n, nil
}

func (m *memRepo) OptOutPhones(_ context.Context, phones []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "phones:"+strings.Join(phones, ","))
	var n int64
	for _, p := range phones {
		if out, ok := m.phones[p]; ok && !out {
			m.phones[p] = true
			n++
		}
	}
	return n, nil
}

func TestUnsubscribeEmail(t *testing.T) {
	repo := newMemRepo()
	repo.emails["Ann@Example.com"] = false
	tokens := tracking.NewTokenService("secret", 0)
	svc := suppression.NewService(repo, tokens)

	msg, err := svc.Unsubscribe(context.Background(), tokens.Issue("ann@example.COM"))
	if err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if msg != suppression.UnsubscribedMessage {
		t.Errorf("msg = %q", msg)
	}
	if !repo.emails["Ann@Example.com"] {
		t.Error("email opt-out flag not set")
	}
}

func TestUnsubscribeUnknownAddressStillSucceeds(t *testing.T) {
	repo := newMemRepo()
	tokens := tracking.NewTokenService("secret", 0)
	svc := suppression.NewService(repo, tokens)

	msg, err := svc.Unsubscribe(context.Background(), tokens.Issue("nobody@example.com"))
	if err != nil || msg != suppression.UnsubscribedMessage {
		t.Errorf("msg=%q err=%v", msg, err)
	}
}

func TestUnsubscribePhone(t *testing.T) {
	repo := newMemRepo()
	repo.phones["+15551234567"] = false
	tokens := tracking.NewTokenService("secret", 0)
	svc := suppression.NewService(repo, tokens)

	if _, err := svc.Unsubscribe(context.Background(), tokens.Issue("+1 (555) 123-4567")); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if !repo.phones["+15551234567"] {
		t.Error("sms opt-out flag not set")
	}
}

func TestUnsubscribeInvalidToken(t *testing.T) {
	repo := newMemRepo()
	svc := suppression.NewService(repo, tracking.NewTokenService("secret", 0))

	forged := tracking.NewTokenService("other-key", 0).Issue("ann@example.com")
	for _, tok := range []string{"", "garbage", forged} {
		if _, err := svc.Unsubscribe(context.Background(), tok); !errors.Is(err, suppression.ErrInvalidToken) {
			t.Errorf("token %q: expected ErrInvalidToken, got %v", tok, err)
		}
	}
	if len(repo.calls) != 0 {
		t.Errorf("repository touched for invalid tokens: %v", repo.calls)
	}
}

func TestUnsubscribeExpiredToken(t *testing.T) {
	repo := newMemRepo()
	issuer := tracking.NewTokenService("secret", 0)
	tok := issuer.Issue("ann@example.com")

	svc := suppression.NewService(repo, tracking.NewTokenService("secret", time.Nanosecond))
	time.Sleep(2 * time.Second)
	if _, err := svc.Unsubscribe(context.Background(), tok); !errors.Is(err, suppression.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestOptOutPhones(t *testing.T) {
	repo := newMemRepo()
	repo.phones["+15550001111"] = false
	repo.phones["5550002222"] = false
	svc := suppression.NewService(repo, tracking.NewTokenService("secret", 0))

	n, err := svc.OptOutPhones(context.Background(), []string{"+1 555-000-1111", "555.000.2222", "555 000 2222", "n/a"})
	if err != nil {
		t.Fatalf("OptOutPhones: %v", err)
	}
	if n != 2 {
		t.Errorf("updated = %d, want 2", n)
	}
	if got := repo.calls[0]; got != "phones:+15550001111,5550002222" {
		t.Errorf("repository called with %q", got)
	}
}

func TestOptOutPhonesRequiresUsableNumber(t *testing.T) {
	svc := suppression.NewService(newMemRepo(), tracking.NewTokenService("secret", 0))
	for _, in := range [][]string{nil, {}, {"", "abc", "+"}} {
		if _, err := svc.OptOutPhones(context.Background(), in); !errors.Is(err, suppression.ErrNoPhones) {
			t.Errorf("%v: expected ErrNoPhones, got %v", in, err)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"+1 (555) 123-4567": "+15551234567",
		"555.123.4567":      "5551234567",
		"1+2":               "12",
		"+":                 "",
		"  ":                "",
	}
	for in, want := range tests {
		if got := suppression.NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}
