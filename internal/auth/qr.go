package auth

import (
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QRTTL is how long a pending QR login stays claimable.
const QRTTL = 5 * time.Minute

// QR login states as reported to the poller.
const (
	QRPending   = "pending"
	QRConfirmed = "confirmed"
	QRExpired   = "expired"
)

type qrSession struct {
	secret      string
	createdAt   time.Time
	confirmed   bool
	accessToken string
	// claimed flips on the first poll after confirmation; the token is
	// handed out exactly once.
	claimed bool
}

// QRBroker runs the QR handoff: an unauthenticated device opens a session,
// an authenticated one confirms it, and the first device collects an
// access token bound to the confirmer's namespace.
type QRBroker struct {
	mu       sync.Mutex
	sessions map[string]*qrSession
	now      func() time.Time
}

// NewQRBroker creates an empty broker.
func NewQRBroker() *QRBroker {
	return &QRBroker{
		sessions: make(map[string]*qrSession),
		now:      time.Now,
	}
}

// Create opens a pending QR session and returns its id and one-time secret.
func (b *QRBroker) Create() (id, secret string, err error) {
	secret, err = GenerateToken()
	if err != nil {
		return "", "", err
	}
	id = uuid.New().String()

	b.mu.Lock()
	b.sessions[id] = &qrSession{secret: secret, createdAt: b.now()}
	b.mu.Unlock()
	return id, secret, nil
}

// Poll reports a session's state. A confirmed session yields its access
// token on the first poll only; every later poll (and any expired or
// unknown id) reports expired.
func (b *QRBroker) Poll(id, secret string) (status, accessToken string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[id]
	if !ok || !secretMatches(s.secret, secret) {
		return QRExpired, ""
	}
	if b.now().Sub(s.createdAt) > QRTTL {
		delete(b.sessions, id)
		return QRExpired, ""
	}
	if !s.confirmed {
		return QRPending, ""
	}
	if s.claimed {
		delete(b.sessions, id)
		return QRExpired, ""
	}
	s.claimed = true
	return QRConfirmed, s.accessToken
}

// Confirm binds an access token to a pending session. The caller must
// already be authenticated; accessToken should carry the caller's
// namespace suffix.
func (b *QRBroker) Confirm(id, secret, accessToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[id]
	if !ok || !secretMatches(s.secret, secret) {
		return fmt.Errorf("unknown qr session")
	}
	if b.now().Sub(s.createdAt) > QRTTL {
		delete(b.sessions, id)
		return fmt.Errorf("qr session expired")
	}
	if s.confirmed {
		return fmt.Errorf("qr session already confirmed")
	}
	s.confirmed = true
	s.accessToken = accessToken
	return nil
}

// Sweep drops sessions past their TTL. Run periodically.
func (b *QRBroker) Sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for id, s := range b.sessions {
		if now.Sub(s.createdAt) > QRTTL {
			delete(b.sessions, id)
		}
	}
}

func secretMatches(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
