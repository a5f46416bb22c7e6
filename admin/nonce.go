package admin

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// nonceTTL bounds how long an issued nonce stays redeemable.
const nonceTTL = 10 * time.Minute

// NonceStore issues and redeems one-time action tokens. A nonce is consumed
// by its first use; replays and expired tokens are rejected.
type NonceStore struct {
	mu     sync.Mutex
	issued map[string]time.Time
}

func NewNonceStore() *NonceStore {
	return &NonceStore{issued: map[string]time.Time{}}
}

// Create issues a fresh nonce.
func (n *NonceStore) Create() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	nonce := hex.EncodeToString(buf)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.prune()
	n.issued[nonce] = time.Now().Add(nonceTTL)
	return nonce, nil
}

// Consume redeems a nonce, returning false for unknown, expired or already
// used tokens.
func (n *NonceStore) Consume(nonce string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	expiry, ok := n.issued[nonce]
	if !ok {
		return false
	}
	delete(n.issued, nonce)
	return time.Now().Before(expiry)
}

func (n *NonceStore) prune() {
	now := time.Now()
	for nonce, expiry := range n.issued {
		if now.After(expiry) {
			delete(n.issued, nonce)
		}
	}
}
