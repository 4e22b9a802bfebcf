package push

import (
	"context"
	"sync"
	"time"
)

// MemoryTokenRepo is an in-process TokenRepo for tests.
type MemoryTokenRepo struct {
	mu     sync.Mutex
	tokens map[string][]DeviceToken
}

func NewMemoryTokenRepo() *MemoryTokenRepo {
	return &MemoryTokenRepo{tokens: make(map[string][]DeviceToken)}
}

func (r *MemoryTokenRepo) Save(_ context.Context, t DeviceToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	// Mirror the reclaim semantics of the postgres repo.
	for userID, list := range r.tokens {
		if userID == t.UserID {
			continue
		}
		kept := list[:0]
		for _, existing := range list {
			if existing.Token != t.Token {
				kept = append(kept, existing)
			}
		}
		r.tokens[userID] = kept
	}
	for i, existing := range r.tokens[t.UserID] {
		if existing.Token == t.Token {
			r.tokens[t.UserID][i] = t
			return nil
		}
	}
	r.tokens[t.UserID] = append(r.tokens[t.UserID], t)
	return nil
}

func (r *MemoryTokenRepo) TokensForUser(_ context.Context, userID string) ([]DeviceToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeviceToken, len(r.tokens[userID]))
	copy(out, r.tokens[userID])
	return out, nil
}

func (r *MemoryTokenRepo) Delete(_ context.Context, userID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.tokens[userID][:0]
	for _, t := range r.tokens[userID] {
		if t.Token != token {
			kept = append(kept, t)
		}
	}
	r.tokens[userID] = kept
	return nil
}
