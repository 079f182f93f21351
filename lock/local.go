package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type lease struct {
	value   string
	expires time.Time
}

// LocalLocker is an in-process lease lock with the same contract as
// RedisLocker. It only serializes callers inside one process.
type LocalLocker struct {
	mu     sync.Mutex
	ttl    time.Duration
	leases map[string]lease
	now    func() time.Time
}

func NewLocalLocker(ttl time.Duration) *LocalLocker {
	return &LocalLocker{ttl: ttl, leases: make(map[string]lease), now: time.Now}
}

func (l *LocalLocker) Acquire(ctx context.Context, roomID uint, timeout time.Duration) (Token, error) {
	token := Token{Key: roomKey("", roomID), Value: uuid.NewString()}
	err := acquireWithRetry(ctx, timeout, func(context.Context) (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		now := l.now()
		if cur, ok := l.leases[token.Key]; ok && now.Before(cur.expires) {
			return false, nil
		}
		l.leases[token.Key] = lease{value: token.Value, expires: now.Add(l.ttl)}
		return true, nil
	})
	if err != nil {
		return Token{}, err
	}
	return token, nil
}

func (l *LocalLocker) Release(_ context.Context, token Token) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[token.Key]; ok && cur.value == token.Value {
		delete(l.leases, token.Key)
	}
	return nil
}
