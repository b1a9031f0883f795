package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"kb-engine/internal/domain"
)

const docLockPrefix = "kb:lock:document:"

// releaseScript deletes the lock only while we still own it, so an expired
// lock reacquired by another worker is never released from here.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// DocLock serializes index writes per document with a SET NX PX lock.
// The TTL bounds how long a crashed worker can block redelivered work.
type DocLock struct {
	client *redis.Client
	ttl    time.Duration
}

var _ domain.DocumentLocker = (*DocLock)(nil)

// NewDocLock creates a DocLock with the given expiry.
func NewDocLock(client *redis.Client, ttl time.Duration) *DocLock {
	return &DocLock{client: client, ttl: ttl}
}

// Lock takes the lock for documentID. If another worker holds it,
// domain.ErrDocumentBusy is returned and the caller should let the message
// be redelivered. The returned release function is safe to defer; it only
// removes the lock if this acquisition still owns it.
func (l *DocLock) Lock(ctx context.Context, documentID uuid.UUID) (func(), error) {
	key := docLockPrefix + documentID.String()
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock for document %s: %w", documentID, err)
	}
	if !ok {
		return nil, domain.ErrDocumentBusy
	}

	release := func() {
		// Release must work even when the caller's ctx is already done.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return release, nil
}
