package session

import (
	"context"
	"sync"
)

// userLocks serializes work per username. Entries are reference counted and
// dropped when no goroutine holds or waits for them.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sem  chan struct{}
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// lock blocks until the caller holds username's lock or ctx ends. The
// returned func releases it.
func (u *userLocks) lock(ctx context.Context, username string) (func(), error) {
	u.mu.Lock()
	l, ok := u.locks[username]
	if !ok {
		l = &userLock{sem: make(chan struct{}, 1)}
		u.locks[username] = l
	}
	l.refs++
	u.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		u.release(username, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			u.release(username, l)
		})
	}, nil
}

func (u *userLocks) release(username string, l *userLock) {
	u.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(u.locks, username)
	}
	u.mu.Unlock()
}

func (u *userLocks) size() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.locks)
}
