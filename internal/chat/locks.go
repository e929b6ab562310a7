package chat

import "sync"

// roomLocks hands out one mutex per room id and forgets it when unused.
type roomLocks struct {
	mu sync.Mutex
	m  map[string]*roomLock
}

type roomLock struct {
	sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{m: make(map[string]*roomLock)}
}

// lock blocks until key is held and returns the release func.
func (l *roomLocks) lock(key string) func() {
	l.mu.Lock()
	rl, ok := l.m[key]
	if !ok {
		rl = &roomLock{}
		l.m[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}

func (l *roomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
