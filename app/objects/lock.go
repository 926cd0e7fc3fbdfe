package objects

import "sync"

var (
	namedLocksMu sync.Mutex
	namedLocks   = map[string]*sync.Mutex{}
)

func getNamedLock(name string) *sync.Mutex {
	namedLocksMu.Lock()
	defer namedLocksMu.Unlock()

	l, ok := namedLocks[name]
	if !ok {
		l = &sync.Mutex{}
		namedLocks[name] = l
	}
	return l
}

// WithNamedLock serializes callbacks sharing a name. Quorum counter updates
// run under the stage instance's lock so concurrent approvals cannot
// double-count or race past the completion boundary.
func WithNamedLock(name string, callback func() error) error {
	l := getNamedLock(name)
	l.Lock()
	defer l.Unlock()
	return callback()
}
