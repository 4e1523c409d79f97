package correlation

import "sync"

var (
	defaultMu    sync.RWMutex
	defaultStore Store
)

// Init installs s as the store used by the package-level functions. Passing
// nil uninstalls it.
func Init(s Store) {
	defaultMu.Lock()
	defaultStore = s
	defaultMu.Unlock()
}

// IsInited reports whether Init has installed a store.
func IsInited() bool {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultStore != nil
}

// Default returns the installed store. It panics with ErrNotInitialized when
// there is none.
func Default() Store {
	defaultMu.RLock()
	s := defaultStore
	defaultMu.RUnlock()
	if s == nil {
		panic(ErrNotInitialized)
	}
	return s
}

// ID returns the identifier of the running flow of the default store.
func ID() (string, bool) { return Default().ID() }

// NewID returns a fresh identifier from the default store.
func NewID() string { return Default().NewID() }

// Bind captures the active scope of the default store for target.
func Bind(target any) any { return Default().Bind(target) }
