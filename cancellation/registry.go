// Package cancellation maps pool names to resettable cancellation signals.
//
// The registry is shared by every watchdog running in the process. Map access
// is guarded by a registry lock held only for lookups; arming and firing are
// serialized on the signal itself, so work on one pool never waits on another.
package cancellation

import (
	"sort"
	"strings"
	"sync"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeUnknownPool = "UNKNOWN_POOL"
	ErrCodeInvalidPool = "INVALID_ARGUMENT"
)

var (
	ErrUnknownPool = apperrors.New("no cancellation signal registered for pool", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeUnknownPool)
	ErrInvalidPool = apperrors.New("pool name required", apperrors.CategoryValidation).
			WithTextCode(ErrCodeInvalidPool)
)

// Registry owns the pool name to signal mapping.
type Registry struct {
	mu      sync.RWMutex
	signals map[string]*Signal
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{signals: make(map[string]*Signal)}
}

// Arm creates an armed signal for pool, or resets an existing one to armed.
func (r *Registry) Arm(pool string) (*Signal, error) {
	sig, _, err := r.lookupOrCreate(pool)
	if err != nil {
		return nil, err
	}
	sig.Reset()
	return sig, nil
}

// Ensure creates an armed signal when none exists. An existing signal is
// returned untouched, fired or not.
func (r *Registry) Ensure(pool string) (*Signal, error) {
	sig, _, err := r.lookupOrCreate(pool)
	return sig, err
}

// Signal fires the pool's signal. Missing pools are a no-op; the return value
// reports whether a registered signal transitioned to fired.
func (r *Registry) Signal(pool string, cause error) bool {
	sig := r.lookup(pool)
	if sig == nil {
		return false
	}
	return sig.Fire(cause)
}

// WaitHandle returns the channel to race against a timer for the current arming.
func (r *Registry) WaitHandle(pool string) (<-chan struct{}, error) {
	key, err := normalizePool(pool)
	if err != nil {
		return nil, err
	}
	sig := r.lookup(key)
	if sig == nil {
		return nil, cloneError(ErrUnknownPool, key)
	}
	return sig.Done(), nil
}

// Fired reports whether the pool's signal is currently fired.
func (r *Registry) Fired(pool string) bool {
	return r.lookup(pool).Fired()
}

// Get returns the registered signal or nil.
func (r *Registry) Get(pool string) *Signal {
	return r.lookup(pool)
}

// SignalAll fires every registered signal and returns how many transitioned.
func (r *Registry) SignalAll(cause error) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	signals := make([]*Signal, 0, len(r.signals))
	for _, sig := range r.signals {
		signals = append(signals, sig)
	}
	r.mu.RUnlock()

	fired := 0
	for _, sig := range signals {
		if sig.Fire(cause) {
			fired++
		}
	}
	return fired
}

// Pools lists registered pool names in sorted order.
func (r *Registry) Pools() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.signals))
	for pool := range r.signals {
		out = append(out, pool)
	}
	sort.Strings(out)
	return out
}

// Remove drops the pool entry. Waiters already holding a channel keep it.
func (r *Registry) Remove(pool string) {
	key, err := normalizePool(pool)
	if err != nil || r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.signals, key)
}

func (r *Registry) lookup(pool string) *Signal {
	if r == nil {
		return nil
	}
	key, err := normalizePool(pool)
	if err != nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.signals[key]
}

func (r *Registry) lookupOrCreate(pool string) (*Signal, bool, error) {
	key, err := normalizePool(pool)
	if err != nil {
		return nil, false, err
	}
	if sig := r.lookup(key); sig != nil {
		return sig, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.signals == nil {
		r.signals = make(map[string]*Signal)
	}
	if sig, ok := r.signals[key]; ok {
		return sig, false, nil
	}
	sig := newSignal()
	r.signals[key] = sig
	return sig, true, nil
}

func normalizePool(pool string) (string, error) {
	key := strings.TrimSpace(pool)
	if key == "" {
		return "", ErrInvalidPool.Clone()
	}
	return key, nil
}

func cloneError(base *apperrors.Error, pool string) *apperrors.Error {
	return base.Clone().WithMetadata(map[string]any{"pool": pool})
}
