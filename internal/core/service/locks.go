package service

import "sync"

// customerLocks serializes orchestration per customer. Acquire is
// non-blocking: an in-flight operation for the same customer causes the
// second request to observe a conflict instead of queueing behind it, so
// a started sequence always runs to completion uninterrupted.
type customerLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newCustomerLocks() *customerLocks {
	return &customerLocks{held: make(map[string]struct{})}
}

// acquire reports whether the customer's lock was taken. The caller must
// release it when the operation settles.
func (l *customerLocks) acquire(customerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[customerID]; busy {
		return false
	}
	l.held[customerID] = struct{}{}
	return true
}

func (l *customerLocks) release(customerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, customerID)
}
