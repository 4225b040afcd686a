package client

import (
	"sync"
	"time"
)

// defaultTimeout is the absolute TTL applied to every waiter (spec §4.5
// step 1, §5 "client waiters have 5s absolute TTL"). It is a var
// rather than a const so tests can shrink it instead of waiting out
// the real 5 seconds.
var defaultTimeout = 5 * time.Second

// waiter is a client-side rendezvous object pairing an expected reply
// token with a blocked REPL caller (spec §3 "Pending waiter").
// ArgumentPosition is fixed at 0 in current usage but kept as a field
// per the data model so the match rule is explicit rather than
// hard-coded into the dispatch loop.
type waiter struct {
	expectedToken    string
	argumentPosition int
	expireAt         time.Time

	// result delivers the matched token vector, or nil on timeout.
	// Exactly one value is ever sent: waiterList.dispatch and
	// waiterList.reap each remove a waiter from the list under the
	// same lock before sending to it, so only one of them can ever
	// observe and claim a given waiter.
	result chan []string
}

func newWaiter(expectedToken string) *waiter {
	return &waiter{
		expectedToken:    expectedToken,
		argumentPosition: 0,
		expireAt:         time.Now().Add(defaultTimeout),
		result:           make(chan []string, 1),
	}
}

func (w *waiter) matches(fields []string) bool {
	if w.argumentPosition >= len(fields) {
		return false
	}
	return fields[w.argumentPosition] == w.expectedToken
}

// waiterList is the registry of pending waiters described in spec
// §4.5: appended in insertion order, which (since every waiter shares
// the same TTL) is also expiry order, so the reaper can stop at the
// first unexpired entry and the earliest-expiry lookup is O(1).
type waiterList struct {
	mu      sync.Mutex
	waiters []*waiter
}

func newWaiterList() *waiterList {
	return &waiterList{}
}

// add registers a new waiter and returns it; the caller sends its
// request only after this call returns, per the documented ordering.
func (l *waiterList) add(expectedToken string) *waiter {
	w := newWaiter(expectedToken)
	l.mu.Lock()
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()
	return w
}

// cancel removes w from the list if it is still pending, e.g. because
// the request that registered it was never actually sent. It is a
// no-op if w has already been claimed by dispatch or reap.
func (l *waiterList) cancel(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, cur := range l.waiters {
		if cur == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

// dispatch scans waiters in insertion order for the first one whose
// expected token matches fields, removes it, and returns it. It
// returns nil if no waiter matches.
func (l *waiterList) dispatch(fields []string) *waiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.waiters {
		if w.matches(fields) {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return w
		}
	}
	return nil
}

// reap removes and returns every waiter whose expiry has passed. Since
// the list is sorted by expiry (insertion order == expiry order), it
// stops at the first unexpired entry.
func (l *waiterList) reap(now time.Time) []*waiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := 0
	for i < len(l.waiters) && !l.waiters[i].expireAt.After(now) {
		i++
	}
	if i == 0 {
		return nil
	}
	expired := l.waiters[:i]
	l.waiters = l.waiters[i:]
	return expired
}

// nextDeadline returns the earliest waiter's expiry, or ok=false if
// the list is empty (spec §4.5 step 6: "defaulting to 5s when the
// list is empty").
func (l *waiterList) nextDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) == 0 {
		return time.Time{}, false
	}
	return l.waiters[0].expireAt, true
}
