package plugin

import (
	"sync/atomic"
)

// scope bounds a handle's validity to the callback invocation that produced
// it. The dispatcher opens a scope before the callback and closes it on
// return; introspection through a closed scope is a programming error.
type scope struct {
	closed int32
}

func (s *scope) close() {
	atomic.StoreInt32(&s.closed, 1)
}

func (s *scope) open() bool {
	return s != nil && atomic.LoadInt32(&s.closed) == 0
}

// checkScope validates a handle use. It reports false (after logging or
// panicking per Config.Debug) when the handle has expired.
func (h *Host) checkScope(s *scope, what string) bool {
	if !s.open() {
		h.badUse("%s: handle expired", what)
		return false
	}
	return true
}
