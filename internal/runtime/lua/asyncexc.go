package lua

import "github.com/Paintersrp/stallwatch/internal/runtime"

// UNSAFE BOUNDARY
//
// Everything that injects control flow into a unit from outside lives in this
// file. A request is only a pending flag: the unit observes it at its next
// safe point or when a parked wait is kicked, and nothing here waits for that
// to happen. Requests fan out to every live member of the target's interrupt
// group, so callers get a count and must treat anything other than 1 as a
// failure. A compensating clear only withdraws requests that have not yet
// been delivered; a member that already raised stays stopped.

// SetAsyncStop requests that every live unit sharing h's interrupt group
// raise kind at its next safe point. It returns the number of units that
// received the request, 0 when h is unknown.
func (h *Host) SetAsyncStop(id runtime.Handle, kind runtime.StopKind) int {
	u := h.lookup(id)
	if u == nil {
		return 0
	}
	if kind == "" {
		kind = runtime.StopSignal
	}
	members := u.group.live()
	for _, m := range members {
		m.requestStop(kind)
	}
	return len(members)
}

// ClearAsyncStop withdraws undelivered stop requests from h's interrupt
// group. It returns the number of requests withdrawn.
func (h *Host) ClearAsyncStop(id runtime.Handle) int {
	u := h.lookup(id)
	if u == nil {
		return 0
	}
	cleared := 0
	for _, m := range u.group.live() {
		if m.clearStop() {
			cleared++
		}
	}
	return cleared
}
