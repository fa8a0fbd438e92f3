package lua

import "time"

// safePointContext is installed on every unit's LState and on each coroutine
// thread the unit creates. gopher-lua calls Done before each instruction it
// executes, always on the unit's goroutine, which makes Done the unit's safe
// point.
type safePointContext struct {
	u *unit
}

func (c *safePointContext) Deadline() (time.Time, bool) {
	return time.Time{}, false
}

func (c *safePointContext) Done() <-chan struct{} {
	c.u.safePoint()
	return c.u.stopped
}

func (c *safePointContext) Err() error {
	select {
	case <-c.u.stopped:
		return c.u.stopErr
	default:
		return nil
	}
}

func (c *safePointContext) Value(any) any {
	return nil
}

// AfterFunc lets derived contexts follow the unit's stop without a watcher
// goroutine calling Done.
func (c *safePointContext) AfterFunc(f func()) func() bool {
	return c.u.afterStop(f)
}
