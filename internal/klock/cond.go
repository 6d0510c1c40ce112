package klock

import "sync"

// Cond is an address-keyed condition variable: Wait atomically releases the
// caller-supplied guard and parks the goroutine; Broadcast wakes every
// waiter. The log embeds one Cond in its own state and broadcasts on it
// after every commit, mirroring xv6's sleep(&log, &log.lock) /
// wakeup(&log) convention of using the log's own address as the wait
// channel, reduced to "one Cond per waitable object" since Go has no bare
// address-keyed wait queues.
type Cond struct {
	mu   sync.Mutex
	cond *sync.Cond
}

// Init must be called once before use; it wires the condvar to the caller's
// guard so Wait can interact with it.
func (c *Cond) Init(guard sync.Locker) {
	c.cond = sync.NewCond(guard)
}

// Wait atomically unlocks guard and suspends the caller until the next
// Broadcast, then reacquires guard before returning. guard must already be
// held by the caller.
func (c *Cond) Wait() {
	c.cond.Wait()
}

// Broadcast wakes every goroutine currently parked in Wait.
func (c *Cond) Broadcast() {
	c.cond.Broadcast()
}
