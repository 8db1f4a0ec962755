// Package lifecycle holds shared plumbing for components that run one
// background loop and fan events out to listeners from it.
package lifecycle

import (
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
)

// LoopOwner records which goroutine currently runs a component's loop.
//
// A listener invoked by the loop may stop its own component. That Stop call
// must not wait for the loop to exit: the loop is blocked inside the very
// listener making the call, and waiting would deadlock. Stop implementations
// consult OnLoop to tell such a re-entrant call from an external one, and
// skip the wait only in the re-entrant case.
type LoopOwner struct {
	id atomic.Uint64
}

// Acquire marks the calling goroutine as the loop owner.
func (o *LoopOwner) Acquire() {
	o.id.Store(goroutineID())
}

// Release clears ownership. Call it from the loop goroutine on exit, before
// the component's done signal.
func (o *LoopOwner) Release() {
	o.id.Store(0)
}

// OnLoop reports whether the calling goroutine is the loop owner.
func (o *LoopOwner) OnLoop() bool {
	id := o.id.Load()
	return id != 0 && id == goroutineID()
}

// goroutineID parses the current goroutine's id out of the stack trace
// header ("goroutine 42 [running]:"). The runtime offers no direct way to
// read it. Returns 0 (never a real id) if the header is unrecognizable,
// which degrades OnLoop to false and Stop to its blocking path.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header, ok := strings.CutPrefix(string(buf[:n]), "goroutine ")
	if !ok {
		return 0
	}
	if i := strings.IndexByte(header, ' '); i >= 0 {
		header = header[:i]
	}
	id, err := strconv.ParseUint(header, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
