package bridge

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zboralski/prison/internal/art"
	"github.com/zboralski/prison/internal/log"
)

// ErrAttachFailed is returned when a thread cannot get a runtime handle.
var ErrAttachFailed = errors.New("cannot attach thread to runtime")

// Attacher hands out runtime environments to guest threads, attaching
// threads on first use. It never detaches: a hook may be re-entered on the
// same thread any number of times, and teardown belongs to the runtime.
type Attacher struct {
	rt       *art.Runtime
	attached atomic.Int64
	log      *log.Logger
}

// NewAttacher creates an attacher for rt.
func NewAttacher(rt *art.Runtime, l *log.Logger) *Attacher {
	return &Attacher{rt: rt, log: log.Or(l).WithComponent("attach")}
}

// EnsureAttached returns the environment of tid, attaching it if needed.
func (a *Attacher) EnsureAttached(tid art.ThreadID) (*art.Env, error) {
	if a == nil || a.rt == nil {
		return nil, ErrAttachFailed
	}
	if env, err := a.rt.GetEnv(tid); err == nil {
		return env, nil
	}
	env, attached, err := a.rt.Attach(tid)
	if err != nil {
		a.log.Warn("attach failed", log.Thread(int64(tid)))
		return nil, fmt.Errorf("%w: %v", ErrAttachFailed, err)
	}
	if attached {
		a.attached.Add(1)
	}
	return env, nil
}

// Attached returns how many threads this attacher attached.
func (a *Attacher) Attached() int64 {
	return a.attached.Load()
}
