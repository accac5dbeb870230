package core

import (
	"time"

	"github.com/zboralski/prison/internal/hook"
)

// Result is the outcome of one hook.
type Result struct {
	Consumer string
	ID       string
	Strategy hook.Strategy
	Target   string
	State    hook.State
	Err      error
}

// Report aggregates the outcome of InstallHooks.
type Report struct {
	APILevel    int32
	PackageName string
	Started     time.Time
	Duration    time.Duration

	// Missing lists policy methods the bridge could not bind.
	Missing []string
	Results []Result
}

// Installed returns the number of installed hooks.
func (r *Report) Installed() int {
	n := 0
	for _, res := range r.Results {
		if res.State == hook.Installed {
			n++
		}
	}
	return n
}

// Failed returns the hooks that are not installed.
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.State != hook.Installed {
			out = append(out, res)
		}
	}
	return out
}

// Consumer returns the results of one consumer.
func (r *Report) Consumer(name string) []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Consumer == name {
			out = append(out, res)
		}
	}
	return out
}

func result(consumer string, e *hook.Entry) Result {
	d := e.Descriptor
	return Result{
		Consumer: consumer,
		ID:       d.ID,
		Strategy: d.Strategy,
		Target:   d.Target(),
		State:    e.State(),
		Err:      e.Err(),
	}
}
