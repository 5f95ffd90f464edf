// Package synapsedbtest is the crash-injection test harness: it arms a
// Store's labeled flush-step hook (see Store.SetCrashHook) to simulate a
// process crash at one exact step, layered on top of pkg/fs.Crash's
// lower-level, per-filesystem-op failpoints and durability model.
//
// Generalizing pkg/fs.CrashFailpointConfig's operation-indexed failpoints
// (triggering on the Nth Create/Write/Rename/etc.) to named logical steps:
// a single flush is many filesystem ops, and what a crash test usually
// wants to assert is "what durable state exists if the process died right
// after step X", not "what if the Nth raw syscall failed".
package synapsedbtest

import (
	"fmt"

	"github.com/synapsedb/synapsedb/pkg/fs"
)

// InjectedCrash is the error returned by a crash hook armed via CrashAt,
// reported from the step named by Label.
type InjectedCrash struct {
	Label string
}

func (e *InjectedCrash) Error() string {
	return fmt.Sprintf("synapsedbtest: simulated crash at %q", e.Label)
}

// CrashAt returns a Store.SetCrashHook callback that, when called with
// label, calls crash.SimulateCrash() (rotating crash's durable snapshot the
// way a real power loss would) and then returns an *InjectedCrash — letting
// the caller assert on the post-crash filesystem state by re-opening a
// Store against the same crash fs.FS. Every other label is a no-op.
//
// crash must be the same *fs.Crash instance the Store under test was opened
// against (see fs.NewCrash), since SimulateCrash only rotates its own
// tracked durable snapshot.
func CrashAt(crash *fs.Crash, label string) func(currentLabel string) error {
	return func(currentLabel string) error {
		if currentLabel != label {
			return nil
		}

		if err := crash.SimulateCrash(); err != nil {
			return fmt.Errorf("synapsedbtest: simulate crash at %q: %w", label, err)
		}

		return &InjectedCrash{Label: label}
	}
}
