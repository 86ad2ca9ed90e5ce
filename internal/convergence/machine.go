package convergence

import (
	"errors"
	"fmt"

	"github.com/quantumlife/ponder/internal/core"
)

var (
	// ErrTerminated is returned when a verdict is applied after STOP
	ErrTerminated = errors.New("state machine already stopped")
	// ErrIllegalTransition is returned for transitions that would break
	// tier monotonicity
	ErrIllegalTransition = errors.New("illegal tier transition")
)

// Machine is the escalation state machine over tiers {cheap, mid, top}
// and outcomes {continue, escalate, stop}. Tiers only ever move up.
type Machine struct {
	tier core.Tier
	done bool
	path []core.Tier
}

// NewMachine starts at the cheap tier
func NewMachine() *Machine {
	return &Machine{tier: core.TierCheap, path: []core.Tier{core.TierCheap}}
}

// Tier returns the tier the next pass runs at
func (m *Machine) Tier() core.Tier { return m.tier }

// Done reports whether STOP has been applied
func (m *Machine) Done() bool { return m.done }

// Path returns the tiers visited, in order
func (m *Machine) Path() []core.Tier {
	return append([]core.Tier(nil), m.path...)
}

// Apply performs the transition for v
func (m *Machine) Apply(v Verdict) error {
	if m.done {
		return ErrTerminated
	}

	switch v.Decision {
	case Continue:
		return nil
	case Stop:
		m.done = true
		return nil
	case Escalate:
		if !v.Next.Valid() || v.Next <= m.tier {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.tier, v.Next)
		}
		m.tier = v.Next
		m.path = append(m.path, v.Next)
		return nil
	default:
		return fmt.Errorf("%w: unknown decision %d", ErrIllegalTransition, v.Decision)
	}
}

// Terminate forces the machine into its stopped state (cancellation)
func (m *Machine) Terminate() { m.done = true }
