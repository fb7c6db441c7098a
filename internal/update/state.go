package update

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// State is the phase of a coordinator run.
type State int

const (
	Idle State = iota
	LockPending
	Building
	Persisting
	Failed

	numStates
)

var stateNames = [numStates]string{"idle", "lock_pending", "building", "persisting", "failed"}

func (s State) String() string {
	if s < 0 || s >= numStates {
		return "unknown"
	}
	return stateNames[s]
}

// runCounts holds how many runs of one scope are in each state.
type runCounts [numStates]int

// tracker records run states per scope.
type tracker struct {
	scopes *xsync.MapOf[string, runCounts]
}

func newTracker() *tracker {
	return &tracker{scopes: xsync.NewMapOf[string, runCounts]()}
}

func (t *tracker) move(scope string, from, to State) {
	if from != Idle {
		metricRuns.WithLabelValues(from.String()).Dec()
	}
	if to != Idle {
		metricRuns.WithLabelValues(to.String()).Inc()
	}
	t.scopes.Compute(scope, func(c runCounts, _ bool) (runCounts, bool) {
		if from != Idle && c[from] > 0 {
			c[from]--
		}
		if to != Idle {
			c[to]++
		}
		return c, c == runCounts{}
	})
}

// state reports the most advanced phase any run of scope is in. A run that
// holds the lock outranks runs waiting for it.
func (t *tracker) state(scope string) State {
	c, ok := t.scopes.Load(scope)
	if !ok {
		return Idle
	}
	for _, s := range []State{Persisting, Building, Failed, LockPending} {
		if c[s] > 0 {
			return s
		}
	}
	return Idle
}
