package rendezvous

import "dcdn/dht/util"

// State is where one tracked injector sits in the lifecycle spec §4.4
// defines: Unknown → Known → InUse → Failing → Evicted.
type State int

const (
	// StateKnown is the state a freshly discovered injector starts in;
	// there is no separate Unknown record, Unknown is simply "not in the
	// map yet".
	StateKnown State = iota
	StateInUse
	StateFailing
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateKnown:
		return "known"
	case StateInUse:
		return "in-use"
	case StateFailing:
		return "failing"
	case StateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// InjectorRecord is everything the controller tracks about one injector
// endpoint.
type InjectorRecord struct {
	Endpoint util.Endpoint
	State    State

	consecutiveFailures int
	evictedAtGeneration int
}

// maxConsecutiveFailures is how many failures in a row move a record from
// Failing to Evicted (spec §4.4: "after three consecutive failures").
const maxConsecutiveFailures = 3
