package engine

import "github.com/gregtusar/coveredcall/pkg/models"

// State is the engine's position in a trade lifecycle.
//
//	Idle           --Start-->       AwaitingSubmit
//	AwaitingSubmit --Submitted-->   Live
//	AwaitingSubmit --Timeout-->     Escalating
//	Live           --PriceTick-->   Escalating
//	Escalating     --Cancelled-->   AwaitingSubmit (next price) | Terminal
//	any            --Filled-->      Terminal
//	any            --Reconnect-->   Escalating (forced cancel)
//	Terminal       --reset-->       Idle
type State string

const (
	StateIdle           State = "idle"
	StateAwaitingSubmit State = "awaiting_submit"
	StateLive           State = "live"
	StateEscalating     State = "escalating"
	StateTerminal       State = "terminal"
)

func (s State) inFlight() bool {
	return s == StateAwaitingSubmit || s == StateLive || s == StateEscalating
}

type OutcomeKind string

const (
	OutcomeFilled               OutcomeKind = "filled"
	OutcomeLadderExhausted      OutcomeKind = "ladder_exhausted"
	OutcomeDisconnectReconciled OutcomeKind = "disconnect_reconciled"
	// OutcomeAborted is reported when the broker rejects a resubmission.
	OutcomeAborted OutcomeKind = "aborted"
)

// Outcome is delivered to termination listeners once per trade.
type Outcome struct {
	Kind  OutcomeKind  `json:"kind"`
	Trade models.Trade `json:"trade"`
}

// Snapshot is a point-in-time view of an engine for status reporting.
type Snapshot struct {
	Symbol   string        `json:"symbol"`
	Side     models.Side   `json:"side"`
	Busy     bool          `json:"busy"`
	State    State         `json:"state"`
	Disabled bool          `json:"disabled"`
	Pricing  string        `json:"pricing,omitempty"`
	Trade    *models.Trade `json:"trade,omitempty"`
}
