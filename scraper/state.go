package scraper

import (
	"errors"
	"fmt"

	"bezorgmoment/pkg/delivery"
)

// State is a step of the session state machine.
type State int

const (
	Start State = iota
	Navigating
	ClassifyingState
	HandlingMaintenance
	HandlingConsent
	Authenticating
	AwaitingAuthResult
	Extracting
	Done
	Failed
)

var stateNames = [...]string{
	Start:               "start",
	Navigating:          "navigating",
	ClassifyingState:    "classifying",
	HandlingMaintenance: "handling-maintenance",
	HandlingConsent:     "handling-consent",
	Authenticating:      "authenticating",
	AwaitingAuthResult:  "awaiting-auth-result",
	Extracting:          "extracting",
	Done:                "done",
	Failed:              "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Kind tags how a run ended. Only KindExtracted carries a scrape.
type Kind string

const (
	KindExtracted    Kind = "extracted"
	KindNoOpenOrders Kind = "no-open-orders"
	KindMaintenance  Kind = "maintenance"
	KindLoginFailed  Kind = "login-failed"
	KindChallenge    Kind = "challenge"
	KindAmbiguous    Kind = "ambiguous"
	KindUnrecognized Kind = "unrecognized"
)

// Failure reports whether the kind ends the run without a result.
func (k Kind) Failure() bool {
	return k != KindExtracted && k != KindNoOpenOrders
}

// Message is the short error text placed in an error record.
func (k Kind) Message() string {
	switch k {
	case KindMaintenance:
		return "maintenance"
	case KindLoginFailed:
		return "login failed"
	case KindChallenge:
		return "challenge encountered"
	case KindAmbiguous:
		return "ambiguous login result"
	case KindUnrecognized:
		return "unrecognized page"
	}
	return string(k)
}

// Outcome is the terminal result of one orchestrated run.
type Outcome struct {
	Kind   Kind
	Scrape delivery.RawScrape
	// Detail is diagnostic text for failures, such as the on-screen login error.
	Detail string
	// Trail lists the states visited, in order.
	Trail []State
	// Diagnostics collects side-effect failures that did not fail the run.
	Diagnostics []string
	// Screenshot and PDF are the artifact names written, if any.
	Screenshot string
	PDF        string
}

// Final returns the last state reached.
func (o *Outcome) Final() State {
	if len(o.Trail) == 0 {
		return Start
	}
	return o.Trail[len(o.Trail)-1]
}

// StateError is an unexpected fault while in a non-terminal state.
type StateError struct {
	State State
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// FaultState returns the state a fault occurred in, if err is a StateError.
func FaultState(err error) (State, bool) {
	var se *StateError
	if errors.As(err, &se) {
		return se.State, true
	}
	return Failed, false
}
