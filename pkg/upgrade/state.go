package upgrade

import (
	"fmt"

	"github.com/lidarops/fwupgrade/pkg/errors"
)

// State is the protocol phase of a session.
type State int

const (
	Idle State = iota
	Requested
	TransferringFirmware
	FinalizingTransfer
	PollingProgress
	Complete
	TimedOut
	Failed
)

var stateNames = [...]string{
	Idle:                 "idle",
	Requested:            "requested",
	TransferringFirmware: "transferring_firmware",
	FinalizingTransfer:   "finalizing_transfer",
	PollingProgress:      "polling_progress",
	Complete:             "complete",
	TimedOut:             "timed_out",
	Failed:               "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s is an absorbing error state.
func (s State) Terminal() bool { return s == TimedOut || s == Failed }

// active reports whether s has a command on the wire. Complete counts
// while its reboot request is unanswered.
func (s State) active() bool { return s >= Requested && s <= Complete }

// Event drives a transition.
type Event int

const (
	RequestUpgrade Event = iota
	ChunkSent
	TransferComplete
	ProgressRequested
	UpgradeFinished
	Reinitialize
	Timeout
	ProtocolError
	// Fault is a non-recoverable status reported by the device.
	Fault
)

var eventNames = [...]string{
	RequestUpgrade:    "request_upgrade",
	ChunkSent:         "chunk_sent",
	TransferComplete:  "transfer_complete",
	ProgressRequested: "progress_requested",
	UpgradeFinished:   "upgrade_finished",
	Reinitialize:      "reinitialize",
	Timeout:           "timeout",
	ProtocolError:     "protocol_error",
	Fault:             "fault",
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Action is the side effect a transition asks the session to perform.
type Action int

const (
	ActionNone Action = iota
	ActionAuthorize
	ActionSendChunk
	ActionFinalize
	ActionQueryProgress
	ActionReboot
	// ActionRetry re-issues the command of the current phase unchanged.
	ActionRetry
	// ActionAbort ends the session in the returned terminal state.
	ActionAbort
)

var actionNames = [...]string{
	ActionNone:          "none",
	ActionAuthorize:     "authorize",
	ActionSendChunk:     "send_chunk",
	ActionFinalize:      "finalize",
	ActionQueryProgress: "query_progress",
	ActionReboot:        "reboot",
	ActionRetry:         "retry",
	ActionAbort:         "abort",
}

func (a Action) String() string {
	if a >= 0 && int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ErrInvalidTransition is returned for an event the state does not accept.
var ErrInvalidTransition = errors.New("invalid transition")

type transitionKey struct {
	state State
	event Event
}

type transitionResult struct {
	action Action
	next   State
}

var transitions = map[transitionKey]transitionResult{
	{Idle, RequestUpgrade}:                   {ActionAuthorize, Requested},
	{Requested, ChunkSent}:                   {ActionSendChunk, TransferringFirmware},
	{Requested, TransferComplete}:            {ActionFinalize, FinalizingTransfer},
	{TransferringFirmware, ChunkSent}:        {ActionSendChunk, TransferringFirmware},
	{TransferringFirmware, TransferComplete}: {ActionFinalize, FinalizingTransfer},
	{FinalizingTransfer, ProgressRequested}:  {ActionQueryProgress, PollingProgress},
	{PollingProgress, ProgressRequested}:     {ActionQueryProgress, PollingProgress},
	{PollingProgress, UpgradeFinished}:       {ActionReboot, Complete},
	{Complete, Reinitialize}:                 {ActionNone, Idle},
}

// Transition looks up what to do when event arrives in state. exhausted
// says whether the current phase has used up its retry budget; it only
// matters for Timeout and ProtocolError. Transition has no side effects.
func Transition(state State, event Event, exhausted bool) (Action, State, error) {
	if r, ok := transitions[transitionKey{state, event}]; ok {
		return r.action, r.next, nil
	}

	if state.active() {
		switch event {
		case Timeout:
			if exhausted {
				return ActionAbort, TimedOut, nil
			}
			return ActionRetry, state, nil
		case ProtocolError:
			if exhausted {
				return ActionAbort, Failed, nil
			}
			return ActionRetry, state, nil
		case Fault:
			return ActionAbort, Failed, nil
		}
	}

	return ActionNone, state, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, event, state)
}
