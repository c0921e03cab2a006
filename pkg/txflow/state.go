package txflow

import (
	"errors"
	"time"

	"ChainChat/pkg/envelope"
)

// Code is the outcome code recorded for a message.
type Code string

const (
	CodePending           Code = "transaction_pending"
	CodeSuccess           Code = "transaction_success"
	CodeFailed            Code = "transaction_failed"
	CodeAlreadyInProgress Code = "transaction_already_in_progress"
	CodeUserRejected      Code = "user_rejected"
)

// Terminal reports whether no further transition may follow c.
func (c Code) Terminal() bool {
	switch c {
	case CodeSuccess, CodeFailed, CodeUserRejected:
		return true
	}
	return false
}

// ErrUserRejected is returned by wallets when the key holder declines to sign.
var ErrUserRejected = errors.New("transaction rejected by user")

// Phase is the display phase derived from a State.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseSubmitting Phase = "submitting"
	PhaseSuccess    Phase = "success"
	PhaseFailed     Phase = "failed"
	PhaseRejected   Phase = "rejected"
)

// State is the per-message transaction state. The zero value is the default
// for a message that has never been seen.
type State struct {
	IsSubmitting    bool   `json:"is_submitting"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	Error           string `json:"error,omitempty"`
	Code            Code   `json:"code"`
	Observed        bool   `json:"observed,omitempty"`
}

// DefaultState returns the state of an unseen message.
func DefaultState() State {
	return State{Code: CodePending}
}

// Phase maps the state onto the phase a renderer branches on.
func (s State) Phase() Phase {
	switch s.Code {
	case CodeSuccess:
		return PhaseSuccess
	case CodeFailed:
		return PhaseFailed
	case CodeUserRejected:
		return PhaseRejected
	case CodeAlreadyInProgress:
		// Another submission for the message is in flight.
		return PhaseSubmitting
	}
	if s.IsSubmitting {
		return PhaseSubmitting
	}
	return PhasePending
}

// Result is returned by Machine.Submit.
type Result struct {
	Hash    string `json:"hash,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    Code   `json:"code"`
}

func resultOf(s State) Result {
	return Result{
		Hash:    s.TransactionHash,
		Success: s.Code == CodeSuccess,
		Error:   s.Error,
		Code:    s.Code,
	}
}

// StatusForCode maps an outcome code to the status written into the envelope.
func StatusForCode(code Code) string {
	switch code {
	case CodeSuccess:
		return envelope.StatusSuccess
	case CodeFailed, CodeUserRejected:
		return envelope.StatusError
	default:
		return envelope.StatusProcessing
	}
}

// Outcome is emitted once per terminal transition.
type Outcome struct {
	MessageID string    `json:"message_id"`
	Hash      string    `json:"hash,omitempty"`
	Code      Code      `json:"code"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
