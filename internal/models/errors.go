package models

import (
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// Error taxonomy of the flow engine.
var (
	ErrMalformedFlow      = errors.New("malformed flow")
	ErrFlowNotFound       = errors.New("flow not found")
	ErrNodeNotFound       = errors.New("node not found")
	ErrValidationFailed   = errors.New("validation failed")
	ErrLoopDetected       = errors.New("loop detected")
	ErrSessionTimeout     = errors.New("session timeout")
	ErrExternalCallFailed = errors.New("external call failed")
	ErrDispatchFailed     = errors.New("dispatch failed")
)

// MalformedFlowError reports a flow that violates the graph invariants.
type MalformedFlowError struct {
	FlowID string
	Reason string
}

func (e *MalformedFlowError) Error() string {
	return fmt.Sprintf("malformed flow %q: %s", e.FlowID, e.Reason)
}

func (e *MalformedFlowError) Unwrap() error {
	return ErrMalformedFlow
}

// PermanentError marks a delivery failure that retrying cannot fix. It is the backoff
// package's marker, so retry loops built on backoff stop on it directly.
type PermanentError = backoff.PermanentError

// Permanent wraps err so that senders' callers stop retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err, or any error it wraps, is a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
