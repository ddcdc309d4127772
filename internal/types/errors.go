package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a key has no value.
	ErrNotFound = errors.New("not found")
	// ErrQuotaExhausted is matched by every QuotaExhaustedError.
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrToolNotFound means no connected server exposes the tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrServerUnreachable means the owning tool server cannot be reached.
	ErrServerUnreachable = errors.New("tool server unreachable")
	// ErrTurnSlotBusy means a minion already has an active turn and the
	// busy policy is drop.
	ErrTurnSlotBusy = errors.New("minion turn already active")
)

// PlanParseError reports malformed or schema-invalid plan text.
type PlanParseError struct {
	Reason string
	Raw    string
	Err    error
}

func (e *PlanParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plan parse: %s: %v", e.Reason, e.Err)
	}
	return "plan parse: " + e.Reason
}

func (e *PlanParseError) Unwrap() error { return e.Err }

// RegulatorParseError reports malformed regulator output.
type RegulatorParseError struct {
	Reason string
	Raw    string
	Err    error
}

func (e *RegulatorParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("regulator report parse: %s: %v", e.Reason, e.Err)
	}
	return "regulator report parse: " + e.Reason
}

func (e *RegulatorParseError) Unwrap() error { return e.Err }

// ToolExecutionError wraps a failed tool call. It is never fatal to a turn.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// QuotaExhaustedError means no key had headroom for the model.
type QuotaExhaustedError struct {
	Model     string
	Pool      string
	KeysTried int
}

func (e *QuotaExhaustedError) Error() string {
	bucket := e.Model
	if e.Pool != "" {
		bucket = fmt.Sprintf("%s (pool %s)", e.Model, e.Pool)
	}
	if e.KeysTried == 0 {
		return fmt.Sprintf("quota exhausted for %s: no API key configured", bucket)
	}
	return fmt.Sprintf("quota exhausted for %s: none of %d keys has headroom", bucket, e.KeysTried)
}

func (e *QuotaExhaustedError) Unwrap() error { return ErrQuotaExhausted }

// ModelCallKind classifies model call failures.
type ModelCallKind string

const (
	ModelCallAuth      ModelCallKind = "auth"
	ModelCallRateLimit ModelCallKind = "rate_limit"
	ModelCallTransport ModelCallKind = "transport"
)

// ModelCallError is a failed provider call.
type ModelCallError struct {
	Kind       ModelCallKind
	Model      string
	StatusCode int
	Err        error
}

func (e *ModelCallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("model %s %s error (status %d): %v", e.Model, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("model %s %s error: %v", e.Model, e.Kind, e.Err)
}

func (e *ModelCallError) Unwrap() error { return e.Err }
