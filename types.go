package flagkeeper

import (
	"fmt"
	"os"

	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
	"github.com/OrlandoBitencourt/flagkeeper/internal/sdk"
)

// Context describes who a flag is evaluated for. Key is required and should
// be a stable, non-PII identifier.
type Context = domain.EvaluationContext

// NewContext creates a user context with the given key.
func NewContext(key string) Context {
	return domain.NewContext(key)
}

// NewContextWithKind creates a context of a custom kind, e.g. "device".
func NewContextWithKind(kind, key string) Context {
	return domain.NewContextWithKind(kind, key)
}

// State is the lifecycle state of the client.
type State = domain.State

const (
	StateUninitialized = domain.StateUninitialized
	StateInitializing  = domain.StateInitializing
	StateReady         = domain.StateReady
	StateDegraded      = domain.StateDegraded
	StateClosed        = domain.StateClosed
)

// Detail is an evaluated value plus how it was reached.
type Detail = domain.Detail

// Reason explains an evaluation outcome.
type Reason = domain.Reason

// ReasonKind is the category of a Reason.
type ReasonKind = domain.ReasonKind

const (
	ReasonOff         = domain.ReasonOff
	ReasonFallthrough = domain.ReasonFallthrough
	ReasonRuleMatch   = domain.ReasonRuleMatch
	ReasonError       = domain.ReasonError
)

// ErrorKind says why an evaluation returned the fallback.
type ErrorKind = domain.ErrorKind

const (
	ErrorClientNotReady   = domain.ErrorClientNotReady
	ErrorFlagNotFound     = domain.ErrorFlagNotFound
	ErrorMalformedFlag    = domain.ErrorMalformedFlag
	ErrorContextInvalid   = domain.ErrorContextInvalid
	ErrorWrongType        = domain.ErrorWrongType
	ErrorEvaluationFailed = domain.ErrorEvaluationFailed
)

// Metrics is a point-in-time view of the client.
type Metrics = sdk.Metrics

// FilterConfig selects which flags the client keeps.
type FilterConfig = sdk.FilterConfig

// WorkerIdentity names the process a client was rearmed in.
type WorkerIdentity struct {
	ID  string
	PID int
}

// CurrentWorker returns the identity of the calling process.
func CurrentWorker(id string) WorkerIdentity {
	return WorkerIdentity{ID: id, PID: os.Getpid()}
}

func (w WorkerIdentity) String() string {
	return fmt.Sprintf("worker %s (pid %d)", w.ID, w.PID)
}
