package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind names a fault category. Kinds travel over the wire in completion
// callbacks, so their string values are stable.
type Kind string

const (
	// Permanent kinds.
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindAuth       Kind = "auth"
	KindMalformed  Kind = "malformed"
	KindUnknown    Kind = "unknown"

	// Operation-class transient kinds, retried inside the worker.
	KindTimeout            Kind = "timeout"
	KindNetwork            Kind = "network"
	KindRateLimit          Kind = "rate_limit"
	KindUnavailable        Kind = "unavailable"
	KindOperationExhausted Kind = "operation_exhausted"

	// Infrastructure-class transient kinds, retried by the orchestrator.
	KindOutOfMemory        Kind = "out_of_memory"
	KindDBConnection       Kind = "db_connection"
	KindBrokerConnection   Kind = "broker_connection"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindWorkerLost         Kind = "worker_lost"
	KindShutdown           Kind = "shutdown"
)

// Class decides which layer, if any, owns the retry of a fault.
type Class int

const (
	Permanent Class = iota
	TransientOperation
	TransientInfrastructure
)

func (c Class) String() string {
	switch c {
	case TransientOperation:
		return "transient_operation"
	case TransientInfrastructure:
		return "transient_infrastructure"
	default:
		return "permanent"
	}
}

// ClassOf returns the class a kind belongs to. Unrecognised kinds are permanent.
func ClassOf(k Kind) Class {
	switch k {
	case KindTimeout, KindNetwork, KindRateLimit, KindUnavailable:
		return TransientOperation
	case KindOutOfMemory, KindDBConnection, KindBrokerConnection,
		KindStorageUnavailable, KindWorkerLost, KindShutdown:
		return TransientInfrastructure
	default:
		// operation_exhausted lands here: the operation budget is already spent.
		return Permanent
	}
}

// Error is a fault with an explicit kind.
type Error struct {
	Kind       Kind
	Op         string
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a fault of the given kind with a message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromKind rebuilds a fault reported by a remote worker.
func FromKind(kind, msg string) *Error {
	k := Kind(kind)
	if k == "" {
		k = KindUnknown
	}
	return &Error{Kind: k, Err: errors.New(msg)}
}

// KindOf returns the classified kind of err.
func KindOf(err error) Kind {
	return Classify(err).Kind
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
