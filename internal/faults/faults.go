// internal/faults/faults.go
package faults

import "errors"

// Kind classifies a domain fault so the boundary layer can pick a response
// without inspecting message text.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindPolicyViolation Kind = "policy_violation"
	KindForbidden       Kind = "forbidden"
)

// Fault is an expected, recoverable-by-caller domain error. The set of faults
// is closed: services declare them as package-level sentinels and callers
// match with errors.Is. Infrastructure errors are never wrapped in a Fault.
type Fault struct {
	Kind    Kind
	Code    string
	Message string
}

func (f *Fault) Error() string {
	return f.Message
}

// NotFound declares a KindNotFound sentinel.
func NotFound(code, message string) *Fault {
	return &Fault{Kind: KindNotFound, Code: code, Message: message}
}

// Conflict declares a KindConflict sentinel.
func Conflict(code, message string) *Fault {
	return &Fault{Kind: KindConflict, Code: code, Message: message}
}

// PolicyViolation declares a KindPolicyViolation sentinel.
func PolicyViolation(code, message string) *Fault {
	return &Fault{Kind: KindPolicyViolation, Code: code, Message: message}
}

// Forbidden declares a KindForbidden sentinel.
func Forbidden(code, message string) *Fault {
	return &Fault{Kind: KindForbidden, Code: code, Message: message}
}

// KindOf returns the fault kind, or "" if err is not a domain fault.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}
