package scraper

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrAuthentication     = errors.New("authentication error")
	ErrRateLimited        = errors.New("rate limited")
	ErrNetwork            = errors.New("network error")
	ErrChannelAccess      = errors.New("channel access error")
	ErrValidation         = errors.New("validation error")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrTransientExhausted = errors.New("transient failures exhausted")
)

var kindNames = []struct {
	kind error
	name string
}{
	{ErrAuthentication, "authentication_error"},
	{ErrRateLimited, "rate_limited"},
	{ErrNetwork, "network_error"},
	{ErrChannelAccess, "channel_access_error"},
	{ErrValidation, "validation_error"},
	{ErrResourceExhausted, "resource_exhausted"},
	{ErrNotFound, "not_found"},
	{ErrConflict, "conflict"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrTransientExhausted, "transient_exhausted"},
}

// Error attaches a kind and the failing operation to an underlying error.
type Error struct {
	Kind error
	Op   string
	Err  error
}

// E builds an *Error.
func E(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind error, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := ""
	switch {
	case e.Err != nil:
		msg = e.Err.Error()
	case e.Kind != nil:
		msg = e.Kind.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// KindOf returns the first known kind matched by err, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kindNames {
		if errors.Is(err, k.kind) {
			return k.kind
		}
	}
	return nil
}

// KindName returns the stable identifier of err's kind ("internal_error" when unknown).
func KindName(err error) string {
	kind := KindOf(err)
	for _, k := range kindNames {
		if k.kind == kind {
			return k.name
		}
	}
	return "internal_error"
}

// Describe renders the persisted error descriptor "<kind>: <message>".
func Describe(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	var se *Error
	if errors.As(err, &se) && se.Err != nil {
		msg = se.Err.Error()
	}
	return KindName(err) + ": " + msg
}
