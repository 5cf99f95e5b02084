package transit

import "errors"

// Kind classifies a pipeline failure.
type Kind string

const (
	KindLocationUnavailable  Kind = "LocationUnavailable"
	KindLocationDenied       Kind = "LocationDenied"
	KindLocationTimeout      Kind = "LocationTimeout"
	KindStopLookupFailed     Kind = "StopLookupFailed"
	KindNoStopFound          Kind = "NoStopFound"
	KindDepartureFetchFailed Kind = "DepartureFetchFailed"
)

// Sentinels for errors.Is matching against a Kind.
var (
	ErrLocationUnavailable  = &Error{Kind: KindLocationUnavailable}
	ErrLocationDenied       = &Error{Kind: KindLocationDenied}
	ErrLocationTimeout      = &Error{Kind: KindLocationTimeout}
	ErrStopLookupFailed     = &Error{Kind: KindStopLookupFailed}
	ErrNoStopFound          = &Error{Kind: KindNoStopFound}
	ErrDepartureFetchFailed = &Error{Kind: KindDepartureFetchFailed}
)

// Error is a classified failure of one pipeline stage. Err holds the underlying cause, if any.
type Error struct {
	Kind Kind
	Err  error
}

func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match on Kind alone, so errors.Is(err, ErrNoStopFound) works for any cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Category groups kinds into what the user sees: "location" or "data".
func (k Kind) Category() string {
	switch k {
	case KindLocationUnavailable, KindLocationDenied, KindLocationTimeout:
		return "location"
	default:
		return "data"
	}
}

// Message is the human readable text shown for a kind.
func (k Kind) Message() string {
	switch k {
	case KindLocationUnavailable:
		return "Location is not supported on this device."
	case KindLocationDenied, KindLocationTimeout:
		return "Failed to get location."
	case KindNoStopFound:
		return "No station found in your area."
	case KindStopLookupFailed:
		return "Failed to fetch station data."
	case KindDepartureFetchFailed:
		return "Failed to fetch transport data."
	}
	return "Unexpected error."
}
