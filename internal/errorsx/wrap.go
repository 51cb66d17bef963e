package errorsx

import "errors"

// KindError wraps an error with a failure kind.
type KindError struct {
	Err  error
	Kind Kind
}

func (e KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e KindError) Unwrap() error {
	return e.Err
}

// Wrap attaches a kind to an error (no-op if err is nil or already classified).
func Wrap(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	var ke KindError
	if errors.As(err, &ke) {
		return err
	}
	return KindError{Err: err, Kind: kind}
}

// KindOf extracts the kind from an error, if present.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ke KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindUnknown
}

// Is returns true if err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
