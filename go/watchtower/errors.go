package watchtower

import "fmt"

// BadInputError reports a syntactically invalid signature-state input.
type BadInputError struct{ Message string }

func (e BadInputError) Error() string { return e.Message }

func badInputf(format string, args ...interface{}) error {
	return BadInputError{Message: fmt.Sprintf(format, args...)}
}

// NotWatchedError reports a state offered for a principal outside the
// configured watched set.
type NotWatchedError struct{ Principal string }

func (e NotWatchedError) Error() string {
	return fmt.Sprintf("principal %s is not watched", e.Principal)
}

// SignatureInvalidError reports a state the signature verifier refused.
type SignatureInvalidError struct{ Reason string }

func (e SignatureInvalidError) Error() string {
	return fmt.Sprintf("signature validation failed: %s", e.Reason)
}
