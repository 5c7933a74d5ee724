package regmig

import (
	"errors"
	"fmt"
)

var (
	// ErrInitCallArgs marks init arguments a profile declares but the
	// calldata decoder cannot parse. Raised before any call is issued for
	// the contract.
	ErrInitCallArgs = errors.New("malformed init call arguments")

	// ErrLibraryUpgrade marks an Updated diff entry for a library.
	// Libraries are immutable; a new version is a new resource, so this
	// can only mean the comparison step upstream is broken.
	ErrLibraryUpgrade = errors.New("library resources cannot be upgraded")

	// ErrGuestMode marks registry bootstrap attempted by a run configured
	// to leave the root registry alone.
	ErrGuestMode = errors.New("registry is not deployed and the run is in guest mode")
)

// CallError wraps a remote call failure with the resource tag and the call
// kind that produced it.
type CallError struct {
	Tag  string
	Kind string
	Err  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Tag, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

func callFailed(kind, tag string, err error) error {
	if err == nil {
		return nil
	}
	return &CallError{Tag: tag, Kind: kind, Err: err}
}
