package apperror

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

const (
	ErrInvalidRequest    = errors.ConstError("invalid request")
	ErrNotFound          = errors.ConstError("not found")
	ErrPermissionDenied  = errors.ConstError("permission denied")
	ErrInvalidState      = errors.ConstError("invalid session state")
	ErrRetryableConflict = errors.ConstError("concurrent update conflict, retry the request")
	ErrIntegrity         = errors.ConstError("chunk integrity check failed")
	ErrAssembly          = errors.ConstError("upload assembly failed")
	ErrSessionFailed     = errors.ConstError("session failed")
	ErrPayloadTooLarge   = errors.ConstError("payload too large")

	// ErrSessionNotFound is returned for unknown ids and for sessions owned by
	// a different principal.
	ErrSessionNotFound = errors.ConstError("session not found")
)

// IncompleteUploadError reports why an upload cannot be assembled yet.
type IncompleteUploadError struct {
	Missing    []uint32
	Duplicates []uint32
}

func (e *IncompleteUploadError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing chunks %s", formatIndices(e.Missing)))
	}
	if len(e.Duplicates) > 0 {
		parts = append(parts, fmt.Sprintf("duplicate chunks %s", formatIndices(e.Duplicates)))
	}
	return "upload incomplete: " + strings.Join(parts, "; ")
}

func (e *IncompleteUploadError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// InvalidStateError carries the state the session was found in.
type InvalidStateError struct {
	State string
	Op    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s session in state %q", e.Op, e.State)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// NewInvalidState builds an error matching ErrInvalidState.
func NewInvalidState(op, state string) error {
	return &InvalidStateError{State: state, Op: op}
}

func formatIndices(idx []uint32) string {
	const limit = 20
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range idx {
		if i == limit {
			fmt.Fprintf(&b, " ... +%d", len(idx)-limit)
			break
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d", v)
	}
	b.WriteByte(']')
	return b.String()
}
