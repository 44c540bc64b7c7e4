package store

import (
	"context"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/health"
	"github.com/Yulian302/lfusys-services-transfer/models"
	"github.com/juju/errors"
)

const (
	// ErrConflict means a concurrent writer invalidated an optimistic write.
	// Nothing was applied; the caller may retry.
	ErrConflict = errors.ConstError("session store write conflict")

	// ErrAlreadyClaimed is returned by ClaimAssembly when another caller
	// holds the assembly claim.
	ErrAlreadyClaimed = errors.ConstError("assembly already claimed")
)

// SessionStore persists transfer sessions. Every mutation is conditional:
// nothing in this interface overwrites a session unconditionally.
type SessionStore interface {
	CreateSession(ctx context.Context, session models.TransferSession) error
	GetSession(ctx context.Context, sessionID string) (*models.TransferSession, error)
	GetProgress(ctx context.Context, sessionID string) (*models.SessionProgress, error)
	ListChunks(ctx context.Context, sessionID string) ([]models.ChunkDescriptor, error)
	HasChunk(ctx context.Context, sessionID string, index uint32) (bool, error)

	// AppendChunk records chunk only if no descriptor with the same index
	// exists and the session is in one of accepting.
	AppendChunk(ctx context.Context, sessionID string, chunk models.ChunkDescriptor, accepting []models.SessionState) (models.AppendResult, error)

	Transition(ctx context.Context, sessionID string, t models.Transition) (*models.TransferSession, error)
	ClaimAssembly(ctx context.Context, sessionID string, at time.Time, accepting []models.SessionState) error

	ListByOwner(ctx context.Context, ownerID string, state models.SessionState) ([]models.TransferSession, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.TransferSession, error)

	// Delete removes the session and its descriptors. Deleting a missing
	// session is not an error.
	Delete(ctx context.Context, sessionID string) error

	health.ReadinessCheck
}
