package services

import (
	"context"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/models"
)

// FileResolver answers "may principal read this" for the catalog.
type FileResolver interface {
	ResolveAccessibleFile(ctx context.Context, fileID, principal string) (*models.ResolvedFile, error)
	ResolveAccessibleFolderTree(ctx context.Context, folderID, principal string) ([]models.ResolvedTreeEntry, error)
}

type ArtifactRecorder interface {
	PersistFinalArtifact(ctx context.Context, ownerID string, meta models.ArtifactMetadata) (string, error)
}

// QuotaNotifier is fire-and-forget: implementations log their own failures.
type QuotaNotifier interface {
	RecordQuotaDelta(ctx context.Context, ownerID string, delta int64, reason string)
}

type ArtifactMirror interface {
	Mirror(ctx context.Context, key, path string, size int64) error
	PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
}
