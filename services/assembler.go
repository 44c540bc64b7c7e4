package services

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/apperror"
	"github.com/Yulian302/lfusys-services-transfer/logging"
	"github.com/Yulian302/lfusys-services-transfer/models"
	"github.com/Yulian302/lfusys-services-transfer/store"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	assemblyBufferSize = 1 << 20
	mirrorTimeout      = 30 * time.Minute
)

var tracer = otel.Tracer("github.com/Yulian302/lfusys-services-transfer/services")

type Assembler struct {
	sessions  store.SessionStore
	chunks    *store.ChunkStore
	ledger    *Ledger
	artifacts ArtifactRecorder
	quota     QuotaNotifier
	mirror    ArtifactMirror
	opts      TransferOptions
	clock     clock.Clock

	metrics *Metrics
	logger  logging.Logger

	background sync.WaitGroup
}

func NewAssembler(
	sessions store.SessionStore,
	chunks *store.ChunkStore,
	ledger *Ledger,
	artifacts ArtifactRecorder,
	quota QuotaNotifier,
	mirror ArtifactMirror,
	opts TransferOptions,
	clk clock.Clock,
	m *Metrics,
	l logging.Logger,
) *Assembler {
	return &Assembler{
		sessions:  sessions,
		chunks:    chunks,
		ledger:    ledger,
		artifacts: artifacts,
		quota:     quota,
		mirror:    mirror,
		opts:      opts,
		clock:     clk,
		metrics:   m,
		logger:    l,
	}
}

// checkComplete returns an IncompleteUploadError unless chunks hold every
// index of [0,total) exactly once.
func checkComplete(total uint32, chunks []models.ChunkDescriptor) error {
	seen := make(map[uint32]bool, len(chunks))
	duplicates := []uint32{}
	indices := make([]uint32, 0, len(chunks))
	for _, c := range chunks {
		if seen[c.Index] {
			duplicates = append(duplicates, c.Index)
			continue
		}
		seen[c.Index] = true
		indices = append(indices, c.Index)
	}
	missing := models.MissingIndices(total, indices)
	if len(missing) > 0 || len(duplicates) > 0 {
		return &apperror.IncompleteUploadError{Missing: missing, Duplicates: duplicates}
	}
	return nil
}

// CompleteUpload merges the staged chunks into the final artifact. Gaps are
// reported without touching the session; any failure after the assembly
// claim moves the session to failed.
func (a *Assembler) CompleteUpload(ctx context.Context, ownerID, sessionID string) (resp *models.CompleteUploadResponse, err error) {
	ctx, span := tracer.Start(ctx, "assembler.complete_upload", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	session, err := loadOwned(ctx, a.sessions, ownerID, models.DirectionUpload, sessionID)
	if err != nil {
		return nil, err
	}
	accepting := models.ChunkAcceptingStates(models.DirectionUpload)
	if !models.StateIn(session.State, accepting) {
		return nil, apperror.NewInvalidState("complete", session.State.String())
	}

	chunks, err := a.sessions.ListChunks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := checkComplete(session.TotalChunks, chunks); err != nil {
		return nil, err
	}

	err = a.sessions.ClaimAssembly(ctx, sessionID, a.clock.Now().UTC(), accepting)
	if errors.Is(err, store.ErrAlreadyClaimed) {
		return nil, apperror.NewInvalidState("complete", "assembling")
	}
	if err != nil {
		return nil, err
	}

	// The claim commits the server to the assembly. A client that goes away
	// must not fail a complete upload.
	ctx = context.WithoutCancel(ctx)
	if a.opts.AssemblyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.AssemblyTimeout)
		defer cancel()
	}

	started := a.clock.Now()
	a.logger.Info("assembly started", "session_id", sessionID, "chunks", session.TotalChunks, "size", session.DeclaredSize)

	artifactPath, size, contentHash, err := a.merge(ctx, session)
	if err != nil {
		a.fail(ctx, session, err.Error())
		return nil, fmt.Errorf("%w: %v", apperror.ErrAssembly, err)
	}

	artifactID, err := a.artifacts.PersistFinalArtifact(ctx, ownerID, models.ArtifactMetadata{
		UploadId:    sessionID,
		Name:        session.ResourceName,
		StoragePath: artifactPath,
		Size:        size,
		Checksum:    contentHash,
	})
	if err != nil {
		_ = os.Remove(artifactPath)
		a.fail(ctx, session, "persisting artifact: "+err.Error())
		return nil, fmt.Errorf("%w: persisting artifact: %v", apperror.ErrAssembly, err)
	}

	now := a.clock.Now().UTC()
	_, err = a.sessions.Transition(ctx, sessionID, models.Transition{
		From:            accepting,
		To:              models.StateCompleted,
		CompletedAt:     &now,
		FinalArtifactId: artifactID,
		ContentHash:     contentHash,
	})
	if err != nil {
		a.logger.Error("failed to mark upload completed", "session_id", sessionID, "artifact_id", artifactID, "error", err)
		a.fail(ctx, session, "recording completion: "+err.Error())
		return nil, fmt.Errorf("%w: recording completion: %v", apperror.ErrAssembly, err)
	}

	if err := a.chunks.RemoveAll(session.StagingPath); err != nil {
		a.logger.Warn("failed to remove staging area", "session_id", sessionID, "error", err)
	}

	a.quota.RecordQuotaDelta(ctx, ownerID, size, "upload_completed")
	a.mirrorArtifact(ctx, artifactID, artifactPath, size)

	a.metrics.assemblySeconds.Observe(a.clock.Now().Sub(started).Seconds())
	a.metrics.sessionsFinished.WithLabelValues(string(models.DirectionUpload), models.StateCompleted.String()).Inc()
	a.logger.Info("upload completed", "session_id", sessionID, "artifact_id", artifactID, "size", size)

	return &models.CompleteUploadResponse{
		SessionId:       sessionID,
		FinalArtifactId: artifactID,
		Size:            size,
		ContentHash:     contentHash,
	}, nil
}

// merge streams the chunk files in index order through a pipe into the
// artifact file. Each chunk file is deleted once copied.
func (a *Assembler) merge(ctx context.Context, session *models.TransferSession) (path string, size int64, contentHash string, err error) {
	if err := os.MkdirAll(a.opts.ArtifactsDir, 0o750); err != nil {
		return "", 0, "", fmt.Errorf("creating artifacts dir: %w", err)
	}
	path = filepath.Join(a.opts.ArtifactsDir, session.SessionId)

	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return "", 0, "", fmt.Errorf("creating artifact: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		for i := uint32(0); i < session.TotalChunks; i++ {
			if err := ctx.Err(); err != nil {
				pw.CloseWithError(err)
				return
			}

			f, err := a.chunks.Open(session.StagingPath, i)
			if errors.Is(err, os.ErrNotExist) {
				pw.CloseWithError(fmt.Errorf("chunk %d is recorded but not staged", i))
				return
			}
			if err != nil {
				pw.CloseWithError(fmt.Errorf("opening chunk %d: %w", i, err))
				return
			}

			_, err = io.Copy(pw, f)
			f.Close()
			if err != nil {
				pw.CloseWithError(fmt.Errorf("copying chunk %d: %w", i, err))
				return
			}

			if err := a.chunks.Remove(session.StagingPath, i); err != nil {
				a.logger.Warn("failed to remove merged chunk", "session_id", session.SessionId, "index", i, "error", err)
			}
		}
		pw.Close()
	}()

	hasher := sha256.New()
	bw := bufio.NewWriterSize(out, assemblyBufferSize)
	size, err = io.Copy(io.MultiWriter(bw, hasher), pr)
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		pr.CloseWithError(err)
		_ = os.Remove(path)
		return "", 0, "", err
	}

	if size != session.DeclaredSize {
		_ = os.Remove(path)
		return "", 0, "", fmt.Errorf("assembled %d bytes, declared %d", size, session.DeclaredSize)
	}

	return path, size, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (a *Assembler) fail(ctx context.Context, session *models.TransferSession, reason string) {
	now := a.clock.Now().UTC()
	_, err := a.sessions.Transition(context.WithoutCancel(ctx), session.SessionId, models.Transition{
		From:          []models.SessionState{models.StateInitiated, models.StateActive, models.StatePaused},
		To:            models.StateFailed,
		CompletedAt:   &now,
		FailureReason: reason,
	})
	if err != nil {
		a.logger.Error("failed to mark session failed", "session_id", session.SessionId, "reason", reason, "error", err)
		return
	}
	a.metrics.sessionsFinished.WithLabelValues(string(session.Direction), models.StateFailed.String()).Inc()
	a.logger.Warn("session failed", "session_id", session.SessionId, "direction", session.Direction, "reason", reason)
}

func (a *Assembler) mirrorArtifact(ctx context.Context, artifactID, path string, size int64) {
	if a.mirror == nil {
		return
	}
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
		defer cancel()
		if err := a.mirror.Mirror(mctx, store.ArtifactKey(artifactID), path, size); err != nil {
			a.logger.Error("failed to mirror artifact", "artifact_id", artifactID, "error", err)
		}
	}()
}

// Wait blocks until background mirroring has finished or ctx is done.
func (a *Assembler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FetchChunk streams one chunk of a download session into w. begin is called
// with the byte range right before the first byte is written. The chunk is
// recorded only after the whole range was written.
func (a *Assembler) FetchChunk(ctx context.Context, ownerID, sessionID string, index uint32, w io.Writer, begin func(models.ByteRange)) error {
	session, err := loadOwned(ctx, a.sessions, ownerID, models.DirectionDownload, sessionID)
	if err != nil {
		return err
	}
	accepting := models.ChunkAcceptingStates(models.DirectionDownload)
	if !models.StateIn(session.State, accepting) {
		return apperror.NewInvalidState("fetch chunk from", session.State.String())
	}

	start, end, length, err := session.ChunkRange(index)
	if err != nil {
		return fmt.Errorf("%w: %v", apperror.ErrInvalidRequest, err)
	}

	f, err := os.Open(session.SourcePath)
	if errors.Is(err, os.ErrNotExist) {
		a.fail(ctx, session, "source file missing")
		return fmt.Errorf("%w: source of session %s is missing", apperror.ErrSessionFailed, sessionID)
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if st, err := f.Stat(); err == nil && st.Size() <= end {
		a.fail(ctx, session, "source file truncated")
		return fmt.Errorf("%w: source of session %s is shorter than declared", apperror.ErrSessionFailed, sessionID)
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return err
	}

	if begin != nil {
		begin(models.ByteRange{
			Index:       index,
			Start:       start,
			End:         end,
			Length:      length,
			Size:        session.DeclaredSize,
			TotalChunks: session.TotalChunks,
		})
	}
	if _, err := io.CopyN(w, f, length); err != nil {
		a.metrics.chunks.WithLabelValues(string(models.DirectionDownload), "interrupted").Inc()
		return fmt.Errorf("streaming chunk %d: %w", index, err)
	}
	a.metrics.chunkBytes.WithLabelValues(string(models.DirectionDownload)).Add(float64(length))

	result, err := a.ledger.Record(ctx, sessionID, models.ChunkDescriptor{
		Index:       index,
		Size:        length,
		ByteStart:   start,
		ByteEnd:     end,
		CompletedAt: a.clock.Now().UTC(),
	}, accepting)
	if err != nil {
		a.logger.Warn("chunk streamed but not recorded", "session_id", sessionID, "index", index, "error", err)
		return err
	}
	a.metrics.chunks.WithLabelValues(string(models.DirectionDownload), result.String()).Inc()

	if result == models.ChunkRecorded {
		a.completeDownloadIfDone(ctx, sessionID)
	}
	return nil
}

func (a *Assembler) completeDownloadIfDone(ctx context.Context, sessionID string) {
	progress, err := a.sessions.GetProgress(ctx, sessionID)
	if err != nil {
		a.logger.Warn("could not read download progress", "session_id", sessionID, "error", err)
		return
	}
	if len(models.MissingIndices(progress.TotalChunks, progress.Completed)) > 0 {
		return
	}

	now := a.clock.Now().UTC()
	_, err = a.sessions.Transition(ctx, sessionID, models.Transition{
		From:        []models.SessionState{models.StateActive},
		To:          models.StateCompleted,
		CompletedAt: &now,
	})
	if err != nil {
		if !errors.Is(err, apperror.ErrInvalidState) {
			a.logger.Warn("failed to complete download", "session_id", sessionID, "error", err)
		}
		return
	}
	a.metrics.sessionsFinished.WithLabelValues(string(models.DirectionDownload), models.StateCompleted.String()).Inc()
	a.logger.Info("download completed", "session_id", sessionID)
}
