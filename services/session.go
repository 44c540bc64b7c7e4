package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/apperror"
	"github.com/Yulian302/lfusys-services-transfer/config"
	"github.com/Yulian302/lfusys-services-transfer/logging"
	"github.com/Yulian302/lfusys-services-transfer/models"
	"github.com/Yulian302/lfusys-services-transfer/store"
	"github.com/google/uuid"
	"github.com/juju/clock"
)

type TransferOptions struct {
	DefaultChunkSize int64
	MinChunkSize     int64
	MaxChunkSize     int64
	MaxFileSize      int64

	TTL             time.Duration
	ChunkOpTimeout  time.Duration
	AssemblyTimeout time.Duration
	ArtifactsDir    string
	PresignTTL      time.Duration
}

func OptionsFromConfig(cfg config.Config) TransferOptions {
	return TransferOptions{
		DefaultChunkSize: cfg.Sessions.DefaultChunkSize,
		MinChunkSize:     cfg.Sessions.MinChunkSize,
		MaxChunkSize:     cfg.Sessions.MaxChunkSize,
		MaxFileSize:      cfg.Sessions.MaxFileSize,
		TTL:              cfg.Sessions.TTL,
		ChunkOpTimeout:   cfg.Sessions.ChunkOpTimeout,
		AssemblyTimeout:  cfg.Sessions.AssemblyTimeout,
		ArtifactsDir:     cfg.Storage.ArtifactsDir,
		PresignTTL:       15 * time.Minute,
	}
}

type InitiateUploadRequest struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	ChunkSize int64  `json:"chunk_size"`
}

type InitiateDownloadRequest struct {
	FileId    string `json:"file_id"`
	ChunkSize int64  `json:"chunk_size"`
}

type SessionService interface {
	InitiateUpload(ctx context.Context, ownerID string, req InitiateUploadRequest) (*models.InitiateResponse, error)
	InitiateDownload(ctx context.Context, ownerID string, req InitiateDownloadRequest) (*models.InitiateResponse, error)
	SubmitChunk(ctx context.Context, ownerID, sessionID string, index uint32, body io.Reader, checksum string) (*models.ChunkSubmitResponse, error)

	Pause(ctx context.Context, ownerID string, dir models.Direction, sessionID string) (*models.SessionSummary, error)
	Resume(ctx context.Context, ownerID string, dir models.Direction, sessionID string) (*models.ResumeResponse, error)
	Cancel(ctx context.Context, ownerID string, dir models.Direction, sessionID string) (*models.SessionSummary, error)
	Status(ctx context.Context, ownerID string, dir models.Direction, sessionID string) (*models.SessionStatusResponse, error)
	List(ctx context.Context, ownerID string, dir models.Direction, state models.SessionState) ([]models.SessionSummary, error)
}

type SessionServiceImpl struct {
	sessions store.SessionStore
	chunks   *store.ChunkStore
	ledger   *Ledger
	files    FileResolver
	mirror   ArtifactMirror
	opts     TransferOptions
	clock    clock.Clock

	metrics *Metrics
	logger  logging.Logger
}

func NewSessionServiceImpl(
	sessions store.SessionStore,
	chunks *store.ChunkStore,
	ledger *Ledger,
	files FileResolver,
	mirror ArtifactMirror,
	opts TransferOptions,
	clk clock.Clock,
	m *Metrics,
	l logging.Logger,
) *SessionServiceImpl {
	return &SessionServiceImpl{
		sessions: sessions,
		chunks:   chunks,
		ledger:   ledger,
		files:    files,
		mirror:   mirror,
		opts:     opts,
		clock:    clk,
		metrics:  m,
		logger:   l,
	}
}

// loadOwned fetches a session and hides it from anyone but its owner.
func loadOwned(ctx context.Context, sessions store.SessionStore, ownerID string, dir models.Direction, sessionID string) (*models.TransferSession, error) {
	session, err := sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.OwnerId != ownerID || session.Direction != dir {
		return nil, apperror.ErrSessionNotFound
	}
	return session, nil
}

func (svc *SessionServiceImpl) chunkSize(requested int64) (int64, error) {
	if requested == 0 {
		return svc.opts.DefaultChunkSize, nil
	}
	if requested < svc.opts.MinChunkSize || requested > svc.opts.MaxChunkSize {
		return 0, fmt.Errorf("%w: chunk size %d outside [%d, %d]",
			apperror.ErrInvalidRequest, requested, svc.opts.MinChunkSize, svc.opts.MaxChunkSize)
	}
	return requested, nil
}

func (svc *SessionServiceImpl) InitiateUpload(ctx context.Context, ownerID string, req InitiateUploadRequest) (*models.InitiateResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%w: invalid file name %q", apperror.ErrInvalidRequest, req.Name)
	}
	if req.Size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive", apperror.ErrInvalidRequest)
	}
	if req.Size > svc.opts.MaxFileSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", apperror.ErrInvalidRequest, req.Size, svc.opts.MaxFileSize)
	}
	chunkSize, err := svc.chunkSize(req.ChunkSize)
	if err != nil {
		return nil, err
	}
	total := models.TotalChunks(req.Size, chunkSize)
	if total == 0 {
		return nil, fmt.Errorf("%w: no chunks for size %d", apperror.ErrInvalidRequest, req.Size)
	}

	id := uuid.NewString()
	staging, err := svc.chunks.Allocate(id)
	if err != nil {
		return nil, err
	}

	now := svc.clock.Now().UTC()
	session := models.TransferSession{
		SessionId:    id,
		OwnerId:      ownerID,
		Direction:    models.DirectionUpload,
		ResourceName: name,
		DeclaredSize: req.Size,
		ChunkSize:    chunkSize,
		TotalChunks:  total,
		State:        models.StateInitiated,
		CreatedAt:    now,
		ExpiresAt:    now.Add(svc.opts.TTL),
		StagingPath:  staging,
	}
	if err := svc.sessions.CreateSession(ctx, session); err != nil {
		_ = svc.chunks.RemoveAll(staging)
		svc.logger.Error("failed to create upload session", "session_id", id, "error", err)
		return nil, err
	}

	svc.metrics.sessionsStarted.WithLabelValues(string(models.DirectionUpload)).Inc()
	svc.logger.Info("upload initiated", "session_id", id, "owner_id", ownerID, "size", req.Size, "total_chunks", total)

	return &models.InitiateResponse{
		SessionSummary: models.SummaryOf(session),
		ChunkSize:      chunkSize,
	}, nil
}

func (svc *SessionServiceImpl) InitiateDownload(ctx context.Context, ownerID string, req InitiateDownloadRequest) (*models.InitiateResponse, error) {
	if req.FileId == "" {
		return nil, fmt.Errorf("%w: file_id is required", apperror.ErrInvalidRequest)
	}
	chunkSize, err := svc.chunkSize(req.ChunkSize)
	if err != nil {
		return nil, err
	}

	file, err := svc.files.ResolveAccessibleFile(ctx, req.FileId, ownerID)
	if err != nil {
		return nil, err
	}

	st, err := os.Stat(file.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: content of file %s is missing", apperror.ErrNotFound, req.FileId)
	}
	if err != nil {
		return nil, err
	}
	if st.Size() != file.Size {
		svc.logger.Warn("catalog size differs from file on disk", "file_id", file.FileId, "catalog", file.Size, "disk", st.Size())
	}
	size := st.Size()
	total := models.TotalChunks(size, chunkSize)
	if total == 0 {
		return nil, fmt.Errorf("%w: file %s is empty", apperror.ErrInvalidRequest, req.FileId)
	}

	now := svc.clock.Now().UTC()
	session := models.TransferSession{
		SessionId:    uuid.NewString(),
		OwnerId:      ownerID,
		Direction:    models.DirectionDownload,
		ResourceName: file.Name,
		DeclaredSize: size,
		ChunkSize:    chunkSize,
		TotalChunks:  total,
		State:        models.StateActive,
		CreatedAt:    now,
		ExpiresAt:    now.Add(svc.opts.TTL),
		SourcePath:   file.Path,
		SourceFileId: file.FileId,
	}
	if err := svc.sessions.CreateSession(ctx, session); err != nil {
		svc.logger.Error("failed to create download session", "session_id", session.SessionId, "error", err)
		return nil, err
	}

	resp := &models.InitiateResponse{
		SessionSummary: models.SummaryOf(session),
		ChunkSize:      chunkSize,
	}
	if svc.mirror != nil {
		url, ok, err := svc.mirror.PresignDownload(ctx, store.ArtifactKey(file.FileId), svc.opts.PresignTTL)
		if err != nil {
			svc.logger.Warn("could not presign mirrored artifact", "file_id", file.FileId, "error", err)
		} else if ok {
			resp.DirectUrl = url
		}
	}

	svc.metrics.sessionsStarted.WithLabelValues(string(models.DirectionDownload)).Inc()
	svc.logger.Info("download initiated", "session_id", session.SessionId, "file_id", file.FileId, "size", size, "total_chunks", total)
	return resp, nil
}

// SubmitChunk stages, verifies and records one upload chunk. Staged bytes of
// a rejected submission are removed unless the index turns out to be
// recorded.
func (svc *SessionServiceImpl) SubmitChunk(ctx context.Context, ownerID, sessionID string, index uint32, body io.Reader, checksum string) (*models.ChunkSubmitResponse, error) {
	session, err := loadOwned(ctx, svc.sessions, ownerID, models.DirectionUpload, sessionID)
	if err != nil {
		return nil, err
	}
	accepting := models.ChunkAcceptingStates(models.DirectionUpload)
	if !models.StateIn(session.State, accepting) {
		return nil, apperror.NewInvalidState("submit chunk to", session.State.String())
	}
	if session.AssemblyClaimedAt != nil {
		return nil, apperror.NewInvalidState("submit chunk to", "assembling")
	}

	start, end, length, err := session.ChunkRange(index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperror.ErrInvalidRequest, err)
	}

	verifier, err := newChecksumVerifier(checksum)
	if err != nil {
		return nil, err
	}
	var sinks []io.Writer
	if verifier != nil {
		sinks = append(sinks, verifier)
	}

	pending, err := svc.chunks.Receive(session.StagingPath, index, body, length, sinks...)
	if errors.Is(err, store.ErrChunkTooLarge) {
		svc.metrics.chunks.WithLabelValues(string(models.DirectionUpload), "integrity").Inc()
		return nil, fmt.Errorf("%w: chunk %d larger than %d bytes", apperror.ErrIntegrity, index, length)
	}
	if err != nil {
		return nil, err
	}
	if pending.Size != length {
		svc.chunks.Discard(pending)
		svc.metrics.chunks.WithLabelValues(string(models.DirectionUpload), "integrity").Inc()
		return nil, fmt.Errorf("%w: chunk %d has %d bytes, expected %d", apperror.ErrIntegrity, index, pending.Size, length)
	}
	desc := models.ChunkDescriptor{
		Index:       index,
		Size:        length,
		ByteStart:   start,
		ByteEnd:     end,
		CompletedAt: svc.clock.Now().UTC(),
	}
	if verifier != nil {
		if err := verifier.Verify(); err != nil {
			svc.chunks.Discard(pending)
			svc.metrics.chunks.WithLabelValues(string(models.DirectionUpload), "integrity").Inc()
			return nil, fmt.Errorf("chunk %d: %w", index, err)
		}
		desc.Checksum = verifier.String()
	}

	created, err := svc.chunks.Commit(pending)
	if err != nil {
		svc.chunks.Discard(pending)
		return nil, err
	}
	defer svc.chunks.Discard(pending)

	result, err := svc.ledger.Record(ctx, sessionID, desc, accepting)
	if err != nil {
		result, err = svc.compensate(ctx, session, pending, created, err)
		if err != nil {
			svc.metrics.chunks.WithLabelValues(string(models.DirectionUpload), "rejected").Inc()
			return nil, err
		}
	} else if !created {
		// The submission that staged the file may have removed it while
		// compensating for its own failed append.
		if restored, err := svc.chunks.Commit(pending); err != nil {
			svc.logger.Warn("failed to restage chunk", "session_id", sessionID, "index", index, "error", err)
		} else if restored {
			svc.logger.Info("restaged chunk removed by a concurrent submission", "session_id", sessionID, "index", index)
		}
	}

	state := session.State
	if result == models.ChunkRecorded && session.State == models.StateInitiated {
		state = svc.activate(ctx, sessionID)
	}

	svc.metrics.chunks.WithLabelValues(string(models.DirectionUpload), result.String()).Inc()
	if result == models.ChunkRecorded {
		svc.metrics.chunkBytes.WithLabelValues(string(models.DirectionUpload)).Add(float64(length))
	}
	svc.logger.Debug("chunk submitted", "session_id", sessionID, "index", index, "result", result.String())

	return &models.ChunkSubmitResponse{
		SessionId: sessionID,
		Index:     index,
		Result:    result.String(),
		State:     state,
	}, nil
}

// compensate decides the fate of a staged file after a failed append. If
// the index is recorded (by us before a timeout, or by a concurrent
// submission) the file stays and the submission counts as already present.
func (svc *SessionServiceImpl) compensate(ctx context.Context, session *models.TransferSession, pending *store.PendingChunk, created bool, appendErr error) (models.AppendResult, error) {
	sessionID := session.SessionId
	index := pending.Index
	if !created {
		return 0, appendErr
	}

	recorded, err := svc.ledger.Recorded(context.WithoutCancel(ctx), sessionID, index)
	if err != nil {
		svc.logger.Warn("could not verify chunk after failed append, keeping staged file",
			"session_id", sessionID, "index", index, "append_error", appendErr, "error", err)
		return 0, appendErr
	}
	if recorded {
		if ambiguous(appendErr) {
			svc.logger.Info("chunk append reported failure but index is recorded",
				"session_id", sessionID, "index", index, "append_error", appendErr)
		}
		return models.ChunkAlreadyPresent, nil
	}

	if err := svc.chunks.Remove(session.StagingPath, index); err != nil {
		svc.logger.Warn("failed to remove rejected chunk", "session_id", sessionID, "index", index, "error", err)
		return 0, appendErr
	}

	// A concurrent submission may have recorded the index after the check
	// above, relying on the file just removed.
	recorded, err = svc.ledger.Recorded(context.WithoutCancel(ctx), sessionID, index)
	if err != nil || recorded {
		if _, cerr := svc.chunks.Commit(pending); cerr != nil {
			svc.logger.Error("failed to restage chunk", "session_id", sessionID, "index", index, "error", cerr)
		}
	}
	if err == nil && recorded {
		return models.ChunkAlreadyPresent, nil
	}
	return 0, appendErr
}

// activate moves a fresh upload to active. Failure is logged only: the
// chunk is already recorded and another submission may have won.
func (svc *SessionServiceImpl) activate(ctx context.Context, sessionID string) models.SessionState {
	opCtx, cancel := context.WithTimeout(ctx, svc.opts.ChunkOpTimeout)
	defer cancel()

	updated, err := svc.sessions.Transition(opCtx, sessionID, models.Transition{
		From: []models.SessionState{models.StateInitiated},
		To:   models.StateActive,
	})
	if err != nil {
		if !errors.Is(err, apperror.ErrInvalidState) {
			svc.logger.Warn("failed to activate upload", "session_id", sessionID, "error", err)
		}
		return models.StateActive
	}
	return updated.State
}

func (svc *SessionServiceImpl) Pause(ctx context.Context, ownerID string, dir models.Direction, sessionID string) (*models.SessionSummary, error) {
	if _, err := loadOwned(ctx, svc.sessions, ownerID, dir, sessionID); err != nil {
		return nil, err
	}
	updated, err := svc.sessions.Transition(ctx, sessionID, models.Transition{
		From:      []models.SessionState{models.StateActive},
		To:        models.StatePaused,
		Unclaimed: true,
	})
	if err != nil {
		return nil, err
	}
	svc.logger.Info("session paused", "session_id", sessionID, "direction", dir)
	summary := models.SummaryOf(*updated)
	return &summary, nil
}

func (svc *SessionServiceImpl) Resume(ctx context.Context, ownerID string, dir models.Direction, sessionID string) (*models.ResumeResponse, error) {
	if _, err := loadOwned(ctx, svc.sessions, ownerID, dir, sessionID); err != nil {
		return nil, err
	}
	updated, err := svc.sessions.Transition(ctx, sessionID, models.Transition{
		From:      []models.SessionState{models.StatePaused},
		To:        models.StateActive,
		Unclaimed: true,
	})
	if err != nil {
		return nil, err
	}

	progress, err := svc.sessions.GetProgress(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	svc.logger.Info("session resumed", "session_id", sessionID, "direction", dir, "completed", len(progress.Completed))

	return &models.ResumeResponse{
		SessionId: sessionID,
		State:     updated.State,
		Missing:   models.MissingIndices(progress.TotalChunks, progress.Completed),
		Completed: progress.Completed,
	}, nil
}

// Cancel is idempotent: cancelling a cancelled session succeeds.
func (svc *SessionServiceImpl) Cancel(ctx context.Context, ownerID string, dir models.Direction, sessionID string) (*models.SessionSummary, error) {
	session, err := loadOwned(ctx, svc.sessions, ownerID, dir, sessionID)
	if err != nil {
		return nil, err
	}

	now := svc.clock.Now().UTC()
	updated, err := svc.sessions.Transition(ctx, sessionID, models.Transition{
		From:        []models.SessionState{models.StateInitiated, models.StateActive, models.StatePaused},
		To:          models.StateCancelled,
		Unclaimed:   true,
		CompletedAt: &now,
	})
	var stateErr *apperror.InvalidStateError
	if errors.As(err, &stateErr) && stateErr.State == models.StateCancelled.String() {
		updated, err = session, nil
		updated.State = models.StateCancelled
	}
	if err != nil {
		return nil, err
	}

	if dir == models.DirectionUpload {
		if err := svc.chunks.RemoveAll(session.StagingPath); err != nil {
			svc.logger.Warn("failed to release staging area", "session_id", sessionID, "error", err)
		}
	}
	if stateErr == nil {
		svc.metrics.sessionsFinished.WithLabelValues(string(dir), models.StateCancelled.String()).Inc()
		svc.logger.Info("session cancelled", "session_id", sessionID, "direction", dir)
	}

	summary := models.SummaryOf(*updated)
	return &summary, nil
}

func (svc *SessionServiceImpl) Status(ctx context.Context, ownerID string, dir models.Direction, sessionID string) (*models.SessionStatusResponse, error) {
	progress, err := svc.sessions.GetProgress(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if progress.OwnerId != ownerID || progress.Direction != dir {
		return nil, apperror.ErrSessionNotFound
	}

	var bytesDone int64
	for _, idx := range progress.Completed {
		if _, _, n, err := models.ChunkRange(idx, progress.DeclaredSize, progress.ChunkSize); err == nil {
			bytesDone += n
		}
	}

	var pct uint8
	if progress.TotalChunks > 0 {
		p := float64(len(progress.Completed)) / float64(progress.TotalChunks) * 100
		if p > 100 {
			p = 100
		}
		pct = uint8(p)
	}

	return &models.SessionStatusResponse{
		SessionId:       progress.SessionId,
		Direction:       progress.Direction,
		State:           progress.State,
		Progress:        pct,
		TotalChunks:     progress.TotalChunks,
		CompletedChunks: uint32(len(progress.Completed)),
		MissingChunks:   models.MissingIndices(progress.TotalChunks, progress.Completed),
		BytesCompleted:  bytesDone,
		DeclaredSize:    progress.DeclaredSize,
	}, nil
}

func (svc *SessionServiceImpl) List(ctx context.Context, ownerID string, dir models.Direction, state models.SessionState) ([]models.SessionSummary, error) {
	sessions, err := svc.sessions.ListByOwner(ctx, ownerID, state)
	if err != nil {
		return nil, err
	}
	out := make([]models.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		if dir != "" && s.Direction != dir {
			continue
		}
		out = append(out, models.SummaryOf(s))
	}
	return out, nil
}
