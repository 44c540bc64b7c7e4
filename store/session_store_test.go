package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/apperror"
	"github.com/Yulian302/lfusys-services-transfer/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both drivers run the same behaviour checks.

func newUploadSession(owner string, created time.Time) models.TransferSession {
	return models.TransferSession{
		SessionId:    uuid.NewString(),
		OwnerId:      owner,
		Direction:    models.DirectionUpload,
		ResourceName: "report.pdf",
		DeclaredSize: 2*1024*1024 + 512*1024,
		ChunkSize:    1024 * 1024,
		TotalChunks:  3,
		State:        models.StateInitiated,
		CreatedAt:    created.UTC().Truncate(time.Second),
		ExpiresAt:    created.Add(24 * time.Hour).UTC().Truncate(time.Second),
		StagingPath:  "/tmp/staging/x",
	}
}

func descriptor(s models.TransferSession, index uint32) models.ChunkDescriptor {
	start, end, length, _ := s.ChunkRange(index)
	return models.ChunkDescriptor{
		Index:       index,
		Size:        length,
		ByteStart:   start,
		ByteEnd:     end,
		CompletedAt: time.Now().UTC().Truncate(time.Second),
	}
}

var uploadAccepting = models.ChunkAcceptingStates(models.DirectionUpload)

// appendWithRetry mirrors what the ledger does with ErrConflict.
func appendWithRetry(ctx context.Context, st SessionStore, id string, c models.ChunkDescriptor) (models.AppendResult, error) {
	for {
		r, err := st.AppendChunk(ctx, id, c, uploadAccepting)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return r, err
	}
}

func runSessionStoreSuite(t *testing.T, newStore func(t *testing.T) SessionStore) {
	t.Run("create and get", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		s := newUploadSession("alice", time.Now())

		require.NoError(t, st.CreateSession(ctx, s))
		require.Error(t, st.CreateSession(ctx, s), "ids are unique")

		got, err := st.GetSession(ctx, s.SessionId)
		require.NoError(t, err)
		assert.Equal(t, s.OwnerId, got.OwnerId)
		assert.Equal(t, s.TotalChunks, got.TotalChunks)
		assert.Equal(t, models.StateInitiated, got.State)
		assert.True(t, s.ExpiresAt.Equal(got.ExpiresAt))

		_, err = st.GetSession(ctx, "missing")
		require.ErrorIs(t, err, apperror.ErrSessionNotFound)
	})

	t.Run("append records each index once", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		s := newUploadSession("alice", time.Now())
		require.NoError(t, st.CreateSession(ctx, s))

		r, err := appendWithRetry(ctx, st, s.SessionId, descriptor(s, 1))
		require.NoError(t, err)
		assert.Equal(t, models.ChunkRecorded, r)

		r, err = appendWithRetry(ctx, st, s.SessionId, descriptor(s, 1))
		require.NoError(t, err)
		assert.Equal(t, models.ChunkAlreadyPresent, r)

		has, err := st.HasChunk(ctx, s.SessionId, 1)
		require.NoError(t, err)
		assert.True(t, has)
		has, err = st.HasChunk(ctx, s.SessionId, 0)
		require.NoError(t, err)
		assert.False(t, has)

		chunks, err := st.ListChunks(ctx, s.SessionId)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, uint32(1), chunks[0].Index)
		assert.Equal(t, int64(1024*1024), chunks[0].ByteStart)

		progress, err := st.GetProgress(ctx, s.SessionId)
		require.NoError(t, err)
		assert.Equal(t, []uint32{1}, progress.Completed)
		assert.Equal(t, "alice", progress.OwnerId)

		_, err = st.AppendChunk(ctx, "missing", descriptor(s, 0), uploadAccepting)
		require.ErrorIs(t, err, apperror.ErrSessionNotFound)
	})

	t.Run("concurrent appends of one index", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		s := newUploadSession("alice", time.Now())
		require.NoError(t, st.CreateSession(ctx, s))

		const n = 16
		results := make([]models.AppendResult, n)
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = appendWithRetry(ctx, st, s.SessionId, descriptor(s, 2))
			}(i)
		}
		wg.Wait()

		recorded := 0
		for i := 0; i < n; i++ {
			require.NoError(t, errs[i])
			if results[i] == models.ChunkRecorded {
				recorded++
			}
		}
		assert.Equal(t, 1, recorded)

		chunks, err := st.ListChunks(ctx, s.SessionId)
		require.NoError(t, err)
		assert.Len(t, chunks, 1)
	})

	t.Run("concurrent appends of distinct indices", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		s := newUploadSession("alice", time.Now())
		require.NoError(t, st.CreateSession(ctx, s))

		var wg sync.WaitGroup
		for i := uint32(0); i < s.TotalChunks; i++ {
			wg.Add(1)
			go func(i uint32) {
				defer wg.Done()
				_, err := appendWithRetry(ctx, st, s.SessionId, descriptor(s, i))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		progress, err := st.GetProgress(ctx, s.SessionId)
		require.NoError(t, err)
		assert.ElementsMatch(t, []uint32{0, 1, 2}, progress.Completed)
	})

	t.Run("append respects state", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		s := newUploadSession("alice", time.Now())
		s.State = models.StatePaused
		require.NoError(t, st.CreateSession(ctx, s))

		_, err := st.AppendChunk(ctx, s.SessionId, descriptor(s, 0), uploadAccepting)
		require.ErrorIs(t, err, apperror.ErrInvalidState)

		has, err := st.HasChunk(ctx, s.SessionId, 0)
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("transition is conditional", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		s := newUploadSession("alice", time.Now())
		require.NoError(t, st.CreateSession(ctx, s))

		updated, err := st.Transition(ctx, s.SessionId, models.Transition{
			From: []models.SessionState{models.StateInitiated},
			To:   models.StateActive,
		})
		require.NoError(t, err)
		assert.Equal(t, models.StateActive, updated.State)

		_, err = st.Transition(ctx, s.SessionId, models.Transition{
			From: []models.SessionState{models.StateInitiated},
			To:   models.StateActive,
		})
		var stateErr *apperror.InvalidStateError
		require.ErrorAs(t, err, &stateErr)
		assert.Equal(t, "active", stateErr.State)

		now := time.Now().UTC().Truncate(time.Second)
		updated, err = st.Transition(ctx, s.SessionId, models.Transition{
			From:          []models.SessionState{models.StateActive},
			To:            models.StateFailed,
			CompletedAt:   &now,
			FailureReason: "disk full",
		})
		require.NoError(t, err)
		assert.Equal(t, "disk full", updated.FailureReason)

		got, err := st.GetSession(ctx, s.SessionId)
		require.NoError(t, err)
		assert.Equal(t, models.StateFailed, got.State)
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("assembly claim is exclusive", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		s := newUploadSession("alice", time.Now())
		s.State = models.StateActive
		require.NoError(t, st.CreateSession(ctx, s))

		require.NoError(t, st.ClaimAssembly(ctx, s.SessionId, time.Now().UTC(), uploadAccepting))
		require.ErrorIs(t, st.ClaimAssembly(ctx, s.SessionId, time.Now().UTC(), uploadAccepting), ErrAlreadyClaimed)

		_, err := st.Transition(ctx, s.SessionId, models.Transition{
			From:      []models.SessionState{models.StateActive},
			To:        models.StatePaused,
			Unclaimed: true,
		})
		var stateErr *apperror.InvalidStateError
		require.ErrorAs(t, err, &stateErr)
		assert.Equal(t, "assembling", stateErr.State)
	})

	t.Run("list by owner and state", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		a1 := newUploadSession("alice", time.Now())
		a2 := newUploadSession("alice", time.Now())
		b1 := newUploadSession("bob", time.Now())
		for _, s := range []models.TransferSession{a1, a2, b1} {
			require.NoError(t, st.CreateSession(ctx, s))
		}
		_, err := st.Transition(ctx, a2.SessionId, models.Transition{
			From: []models.SessionState{models.StateInitiated},
			To:   models.StateActive,
		})
		require.NoError(t, err)

		all, err := st.ListByOwner(ctx, "alice", "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		active, err := st.ListByOwner(ctx, "alice", models.StateActive)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, a2.SessionId, active[0].SessionId)

		initiated, err := st.ListByOwner(ctx, "alice", models.StateInitiated)
		require.NoError(t, err)
		require.Len(t, initiated, 1)
		assert.Equal(t, a1.SessionId, initiated[0].SessionId)
	})

	t.Run("expired sessions and delete", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		now := time.Now()
		old := newUploadSession("alice", now.Add(-48*time.Hour))
		fresh := newUploadSession("alice", now)
		require.NoError(t, st.CreateSession(ctx, old))
		require.NoError(t, st.CreateSession(ctx, fresh))
		_, err := appendWithRetry(ctx, st, old.SessionId, descriptor(old, 0))
		require.NoError(t, err)

		expired, err := st.ListExpired(ctx, now, 10)
		require.NoError(t, err)
		var ids []string
		for _, s := range expired {
			ids = append(ids, s.SessionId)
		}
		assert.Contains(t, ids, old.SessionId)
		assert.NotContains(t, ids, fresh.SessionId)

		require.NoError(t, st.Delete(ctx, old.SessionId))
		require.NoError(t, st.Delete(ctx, old.SessionId))

		_, err = st.GetSession(ctx, old.SessionId)
		require.ErrorIs(t, err, apperror.ErrSessionNotFound)

		expired, err = st.ListExpired(ctx, now, 10)
		require.NoError(t, err)
		for _, s := range expired {
			assert.NotEqual(t, old.SessionId, s.SessionId)
		}
	})
}
