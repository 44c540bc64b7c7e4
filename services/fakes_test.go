package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/apperror"
	"github.com/Yulian302/lfusys-services-transfer/logging"
	"github.com/Yulian302/lfusys-services-transfer/models"
	"github.com/Yulian302/lfusys-services-transfer/store"
	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/stretchr/testify/require"
)

const mb = 1024 * 1024

// fakeCatalog is an in-memory FileResolver and ArtifactRecorder.
type fakeCatalog struct {
	mu        sync.Mutex
	files     map[string]fakeFile
	folders   map[string]fakeFolder
	artifacts map[string]string
}

type fakeFile struct {
	owner string
	file  models.ResolvedFile
}

type fakeFolder struct {
	owner   string
	entries []models.ResolvedTreeEntry
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		files:     map[string]fakeFile{},
		folders:   map[string]fakeFolder{},
		artifacts: map[string]string{},
	}
}

// addFile writes content to dir and registers it for owner.
func (c *fakeCatalog) addFile(t *testing.T, dir, owner, name string, content []byte) models.ResolvedFile {
	t.Helper()
	id := uuid.NewString()
	p := filepath.Join(dir, id)
	require.NoError(t, os.WriteFile(p, content, 0o600))

	f := models.ResolvedFile{FileId: id, Path: p, Size: int64(len(content)), Name: name}
	c.mu.Lock()
	c.files[id] = fakeFile{owner: owner, file: f}
	c.mu.Unlock()
	return f
}

func (c *fakeCatalog) addFolder(owner string, entries ...models.ResolvedTreeEntry) string {
	id := uuid.NewString()
	c.mu.Lock()
	c.folders[id] = fakeFolder{owner: owner, entries: entries}
	c.mu.Unlock()
	return id
}

func (c *fakeCatalog) ResolveAccessibleFile(_ context.Context, fileID, principal string) (*models.ResolvedFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[fileID]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", fileID, apperror.ErrNotFound)
	}
	if f.owner != principal {
		return nil, fmt.Errorf("file %s: %w", fileID, apperror.ErrPermissionDenied)
	}
	out := f.file
	return &out, nil
}

func (c *fakeCatalog) ResolveAccessibleFolderTree(_ context.Context, folderID, principal string) ([]models.ResolvedTreeEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.folders[folderID]
	if !ok {
		return nil, fmt.Errorf("folder %s: %w", folderID, apperror.ErrNotFound)
	}
	if f.owner != principal {
		return nil, fmt.Errorf("folder %s: %w", folderID, apperror.ErrPermissionDenied)
	}
	return f.entries, nil
}

func (c *fakeCatalog) PersistFinalArtifact(_ context.Context, _ string, meta models.ArtifactMetadata) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.artifacts[meta.UploadId]; ok {
		return id, nil
	}
	id := uuid.NewString()
	c.artifacts[meta.UploadId] = id
	return id, nil
}

type quotaCall struct {
	owner  string
	delta  int64
	reason string
}

type recordingQuota struct {
	mu    sync.Mutex
	calls []quotaCall
}

func (q *recordingQuota) RecordQuotaDelta(_ context.Context, ownerID string, delta int64, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, quotaCall{owner: ownerID, delta: delta, reason: reason})
}

func (q *recordingQuota) recorded() []quotaCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]quotaCall(nil), q.calls...)
}

type testEnv struct {
	sessions  store.SessionStore
	chunks    *store.ChunkStore
	ledger    *Ledger
	svc       *SessionServiceImpl
	assembler *Assembler
	catalog   *fakeCatalog
	quota     *recordingQuota
	opts      TransferOptions
	filesDir  string
}

func testOptions(t *testing.T) TransferOptions {
	return TransferOptions{
		DefaultChunkSize: mb,
		MinChunkSize:     1024,
		MaxChunkSize:     8 * mb,
		MaxFileSize:      64 * mb,
		TTL:              time.Hour,
		ChunkOpTimeout:   5 * time.Second,
		AssemblyTimeout:  time.Minute,
		ArtifactsDir:     filepath.Join(t.TempDir(), "artifacts"),
		PresignTTL:       time.Minute,
	}
}

func newBadgerSessions(t *testing.T) store.SessionStore {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewBadgerSessionStore(db)
}

// newTestEnvWith builds the services around sessions, which may wrap the
// real store to inject faults.
func newTestEnvWith(t *testing.T, sessions store.SessionStore) *testEnv {
	t.Helper()
	opts := testOptions(t)
	chunks := store.NewChunkStore(filepath.Join(t.TempDir(), "staging"))
	m := NewMetrics()
	l := logging.NewNop()
	catalog := newFakeCatalog()
	quota := &recordingQuota{}

	ledger := NewLedger(sessions, 5, opts.ChunkOpTimeout, clock.WallClock, m, l)
	return &testEnv{
		sessions:  sessions,
		chunks:    chunks,
		ledger:    ledger,
		svc:       NewSessionServiceImpl(sessions, chunks, ledger, catalog, nil, opts, clock.WallClock, m, l),
		assembler: NewAssembler(sessions, chunks, ledger, catalog, quota, nil, opts, clock.WallClock, m, l),
		catalog:   catalog,
		quota:     quota,
		opts:      opts,
		filesDir:  t.TempDir(),
	}
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, newBadgerSessions(t))
}

// patterned returns n bytes that differ from chunk to chunk.
func patterned(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i*7 + i/mb) % 251)
	}
	return b
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// chunkOf returns the bytes of chunk index for a file of len(data) bytes.
func chunkOf(t *testing.T, data []byte, chunkSize int64, index uint32) []byte {
	t.Helper()
	start, end, _, err := models.ChunkRange(index, int64(len(data)), chunkSize)
	require.NoError(t, err)
	return data[start : end+1]
}

func (e *testEnv) submit(t *testing.T, owner, sessionID string, data []byte, index uint32) *models.ChunkSubmitResponse {
	t.Helper()
	body := chunkOf(t, data, e.opts.DefaultChunkSize, index)
	resp, err := e.svc.SubmitChunk(context.Background(), owner, sessionID, index, bytes.NewReader(body), "sha256:"+sha256Hex(body))
	require.NoError(t, err)
	return resp
}
