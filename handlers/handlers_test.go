package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/apperror"
	"github.com/Yulian302/lfusys-services-transfer/logging"
	"github.com/Yulian302/lfusys-services-transfer/models"
	"github.com/Yulian302/lfusys-services-transfer/services"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

// stubSessions answers every call with err unless a func is set.
type stubSessions struct {
	err error

	initiateUpload func(owner string, req services.InitiateUploadRequest) (*models.InitiateResponse, error)
	submitChunk    func(owner, id string, index uint32, body io.Reader, checksum string) (*models.ChunkSubmitResponse, error)
	list           func(owner string, dir models.Direction, state models.SessionState) ([]models.SessionSummary, error)
}

func (s *stubSessions) InitiateUpload(_ context.Context, owner string, req services.InitiateUploadRequest) (*models.InitiateResponse, error) {
	if s.initiateUpload != nil {
		return s.initiateUpload(owner, req)
	}
	return nil, s.err
}

func (s *stubSessions) InitiateDownload(context.Context, string, services.InitiateDownloadRequest) (*models.InitiateResponse, error) {
	return nil, s.err
}

func (s *stubSessions) SubmitChunk(_ context.Context, owner, id string, index uint32, body io.Reader, checksum string) (*models.ChunkSubmitResponse, error) {
	if s.submitChunk != nil {
		return s.submitChunk(owner, id, index, body, checksum)
	}
	return nil, s.err
}

func (s *stubSessions) Pause(context.Context, string, models.Direction, string) (*models.SessionSummary, error) {
	return nil, s.err
}

func (s *stubSessions) Resume(context.Context, string, models.Direction, string) (*models.ResumeResponse, error) {
	return nil, s.err
}

func (s *stubSessions) Cancel(context.Context, string, models.Direction, string) (*models.SessionSummary, error) {
	return nil, s.err
}

func (s *stubSessions) Status(context.Context, string, models.Direction, string) (*models.SessionStatusResponse, error) {
	return nil, s.err
}

func (s *stubSessions) List(_ context.Context, owner string, dir models.Direction, state models.SessionState) ([]models.SessionSummary, error) {
	if s.list != nil {
		return s.list(owner, dir, state)
	}
	return nil, s.err
}

type stubAssembly struct {
	err   error
	fetch func(w io.Writer, begin func(models.ByteRange)) error
}

func (a *stubAssembly) CompleteUpload(context.Context, string, string) (*models.CompleteUploadResponse, error) {
	return nil, a.err
}

func (a *stubAssembly) FetchChunk(_ context.Context, _, _ string, _ uint32, w io.Writer, begin func(models.ByteRange)) error {
	if a.fetch != nil {
		return a.fetch(w, begin)
	}
	return a.err
}

type stubExporter struct {
	job        *models.ArchiveJob
	prepareErr error
	streamed   string
}

func (e *stubExporter) Prepare(_ context.Context, owner string, req services.ArchiveRequest) (*models.ArchiveJob, error) {
	if e.prepareErr != nil {
		return nil, e.prepareErr
	}
	job := *e.job
	job.OwnerId = owner
	return &job, nil
}

func (e *stubExporter) Stream(_ context.Context, job *models.ArchiveJob, w io.Writer) models.ArchiveResult {
	_, _ = io.WriteString(w, e.streamed)
	return models.ArchiveResult{JobId: job.JobId, Status: models.ArchiveCompleted, Written: job.TotalFiles}
}

func (e *stubExporter) Timeout() time.Duration { return time.Minute }

type stubStatus map[string]map[string]string

func (s stubStatus) Status(_ context.Context, jobID string) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range s[jobID] {
		out[k] = v
	}
	return out, nil
}

type routerDeps struct {
	sessions *stubSessions
	assembly *stubAssembly
	exporter *stubExporter
	status   ArchiveStatusReader
	ready    bool
}

func newTestRouter(d *routerDeps) *gin.Engine {
	if d.sessions == nil {
		d.sessions = &stubSessions{err: apperror.ErrSessionNotFound}
	}
	if d.assembly == nil {
		d.assembly = &stubAssembly{err: apperror.ErrSessionNotFound}
	}
	if d.exporter == nil {
		d.exporter = &stubExporter{prepareErr: apperror.ErrInvalidRequest}
	}
	l := logging.NewNop()
	return NewRouter(RouterConfig{
		Transfers: NewTransferHandler(d.sessions, d.assembly, l),
		Archives:  NewArchiveHandler(d.exporter, d.status, l),
		JWTSecret: testSecret,
		Gatherer:  prometheus.NewRegistry(),
		Ready:     func() bool { return d.ready },
	}, l)
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func do(t *testing.T, r http.Handler, method, target, body, owner string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if owner != "" {
		req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, owner))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestAPIRequiresValidToken(t *testing.T) {
	r := newTestRouter(&routerDeps{})

	w := do(t, r, http.MethodGet, "/api/v1/uploads", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged := signToken(t, "other-secret", "alice")
	w = do(t, r, http.MethodGet, "/api/v1/uploads", "", "", "Authorization", "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	anonymous := signToken(t, testSecret, "")
	w = do(t, r, http.MethodGet, "/api/v1/uploads", "", "", "Authorization", "Bearer "+anonymous)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/uploads", "", "", "Authorization", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInitiateUploadUsesTokenSubject(t *testing.T) {
	var gotOwner string
	var gotReq services.InitiateUploadRequest
	sessions := &stubSessions{initiateUpload: func(owner string, req services.InitiateUploadRequest) (*models.InitiateResponse, error) {
		gotOwner, gotReq = owner, req
		return &models.InitiateResponse{
			SessionSummary: models.SessionSummary{SessionId: "s-1", State: models.StateInitiated, TotalChunks: 3},
			ChunkSize:      1024,
		}, nil
	}}
	r := newTestRouter(&routerDeps{sessions: sessions})

	w := do(t, r, http.MethodPost, "/api/v1/uploads", `{"name":"a.bin","size":2500,"chunk_size":1024}`, "alice")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "alice", gotOwner)
	assert.Equal(t, services.InitiateUploadRequest{Name: "a.bin", Size: 2500, ChunkSize: 1024}, gotReq)

	body := decode(t, w)
	assert.Equal(t, "success", body["message"])
	data := body["data"].(map[string]any)
	assert.Equal(t, "s-1", data["session_id"])
	assert.Equal(t, float64(1024), data["chunk_size"])

	w = do(t, r, http.MethodPost, "/api/v1/uploads", `{"name":`, "alice")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitChunkPassesBodyAndChecksum(t *testing.T) {
	var got struct {
		id       string
		index    uint32
		body     string
		checksum string
	}
	sessions := &stubSessions{submitChunk: func(owner, id string, index uint32, body io.Reader, checksum string) (*models.ChunkSubmitResponse, error) {
		raw, _ := io.ReadAll(body)
		got.id, got.index, got.body, got.checksum = id, index, string(raw), checksum
		return &models.ChunkSubmitResponse{SessionId: id, Index: index, Result: "recorded", State: models.StateActive}, nil
	}}
	r := newTestRouter(&routerDeps{sessions: sessions})

	w := do(t, r, http.MethodPut, "/api/v1/uploads/s-1/chunks/2", "chunk-bytes", "alice", "X-Chunk-Checksum", "sha256:ab")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "s-1", got.id)
	assert.Equal(t, uint32(2), got.index)
	assert.Equal(t, "chunk-bytes", got.body)
	assert.Equal(t, "sha256:ab", got.checksum)

	w = do(t, r, http.MethodPut, "/api/v1/uploads/s-1/chunks/-1", "x", "alice")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err     error
		status  int
		message string
	}{
		{fmt.Errorf("%w: bad", apperror.ErrInvalidRequest), http.StatusBadRequest, "invalid request: bad"},
		{apperror.ErrSessionNotFound, http.StatusNotFound, "session not found"},
		{apperror.ErrPermissionDenied, http.StatusForbidden, "permission denied"},
		{apperror.NewInvalidState("pause", "completed"), http.StatusConflict, `cannot pause session in state "completed"`},
		{apperror.ErrRetryableConflict, http.StatusConflict, ""},
		{apperror.ErrIntegrity, http.StatusUnprocessableEntity, ""},
		{apperror.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, ""},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, ""},
		{fmt.Errorf("%w: disk full", apperror.ErrAssembly), http.StatusInternalServerError, "upload assembly failed: disk full"},
		{errors.New("connection reset by peer"), http.StatusInternalServerError, "internal error"},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			r := newTestRouter(&routerDeps{sessions: &stubSessions{err: tc.err}})
			w := do(t, r, http.MethodPost, "/api/v1/uploads/s-1/pause", "", "alice")
			assert.Equal(t, tc.status, w.Code)

			body := decode(t, w)
			assert.Equal(t, float64(tc.status), body["code"])
			if tc.message != "" {
				assert.Equal(t, tc.message, body["message"])
			}
		})
	}

	r := newTestRouter(&routerDeps{sessions: &stubSessions{err: apperror.ErrRetryableConflict}})
	w := do(t, r, http.MethodPost, "/api/v1/downloads/s-1/resume", "", "alice")
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestIncompleteUploadListsMissingChunks(t *testing.T) {
	assembly := &stubAssembly{err: &apperror.IncompleteUploadError{Missing: []uint32{2, 4}, Duplicates: []uint32{}}}
	r := newTestRouter(&routerDeps{assembly: assembly})

	w := do(t, r, http.MethodPost, "/api/v1/uploads/s-1/complete", "", "alice")
	require.Equal(t, http.StatusBadRequest, w.Code)

	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, []any{float64(2), float64(4)}, data["missing_chunks"])
	assert.Equal(t, []any{}, data["duplicate_chunks"])
}

func TestFetchChunkSendsPartialContent(t *testing.T) {
	payload := strings.Repeat("z", 512)
	assembly := &stubAssembly{fetch: func(w io.Writer, begin func(models.ByteRange)) error {
		begin(models.ByteRange{Index: 1, Start: 1024, End: 1535, Length: 512, Size: 2048, TotalChunks: 2})
		_, err := io.WriteString(w, payload)
		return err
	}}
	r := newTestRouter(&routerDeps{assembly: assembly})

	w := do(t, r, http.MethodGet, "/api/v1/downloads/s-1/chunks/1", "", "alice")
	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 1024-1535/2048", w.Header().Get("Content-Range"))
	assert.Equal(t, "512", w.Header().Get("Content-Length"))
	assert.Equal(t, "1", w.Header().Get("X-Chunk-Index"))
	assert.Equal(t, "2", w.Header().Get("X-Total-Chunks"))
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, payload, w.Body.String())
}

func TestFetchChunkErrorBeforeFirstByte(t *testing.T) {
	r := newTestRouter(&routerDeps{assembly: &stubAssembly{err: fmt.Errorf("%w: source missing", apperror.ErrSessionFailed)}})

	w := do(t, r, http.MethodGet, "/api/v1/downloads/s-1/chunks/0", "", "alice")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "session failed: source missing", decode(t, w)["message"])
}

func TestListParsesStateFilter(t *testing.T) {
	var gotState models.SessionState
	var gotDir models.Direction
	sessions := &stubSessions{list: func(owner string, dir models.Direction, state models.SessionState) ([]models.SessionSummary, error) {
		gotDir, gotState = dir, state
		return []models.SessionSummary{}, nil
	}}
	r := newTestRouter(&routerDeps{sessions: sessions})

	w := do(t, r, http.MethodGet, "/api/v1/downloads?state=paused", "", "alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatePaused, gotState)
	assert.Equal(t, models.DirectionDownload, gotDir)

	w = do(t, r, http.MethodGet, "/api/v1/uploads?state=sleeping", "", "alice")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestArchiveExportSetsHeaders(t *testing.T) {
	exporter := &stubExporter{
		job:      &models.ArchiveJob{JobId: "job-1", TotalFiles: 3, TotalSize: 4096},
		streamed: "PK-zip-bytes",
	}
	r := newTestRouter(&routerDeps{exporter: exporter})

	w := do(t, r, http.MethodPost, "/api/v1/archives", `{"file_ids":["f1"],"folder_ids":["d1"]}`, "alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="archive-job-1.zip"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "job-1", w.Header().Get("X-Archive-Job-Id"))
	assert.Equal(t, "3", w.Header().Get("X-Archive-Total-Files"))
	assert.Equal(t, "4096", w.Header().Get("X-Archive-Total-Size"))
	assert.Equal(t, "PK-zip-bytes", w.Body.String())
}

func TestArchiveExportRejectsOversizedSelection(t *testing.T) {
	r := newTestRouter(&routerDeps{exporter: &stubExporter{prepareErr: fmt.Errorf("%w: too big", apperror.ErrPayloadTooLarge)}})

	w := do(t, r, http.MethodPost, "/api/v1/archives", `{"file_ids":["f1"]}`, "alice")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, w.Header().Get("X-Archive-Job-Id"))
}

func TestArchiveStatusIsOwnerScoped(t *testing.T) {
	status := stubStatus{"job-1": {"owner_id": "alice", "status": "completed", "progress": "3"}}
	r := newTestRouter(&routerDeps{status: status})

	w := do(t, r, http.MethodGet, "/api/v1/archives/job-1", "", "alice")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "completed", data["status"])
	assert.NotContains(t, data, "owner_id")

	w = do(t, r, http.MethodGet, "/api/v1/archives/job-1", "", "bob")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, r, http.MethodGet, "/api/v1/archives/job-2", "", "alice")
	assert.Equal(t, http.StatusNotFound, w.Code)

	untracked := newTestRouter(&routerDeps{})
	w = do(t, untracked, http.MethodGet, "/api/v1/archives/job-1", "", "alice")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	deps := &routerDeps{}
	r := newTestRouter(deps)

	w := do(t, r, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	deps.ready = true
	w = do(t, r, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
