package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/apperror"
	"github.com/Yulian302/lfusys-services-transfer/logging"
	"github.com/Yulian302/lfusys-services-transfer/models"
	"github.com/Yulian302/lfusys-services-transfer/store"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/klauspost/compress/zip"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type ArchiveRequest struct {
	FileIds   []string `json:"file_ids"`
	FolderIds []string `json:"folder_ids"`
}

type ArchiveOptions struct {
	MaxBytes       int64
	ReadBufferSize int
	Timeout        time.Duration
}

// ArchiveStreamer exports a selection of files and folders as one zip
// written straight into the response.
type ArchiveStreamer struct {
	files FileResolver
	jobs  store.ArchiveJobRecorder
	opts  ArchiveOptions
	clock clock.Clock

	open func(path string) (io.ReadCloser, int64, error)

	metrics *Metrics
	logger  logging.Logger
}

func NewArchiveStreamer(files FileResolver, jobs store.ArchiveJobRecorder, opts ArchiveOptions, clk clock.Clock, m *Metrics, l logging.Logger) *ArchiveStreamer {
	return &ArchiveStreamer{
		files:   files,
		jobs:    jobs,
		opts:    opts,
		clock:   clk,
		open:    openSource,
		metrics: m,
		logger:  l,
	}
}

func (s *ArchiveStreamer) Timeout() time.Duration {
	return s.opts.Timeout
}

// Prepare resolves the selection into a deduplicated entry list and enforces
// the size cap. Nothing is streamed here.
func (s *ArchiveStreamer) Prepare(ctx context.Context, ownerID string, req ArchiveRequest) (*models.ArchiveJob, error) {
	if len(req.FileIds) == 0 && len(req.FolderIds) == 0 {
		return nil, fmt.Errorf("%w: nothing selected", apperror.ErrInvalidRequest)
	}

	job := &models.ArchiveJob{
		JobId:   uuid.NewString(),
		OwnerId: ownerID,
	}
	seen := map[string]bool{}
	names := map[string]bool{}

	add := func(fileID, sourcePath, entryPath string, size int64) {
		key := fileID
		if key == "" {
			key = filepath.Clean(sourcePath)
		}
		if seen[key] {
			return
		}
		seen[key] = true

		entryPath = uniqueEntryPath(names, entryPath)
		job.Entries = append(job.Entries, models.ArchiveEntry{
			FileId:     fileID,
			SourcePath: sourcePath,
			EntryPath:  entryPath,
			Size:       size,
		})
		job.TotalSize += size
	}

	for _, id := range req.FileIds {
		f, err := s.files.ResolveAccessibleFile(ctx, id, ownerID)
		if err != nil {
			return nil, err
		}
		add(f.FileId, f.Path, f.Name, f.Size)
	}
	for _, id := range req.FolderIds {
		tree, err := s.files.ResolveAccessibleFolderTree(ctx, id, ownerID)
		if err != nil {
			return nil, err
		}
		for _, e := range tree {
			add(e.FileId, e.Path, e.RelativeName, e.Size)
		}
	}

	job.TotalFiles = len(job.Entries)
	if s.opts.MaxBytes > 0 && job.TotalSize > s.opts.MaxBytes {
		return nil, fmt.Errorf("%w: archive of %d bytes exceeds limit %d",
			apperror.ErrPayloadTooLarge, job.TotalSize, s.opts.MaxBytes)
	}
	return job, nil
}

// uniqueEntryPath returns p, or p with a " (n)" suffix before the extension
// if p is taken.
func uniqueEntryPath(taken map[string]bool, p string) string {
	p = strings.TrimLeft(path.Clean(filepath.ToSlash(p)), "/")
	if !taken[p] {
		taken[p] = true
		return p
	}
	ext := path.Ext(p)
	base := strings.TrimSuffix(p, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if !taken[candidate] {
			taken[candidate] = true
			return candidate
		}
	}
}

// openSource opens a file and reports its current size.
func openSource(p string) (io.ReadCloser, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

// sinkWriter remembers the first write error of the response.
type sinkWriter struct {
	w   io.Writer
	err error
}

func (s *sinkWriter) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	n, err := s.w.Write(p)
	if err != nil {
		s.err = err
	}
	return n, err
}

// ctxReader stops reading a source as soon as ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Stream writes job as a zip into w. A done ctx or a failed write to w is a
// disconnect: no further source is opened and the zip is left unfinalized.
// A source that cannot be opened, or whose size no longer matches, is
// skipped before its entry is started. A source that fails once its entry
// has bytes in the stream cannot be taken back: the entry is reported as
// corrupt and a "<entry>.incomplete" note is added next to it.
func (s *ArchiveStreamer) Stream(ctx context.Context, job *models.ArchiveJob, w io.Writer) models.ArchiveResult {
	ctx, span := tracer.Start(ctx, "archive.stream", trace.WithAttributes(
		attribute.String("archive.job_id", job.JobId),
		attribute.Int("archive.files", job.TotalFiles),
		attribute.Int64("archive.size", job.TotalSize),
	))
	defer span.End()

	recCtx := context.WithoutCancel(ctx)
	if err := s.jobs.Start(recCtx, job); err != nil {
		s.logger.Warn("could not record archive job", "job_id", job.JobId, "error", err)
	}

	res := models.ArchiveResult{JobId: job.JobId}
	sink := &sinkWriter{w: w}
	zw := zip.NewWriter(sink)
	buf := make([]byte, s.opts.ReadBufferSize)

	disconnected := func() bool {
		return ctx.Err() != nil || sink.err != nil
	}

	for _, entry := range job.Entries {
		if disconnected() {
			break
		}

		src, size, err := s.open(entry.SourcePath)
		if err == nil && size != entry.Size {
			src.Close()
			err = fmt.Errorf("source has %d bytes, expected %d", size, entry.Size)
		}
		if err != nil {
			s.logger.Warn("skipping unreadable archive entry", "job_id", job.JobId, "entry", entry.EntryPath, "error", err)
			res.Skipped++
			continue
		}

		n, err := s.writeEntry(ctx, zw, entry, src, buf)
		src.Close()
		res.BytesWritten += n
		s.metrics.archiveBytes.Add(float64(n))

		if disconnected() {
			break
		}
		if err != nil {
			s.logger.Error("archive entry failed mid-read", "job_id", job.JobId, "entry", entry.EntryPath, "written", n, "error", err)
			res.Corrupt = append(res.Corrupt, entry.EntryPath)
			if nerr := s.writeIncompleteNote(zw, entry, n, err); nerr != nil && !disconnected() {
				s.logger.Warn("could not add incomplete note", "job_id", job.JobId, "entry", entry.EntryPath, "error", nerr)
			}
			continue
		}

		res.Written++
		if err := s.jobs.Progress(recCtx, job.JobId, res.Written, res.BytesWritten); err != nil {
			s.logger.Debug("could not record archive progress", "job_id", job.JobId, "error", err)
		}
	}

	message := ""
	switch {
	case disconnected():
		res.Status = models.ArchiveAborted
		message = "client disconnected"
	default:
		if err := zw.Close(); err != nil {
			res.Status = models.ArchiveAborted
			message = "finalizing failed: " + err.Error()
			if !disconnected() {
				res.Status = models.ArchiveFailed
			}
		} else {
			res.Status = models.ArchiveCompleted
			if len(res.Corrupt) > 0 {
				message = fmt.Sprintf("incomplete entries: %s", strings.Join(res.Corrupt, ", "))
			}
		}
	}

	if err := s.jobs.Finish(recCtx, res, message); err != nil {
		s.logger.Warn("could not record archive result", "job_id", job.JobId, "error", err)
	}
	s.metrics.archiveResults.WithLabelValues(string(res.Status)).Inc()
	span.SetAttributes(attribute.String("archive.status", string(res.Status)))
	s.logger.Info("archive finished", "job_id", job.JobId, "status", res.Status,
		"written", res.Written, "skipped", res.Skipped, "corrupt", len(res.Corrupt), "bytes", res.BytesWritten)
	return res
}

func (s *ArchiveStreamer) writeEntry(ctx context.Context, zw *zip.Writer, entry models.ArchiveEntry, src io.Reader, buf []byte) (int64, error) {
	hdr := &zip.FileHeader{
		Name:     entry.EntryPath,
		Method:   zip.Deflate,
		Modified: s.clock.Now(),
	}
	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return 0, err
	}
	// Exactly Size bytes: a source that ends early is an error, not a
	// shorter entry.
	n, err := io.CopyBuffer(dst, io.LimitReader(ctxReader{ctx: ctx, r: src}, entry.Size), buf)
	if err == nil && n < entry.Size {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// writeIncompleteNote adds a small text entry telling the reader that the
// entry before it was cut short.
func (s *ArchiveStreamer) writeIncompleteNote(zw *zip.Writer, entry models.ArchiveEntry, written int64, cause error) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     entry.EntryPath + ".incomplete",
		Method:   zip.Store,
		Modified: s.clock.Now(),
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s is incomplete: %d of %d bytes were read before the source failed (%v)\n",
		path.Base(entry.EntryPath), written, entry.Size, cause)
	return err
}
