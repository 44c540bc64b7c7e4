package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrChunkTooLarge is returned by Receive when the body exceeds the limit.
var ErrChunkTooLarge = errors.New("chunk body exceeds expected size")

// ChunkStore is the staging area for upload chunks: one directory per
// session, one file per chunk index. A chunk file only ever appears under its
// final name fully written.
type ChunkStore struct {
	root string
}

func NewChunkStore(root string) *ChunkStore {
	return &ChunkStore{root: root}
}

func (c *ChunkStore) Root() string { return c.root }

// Allocate creates the staging directory of a session.
func (c *ChunkStore) Allocate(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	dir := filepath.Join(c.root, sessionID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}
	return dir, nil
}

func ChunkPath(dir string, index uint32) string {
	return filepath.Join(dir, "chunk_"+strconv.FormatUint(uint64(index), 10))
}

// PendingChunk is a received chunk that is not yet visible under its final
// name.
type PendingChunk struct {
	Index    uint32
	Dir      string
	TempPath string
	Size     int64
}

// Receive copies at most limit bytes of r into a temp file in dir, teeing
// every byte into sinks. Reading more than limit bytes is ErrChunkTooLarge
// and leaves nothing behind.
func (c *ChunkStore) Receive(dir string, index uint32, r io.Reader, limit int64, sinks ...io.Writer) (*PendingChunk, error) {
	tmp := filepath.Join(dir, fmt.Sprintf(".chunk_%d.%s.tmp", index, uuid.NewString()))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp chunk: %w", err)
	}

	w := io.Writer(f)
	if len(sinks) > 0 {
		w = io.MultiWriter(append([]io.Writer{f}, sinks...)...)
	}

	n, err := io.Copy(w, io.LimitReader(r, limit+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("failed to stage chunk %d: %w", index, err)
	}
	if n > limit {
		_ = os.Remove(tmp)
		return nil, ErrChunkTooLarge
	}

	return &PendingChunk{Index: index, Dir: dir, TempPath: tmp, Size: n}, nil
}

// Commit publishes p under its final name. created is false when a file was
// already staged for the index; the existing file is left untouched. The
// temp file survives so p can be committed again; Discard releases it.
func (c *ChunkStore) Commit(p *PendingChunk) (created bool, err error) {
	err = os.Link(p.TempPath, ChunkPath(p.Dir, p.Index))
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to publish chunk %d: %w", p.Index, err)
	}
	return true, nil
}

func (c *ChunkStore) Discard(p *PendingChunk) {
	_ = os.Remove(p.TempPath)
}

func (c *ChunkStore) Remove(dir string, index uint32) error {
	err := os.Remove(ChunkPath(dir, index))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (c *ChunkStore) Open(dir string, index uint32) (*os.File, error) {
	return os.Open(ChunkPath(dir, index))
}

// RemoveAll deletes a staging directory. A missing directory is not an
// error. Paths outside the root are refused.
func (c *ChunkStore) RemoveAll(dir string) error {
	if dir == "" {
		return nil
	}
	rel, err := filepath.Rel(c.root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove %q outside staging root", dir)
	}
	return os.RemoveAll(dir)
}
