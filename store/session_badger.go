package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/apperror"
	"github.com/Yulian302/lfusys-services-transfer/logging"
	"github.com/Yulian302/lfusys-services-transfer/models"
	"github.com/dgraph-io/badger/v3"
)

// Key layout:
//
//	s/<id>                      session header (JSON)
//	c/<id>/<index %010d>        chunk descriptor (JSON)
//	x/<expires unix nano>/<id>  expiry index
//	o/<owner>/<state>/<id>      owner index
func headerKey(id string) []byte { return []byte("s/" + id) }

func chunkPrefix(id string) []byte { return []byte("c/" + id + "/") }

func chunkKey(id string, index uint32) []byte {
	return []byte(fmt.Sprintf("c/%s/%010d", id, index))
}

func expiryKey(s *models.TransferSession) []byte {
	return []byte(fmt.Sprintf("x/%020d/%s", s.ExpiresAt.UnixNano(), s.SessionId))
}

func ownerKey(s *models.TransferSession) []byte {
	return []byte("o/" + s.OwnerId + "/" + s.State.String() + "/" + s.SessionId)
}

type BadgerSessionStore struct {
	db *badger.DB
}

func NewBadgerSessionStore(db *badger.DB) *BadgerSessionStore {
	return &BadgerSessionStore{db: db}
}

// OpenBadger opens (or creates) the database under dir. An empty dir runs
// in memory.
func OpenBadger(dir string, logger logging.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	return badger.Open(opts)
}

type badgerLogger struct{ l logging.Logger }

func (b badgerLogger) Errorf(f string, v ...interface{}) {
	b.l.Error(strings.TrimSpace(fmt.Sprintf(f, v...)), "component", "badger")
}

func (b badgerLogger) Warningf(f string, v ...interface{}) {
	b.l.Warn(strings.TrimSpace(fmt.Sprintf(f, v...)), "component", "badger")
}

func (b badgerLogger) Infof(f string, v ...interface{}) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(f, v...)), "component", "badger")
}

func (b badgerLogger) Debugf(f string, v ...interface{}) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(f, v...)), "component", "badger")
}

func (s *BadgerSessionStore) IsReady(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

func (s *BadgerSessionStore) Name() string {
	return "SessionStore[badger]"
}

func (s *BadgerSessionStore) Close() error {
	return s.db.Close()
}

func readHeader(txn *badger.Txn, id string) (*models.TransferSession, error) {
	item, err := txn.Get(headerKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, apperror.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var session models.TransferSession
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func writeHeader(txn *badger.Txn, session *models.TransferSession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return txn.Set(headerKey(session.SessionId), raw)
}

func mapTxnError(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func (s *BadgerSessionStore) CreateSession(ctx context.Context, session models.TransferSession) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(headerKey(session.SessionId)); err == nil {
			return fmt.Errorf("session %s already exists", session.SessionId)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := writeHeader(txn, &session); err != nil {
			return err
		}
		if err := txn.Set(expiryKey(&session), nil); err != nil {
			return err
		}
		return txn.Set(ownerKey(&session), nil)
	})
	return mapTxnError(err)
}

func (s *BadgerSessionStore) GetSession(ctx context.Context, sessionID string) (*models.TransferSession, error) {
	var session *models.TransferSession
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		session, err = readHeader(txn, sessionID)
		return err
	})
	return session, err
}

func chunkIndexFromKey(key []byte) (uint32, error) {
	k := string(key)
	i := strings.LastIndexByte(k, '/')
	n, err := strconv.ParseUint(k[i+1:], 10, 32)
	return uint32(n), err
}

func (s *BadgerSessionStore) GetProgress(ctx context.Context, sessionID string) (*models.SessionProgress, error) {
	var progress *models.SessionProgress
	err := s.db.View(func(txn *badger.Txn) error {
		session, err := readHeader(txn, sessionID)
		if err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = chunkPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()

		completed := []uint32{}
		for it.Rewind(); it.Valid(); it.Next() {
			idx, err := chunkIndexFromKey(it.Item().Key())
			if err != nil {
				return err
			}
			completed = append(completed, idx)
		}

		progress = &models.SessionProgress{
			SessionId:    session.SessionId,
			OwnerId:      session.OwnerId,
			Direction:    session.Direction,
			State:        session.State,
			DeclaredSize: session.DeclaredSize,
			ChunkSize:    session.ChunkSize,
			TotalChunks:  session.TotalChunks,
			Completed:    completed,
		}
		return nil
	})
	return progress, err
}

func (s *BadgerSessionStore) ListChunks(ctx context.Context, sessionID string) ([]models.ChunkDescriptor, error) {
	chunks := []models.ChunkDescriptor{}
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := readHeader(txn, sessionID); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = chunkPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var c models.ChunkDescriptor
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &c)
			})
			if err != nil {
				return err
			}
			chunks = append(chunks, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (s *BadgerSessionStore) HasChunk(ctx context.Context, sessionID string, index uint32) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := readHeader(txn, sessionID); err != nil {
			return err
		}
		_, err := txn.Get(chunkKey(sessionID, index))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// AppendChunk reads the header and the chunk key inside one transaction, so
// a concurrent writer of either makes the commit fail with ErrConflict.
func (s *BadgerSessionStore) AppendChunk(ctx context.Context, sessionID string, chunk models.ChunkDescriptor, accepting []models.SessionState) (models.AppendResult, error) {
	result := models.ChunkRecorded
	err := s.db.Update(func(txn *badger.Txn) error {
		session, err := readHeader(txn, sessionID)
		if err != nil {
			return err
		}

		key := chunkKey(sessionID, chunk.Index)
		_, err = txn.Get(key)
		if err == nil {
			result = models.ChunkAlreadyPresent
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if !models.StateIn(session.State, accepting) {
			return apperror.NewInvalidState("record chunk for", session.State.String())
		}

		raw, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		return txn.Set(key, raw)
	})
	if err != nil {
		return 0, mapTxnError(err)
	}
	return result, nil
}

func (s *BadgerSessionStore) Transition(ctx context.Context, sessionID string, t models.Transition) (*models.TransferSession, error) {
	var updated *models.TransferSession
	err := s.db.Update(func(txn *badger.Txn) error {
		session, err := readHeader(txn, sessionID)
		if err != nil {
			return err
		}
		if t.Unclaimed && session.AssemblyClaimedAt != nil {
			return apperror.NewInvalidState("move to "+t.To.String(), "assembling")
		}
		if !models.StateIn(session.State, t.From) {
			return apperror.NewInvalidState("move to "+t.To.String(), session.State.String())
		}

		if err = txn.Delete(ownerKey(session)); err != nil {
			return err
		}
		session.State = t.To
		if t.CompletedAt != nil {
			at := *t.CompletedAt
			session.CompletedAt = &at
		}
		if t.FinalArtifactId != "" {
			session.FinalArtifactId = t.FinalArtifactId
		}
		if t.ContentHash != "" {
			session.ContentHash = t.ContentHash
		}
		if t.FailureReason != "" {
			session.FailureReason = t.FailureReason
		}
		if err = writeHeader(txn, session); err != nil {
			return err
		}
		if err = txn.Set(ownerKey(session), nil); err != nil {
			return err
		}
		updated = session
		return nil
	})
	if err != nil {
		return nil, mapTxnError(err)
	}
	return updated, nil
}

func (s *BadgerSessionStore) ClaimAssembly(ctx context.Context, sessionID string, at time.Time, accepting []models.SessionState) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		session, err := readHeader(txn, sessionID)
		if err != nil {
			return err
		}
		if session.AssemblyClaimedAt != nil {
			return ErrAlreadyClaimed
		}
		if !models.StateIn(session.State, accepting) {
			return apperror.NewInvalidState("complete", session.State.String())
		}
		session.AssemblyClaimedAt = &at
		return writeHeader(txn, session)
	})
	return mapTxnError(err)
}

func (s *BadgerSessionStore) ListByOwner(ctx context.Context, ownerID string, state models.SessionState) ([]models.TransferSession, error) {
	prefix := "o/" + ownerID + "/"
	if state != "" {
		prefix += state.String() + "/"
	}

	sessions := []models.TransferSession{}
	err := s.db.View(func(txn *badger.Txn) error {
		ids, err := keySuffixes(txn, []byte(prefix), 0)
		if err != nil {
			return err
		}
		for _, id := range ids {
			session, err := readHeader(txn, id)
			if errors.Is(err, apperror.ErrSessionNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			sessions = append(sessions, *session)
		}
		return nil
	})
	return sessions, err
}

func (s *BadgerSessionStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.TransferSession, error) {
	cutoff := []byte(fmt.Sprintf("x/%020d/", now.UnixNano()))

	expired := []models.TransferSession{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("x/")
		it := txn.NewIterator(opts)
		defer it.Close()

		var ids []string
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= string(cutoff) {
				break
			}
			ids = append(ids, string(key[strings.LastIndexByte(string(key), '/')+1:]))
			if limit > 0 && len(ids) >= limit {
				break
			}
		}

		for _, id := range ids {
			session, err := readHeader(txn, id)
			if errors.Is(err, apperror.ErrSessionNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			expired = append(expired, *session)
		}
		return nil
	})
	return expired, err
}

// keySuffixes returns the last path segment of every key under prefix.
func keySuffixes(txn *badger.Txn, prefix []byte, limit int) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []string
	for it.Rewind(); it.Valid(); it.Next() {
		k := string(it.Item().Key())
		out = append(out, k[strings.LastIndexByte(k, '/')+1:])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *BadgerSessionStore) Delete(ctx context.Context, sessionID string) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		session, err := readHeader(txn, sessionID)
		if err == nil {
			keys = append(keys, headerKey(sessionID), expiryKey(session), ownerKey(session))
		} else if !errors.Is(err, apperror.ErrSessionNotFound) {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = chunkPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}
