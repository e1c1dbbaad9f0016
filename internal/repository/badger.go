package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/logger"
)

// Key layout:
//
//	session/<session id>             -> Session JSON
//	turn/<session id>\x00<%020d id>  -> Turn JSON
//	turnidx/<%020d id>               -> session id
//	seq/turn                         -> badger sequence
const (
	sessionPrefix   = "session/"
	turnPrefix      = "turn/"
	turnIndexPrefix = "turnidx/"
	turnSeqKey      = "seq/turn"
	keySep          = "\x00"

	maxConflictRetries = 5
)

// BadgerStore implements Store on an embedded Badger database.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens a Badger store in dir. An empty dir opens an
// in-memory database.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte(turnSeqKey), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open turn sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

// Close releases the sequence and closes the database.
func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

func sessionKey(id string) []byte { return []byte(sessionPrefix + id) }

func turnKey(sessionID string, id int64) []byte {
	return []byte(fmt.Sprintf("%s%s%s%020d", turnPrefix, sessionID, keySep, id))
}

func turnSessionPrefix(sessionID string) []byte {
	return []byte(turnPrefix + sessionID + keySep)
}

func turnIndexKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", turnIndexPrefix, id))
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v interface{}, notFound error) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return notFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// CreateSession creates a new session.
func (s *BadgerStore) CreateSession(ctx context.Context, session *domain.Session) error {
	if strings.Contains(session.ID, keySep) {
		return fmt.Errorf("%w: session id contains NUL", domain.ErrInvalidRequest)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		key := sessionKey(session.ID)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("session %s already exists", session.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, session)
	})
}

// GetSession retrieves a session by ID.
func (s *BadgerStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, sessionKey(sessionID), &session, domain.ErrSessionNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions returns all sessions, oldest first.
func (s *BadgerStore) ListSessions(ctx context.Context) ([]domain.Session, error) {
	var sessions []domain.Session
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(sessionPrefix)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var session domain.Session
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &session)
			}); err != nil {
				return err
			}
			sessions = append(sessions, session)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// UpdateSessionTitle sets the session title unconditionally.
func (s *BadgerStore) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var session domain.Session
		if err := getJSON(txn, sessionKey(sessionID), &session, domain.ErrSessionNotFound); err != nil {
			return err
		}
		session.Title = title
		return setJSON(txn, sessionKey(sessionID), &session)
	})
}

// SetTitleIfEmpty sets the title only while it is empty.
func (s *BadgerStore) SetTitleIfEmpty(ctx context.Context, sessionID, title string) (bool, error) {
	var updated bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		updated = false
		var session domain.Session
		err := getJSON(txn, sessionKey(sessionID), &session, domain.ErrSessionNotFound)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if session.Title != "" {
			return nil
		}
		session.Title = title
		updated = true
		return setJSON(txn, sessionKey(sessionID), &session)
	})
	return updated, err
}

// DeleteSession deletes a session and its turns.
func (s *BadgerStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(sessionID)); errors.Is(err, badger.ErrKeyNotFound) {
			return domain.ErrSessionNotFound
		} else if err != nil {
			return err
		}

		var keys [][]byte
		var ids []int64
		prefix := turnSessionPrefix(sessionID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			keys = append(keys, item.KeyCopy(nil))
			var turn domain.Turn
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &turn)
			}); err != nil {
				it.Close()
				return err
			}
			ids = append(ids, turn.ID)
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for _, id := range ids {
			if err := txn.Delete(turnIndexKey(id)); err != nil {
				return err
			}
		}
		return txn.Delete(sessionKey(sessionID))
	})
}

// CreateTurn inserts a turn and assigns its ID.
func (s *BadgerStore) CreateTurn(ctx context.Context, turn *domain.Turn) error {
	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate turn id: %w", err)
	}
	id := int64(n) + 1
	if turn.Partial.Entries == nil {
		turn.Partial.Entries = []domain.LogEntry{}
	}

	err = s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(turn.SessionID)); errors.Is(err, badger.ErrKeyNotFound) {
			return domain.ErrSessionNotFound
		} else if err != nil {
			return err
		}
		stored := *turn
		stored.ID = id
		if err := setJSON(txn, turnKey(turn.SessionID, id), &stored); err != nil {
			return err
		}
		return txn.Set(turnIndexKey(id), []byte(turn.SessionID))
	})
	if err != nil {
		return err
	}
	turn.ID = id
	return nil
}

func (s *BadgerStore) lookupTurnKey(txn *badger.Txn, turnID int64) ([]byte, error) {
	item, err := txn.Get(turnIndexKey(turnID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.ErrTurnNotFound
	}
	if err != nil {
		return nil, err
	}
	sessionID, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return turnKey(string(sessionID), turnID), nil
}

// GetTurn retrieves a turn by ID.
func (s *BadgerStore) GetTurn(ctx context.Context, turnID int64) (*domain.Turn, error) {
	var turn domain.Turn
	err := s.db.View(func(txn *badger.Txn) error {
		key, err := s.lookupTurnKey(txn, turnID)
		if err != nil {
			return err
		}
		return getJSON(txn, key, &turn, domain.ErrTurnNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &turn, nil
}

// ListTurns returns the turns of a session in creation order.
func (s *BadgerStore) ListTurns(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	var turns []domain.Turn
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := turnSessionPrefix(sessionID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var turn domain.Turn
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &turn)
			}); err != nil {
				return err
			}
			turns = append(turns, turn)
		}
		return nil
	})
	return turns, err
}

// ListOpenTurns returns turns whose log is not complete.
func (s *BadgerStore) ListOpenTurns(ctx context.Context, limit int) ([]domain.Turn, error) {
	var turns []domain.Turn
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(turnPrefix)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var turn domain.Turn
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &turn)
			}); err != nil {
				return err
			}
			if !turn.Partial.Complete {
				turns = append(turns, turn)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Keys are grouped by session, so order by id here.
	sort.Slice(turns, func(i, j int) bool { return turns[i].ID < turns[j].ID })
	if limit > 0 && len(turns) > limit {
		turns = turns[:limit]
	}
	return turns, nil
}

// AppendTurn appends one increment to the content and the log.
func (s *BadgerStore) AppendTurn(ctx context.Context, turnID int64, entry domain.LogEntry) error {
	return s.mutateTurn(ctx, turnID, func(t *domain.Turn) error {
		return appendEntry(t, entry)
	})
}

// CompleteTurn marks the turn's log complete.
func (s *BadgerStore) CompleteTurn(ctx context.Context, turnID int64, interrupted bool) error {
	return s.mutateTurn(ctx, turnID, func(t *domain.Turn) error {
		completeLog(t, interrupted)
		return nil
	})
}

// ReplaceTurnContent rewrites the turn content to a single entry.
func (s *BadgerStore) ReplaceTurnContent(ctx context.Context, turnID int64, entry domain.LogEntry) error {
	return s.mutateTurn(ctx, turnID, func(t *domain.Turn) error {
		return replaceEntries(t, entry)
	})
}

func (s *BadgerStore) mutateTurn(ctx context.Context, turnID int64, fn func(*domain.Turn) error) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		key, err := s.lookupTurnKey(txn, turnID)
		if err != nil {
			return err
		}
		var turn domain.Turn
		if err := getJSON(txn, key, &turn, domain.ErrTurnNotFound); err != nil {
			return err
		}
		if err := fn(&turn); err != nil {
			return err
		}
		return setJSON(txn, key, &turn)
	})
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logger.L().Sugar().Errorf("badger: "+format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logger.L().Sugar().Warnf("badger: "+format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	logger.L().Sugar().Debugf("badger: "+format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	logger.L().Sugar().Debugf("badger: "+format, args...)
}
