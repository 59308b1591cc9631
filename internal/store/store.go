package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healingd/internal/config"
	"github.com/fyrsmithlabs/healingd/internal/healing"
)

const instrumentationName = "github.com/fyrsmithlabs/healingd/internal/store"

// ErrNotFound is returned when no session or report matches.
var ErrNotFound = errors.New("not found")

var (
	sessionPrefix = []byte("session/")
	reportPrefix  = []byte("report/")
)

// Config configures the database.
type Config struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// FromConfig derives a store Config from the service configuration.
func FromConfig(cfg config.StoreConfig) Config {
	return Config{
		Path:           cfg.Path,
		InMemory:       cfg.InMemory,
		SyncWrites:     cfg.SyncWrites,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// Store is a Badger-backed healing.Store.
type Store struct {
	db     *badger.DB
	gc     *gcRunner
	logger *zap.Logger
	tracer trace.Tracer
}

// Open opens or creates the database.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		s.gc.start()
	}
	return s, nil
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

func sessionKey(key, id string) []byte {
	return []byte("session/" + key + "/" + id)
}

func reportKey(key string, closedAt time.Time) []byte {
	return []byte(fmt.Sprintf("report/%s/%020d", key, closedAt.UnixNano()))
}

// SaveSession writes the live session.
func (s *Store) SaveSession(ctx context.Context, sess *healing.Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.Key, err)
	}
	return s.update(ctx, "store.save_session", sess.Key, func(txn *badger.Txn) error {
		return txn.Set(sessionKey(sess.Key, sess.ID), data)
	})
}

// ArchiveSession removes the live session and stores its report in one
// transaction.
func (s *Store) ArchiveSession(ctx context.Context, sess *healing.Session, r healing.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding report %s: %w", r.Key, err)
	}
	return s.update(ctx, "store.archive_session", sess.Key, func(txn *badger.Txn) error {
		if sess.ID != "" {
			if err := txn.Delete(sessionKey(sess.Key, sess.ID)); err != nil {
				return err
			}
		}
		return txn.Set(reportKey(r.Key, r.ClosedAt), data)
	})
}

// LiveSessions returns every persisted live session, oldest first.
func (s *Store) LiveSessions(ctx context.Context) ([]*healing.Session, error) {
	var out []*healing.Session
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, sessionPrefix, func(val []byte) error {
			var sess healing.Session
			if err := json.Unmarshal(val, &sess); err != nil {
				return err
			}
			out = append(out, &sess)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing live sessions: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out, nil
}

// LiveSession returns the persisted live session for an identity.
func (s *Store) LiveSession(ctx context.Context, key string) (*healing.Session, error) {
	var found *healing.Session
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, []byte("session/"+key+"/"), func(val []byte) error {
			var sess healing.Session
			if err := json.Unmarshal(val, &sess); err != nil {
				return err
			}
			if found == nil || sess.FirstSeen.After(found.FirstSeen) {
				found = &sess
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", key, err)
	}
	if found == nil {
		return nil, fmt.Errorf("session %s: %w", key, ErrNotFound)
	}
	return found, nil
}

// Report returns the most recent report for an identity.
func (s *Store) Report(ctx context.Context, key string) (healing.Report, error) {
	var (
		r     healing.Report
		found bool
	)
	prefix := []byte("report/" + key + "/")
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(bytes.Clone(prefix), 0xff))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		found = true
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	if err != nil {
		return healing.Report{}, fmt.Errorf("reading report %s: %w", key, err)
	}
	if !found {
		return healing.Report{}, fmt.Errorf("report %s: %w", key, ErrNotFound)
	}
	return r, nil
}

// ReportFilter narrows Reports.
type ReportFilter struct {
	Outcome healing.Outcome
	// Limit caps the result. Zero means no limit.
	Limit int
}

// Reports returns archived reports, most recently closed first.
func (s *Store) Reports(ctx context.Context, f ReportFilter) ([]healing.Report, error) {
	var out []healing.Report
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, reportPrefix, func(val []byte) error {
			var r healing.Report
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			if f.Outcome == "" || r.Outcome == f.Outcome {
				out = append(out, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.After(out[j].ClosedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) update(ctx context.Context, op, key string, fn func(*badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("session.key", key)))
	defer span.End()

	if err := s.db.Update(fn); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	return nil
}

func (s *Store) view(ctx context.Context, fn func(*badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func scan(txn *badger.Txn, prefix []byte, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return fmt.Errorf("decoding %s: %w", it.Item().Key(), err)
		}
	}
	return nil
}

var _ healing.Store = (*Store)(nil)
