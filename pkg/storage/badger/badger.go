package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/nicktill/tinyair/pkg/storage"
)

// conflictRetries bounds how often Ingest re-runs a transaction that lost a
// write race. The rerun sees the winner's metric key and reports a duplicate.
const conflictRetries = 3

// Storage implements storage.Store using BadgerDB (LSM tree)
type Storage struct {
	db        *badger.DB
	codec     *codec
	rawSeq    *badger.Sequence
	metricSeq *badger.Sequence
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// One reading every few minutes is a tiny workload; BadgerDB defaults
	// (64 MB memtable, 5 memtables, 2 GB vlog files) are sized for far more.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	c, err := newCodec()
	if err != nil {
		db.Close()
		return nil, err
	}

	rawSeq, err := db.GetSequence(seqRaw, 100)
	if err != nil {
		c.close()
		db.Close()
		return nil, fmt.Errorf("failed to open raw sequence: %w", err)
	}
	metricSeq, err := db.GetSequence(seqMetric, 100)
	if err != nil {
		rawSeq.Release()
		c.close()
		db.Close()
		return nil, fmt.Errorf("failed to open metric sequence: %w", err)
	}

	return &Storage{db: db, codec: c, rawSeq: rawSeq, metricSeq: metricSeq}, nil
}

// Init is a no-op: BadgerDB has no schema to create.
func (s *Storage) Init(ctx context.Context) error {
	return nil
}

// Ingest writes the raw reading, metric row and snapshot in one badger transaction.
// The context is checked before each attempt. Once a transaction has started,
// Ingest waits for it so the returned result always matches what was committed.
func (s *Storage) Ingest(ctx context.Context, rec storage.Record) (storage.Result, error) {
	rec = rec.Normalize()

	var err error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return storage.Result{}, storage.Wrap("ingest", ctxErr)
		}
		var res storage.Result
		res, err = s.ingestOnce(rec)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return storage.Result{}, storage.Wrap("ingest", err)
		}
	}
	return storage.Result{}, storage.Wrap("ingest", err)
}

func (s *Storage) ingestOnce(rec storage.Record) (storage.Result, error) {
	mKey := metricKey(rec.DeviceID, rec.RecordedAt)

	var res storage.Result
	err := s.db.Update(func(txn *badger.Txn) error {
		// The read registers mKey with conflict detection, so of two racing
		// writers of the same instant only one can commit.
		_, err := txn.Get(mKey)
		switch {
		case err == nil:
			return storage.ErrDuplicateInstant
		case !errors.Is(err, badger.ErrKeyNotFound):
			return fmt.Errorf("failed to check metric key: %w", err)
		}

		rawID, err := s.rawSeq.Next()
		if err != nil {
			return fmt.Errorf("failed to allocate raw id: %w", err)
		}
		metricID, err := s.metricSeq.Next()
		if err != nil {
			return fmt.Errorf("failed to allocate metric id: %w", err)
		}
		// Sequences start at 0; SERIAL-style ids start at 1.
		rawID++
		metricID++

		raw := storage.RawReading{
			ID:         int64(rawID),
			DeviceID:   rec.DeviceID,
			RecordedAt: rec.RecordedAt,
			Payload:    rec.Raw,
		}
		row := rec.Metric
		row.ID = int64(metricID)
		snap := storage.SnapshotRow{
			DeviceID:       rec.DeviceID,
			LastRecordedAt: rec.RecordedAt,
			Payload:        rec.Raw,
		}

		if err := s.set(txn, rawKey(rec.DeviceID, rec.RecordedAt, rawID), raw); err != nil {
			return fmt.Errorf("failed to write raw reading: %w", err)
		}
		if err := s.set(txn, mKey, row); err != nil {
			return fmt.Errorf("failed to write metric row: %w", err)
		}
		if err := s.set(txn, snapshotKey(rec.DeviceID), snap); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}

		res = storage.Result{RawID: raw.ID, MetricID: row.ID, RecordedAt: rec.RecordedAt}
		return nil
	})
	return res, err
}

func (s *Storage) set(txn *badger.Txn, key []byte, v any) error {
	value, err := s.codec.encode(v)
	if err != nil {
		return err
	}
	return txn.Set(key, value)
}

// LatestRaw returns the raw reading of deviceID with the greatest recorded time
func (s *Storage) LatestRaw(ctx context.Context, deviceID string) (*storage.RawReading, error) {
	var out storage.RawReading
	err := s.run(ctx, "latest raw", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return s.latest(txn, devicePrefix(prefixRaw, deviceID), func(val []byte) (bool, error) {
				if err := s.codec.decode(val, &out); err != nil {
					return false, err
				}
				return out.DeviceID == deviceID, nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestMetric returns the metric row of deviceID with the greatest recorded time
func (s *Storage) LatestMetric(ctx context.Context, deviceID string) (*storage.MetricRow, error) {
	var out storage.MetricRow
	err := s.run(ctx, "latest metric", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return s.latest(txn, devicePrefix(prefixMetric, deviceID), func(val []byte) (bool, error) {
				if err := s.codec.decode(val, &out); err != nil {
					return false, err
				}
				return out.DeviceID == deviceID, nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// latest walks prefix from the newest key down and stops at the first value
// accept takes. Keys share a device hash, so accept filters hash collisions.
func (s *Storage) latest(txn *badger.Txn, prefix []byte, accept func(val []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	opts.PrefetchSize = 1

	it := txn.NewIterator(opts)
	defer it.Close()

	seek := prefixEnd(prefix)
	if seek == nil {
		seek = append(append([]byte(nil), prefix...), 0xff)
	}
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		var ok bool
		err := it.Item().Value(func(val []byte) error {
			var err error
			ok, err = accept(val)
			return err
		})
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return storage.ErrNotFound
}

// Snapshots lists every device snapshot ordered by device id
func (s *Storage) Snapshots(ctx context.Context) ([]storage.SnapshotRow, error) {
	var out []storage.SnapshotRow
	err := s.run(ctx, "snapshots", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefixSnapshot

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				var snap storage.SnapshotRow
				if err := it.Item().Value(func(val []byte) error {
					return s.codec.decode(val, &snap)
				}); err != nil {
					return err
				}
				out = append(out, snap)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []storage.SnapshotRow{}
	}
	return out, nil
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	var errs []error
	if err := s.rawSeq.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := s.metricSeq.Release(); err != nil {
		errs = append(errs, err)
	}
	s.codec.close()
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from deleted/updated values
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns error only if GC failed, nil if GC not needed or succeeded
func (s *Storage) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
		return nil
	}
	return err
}

// Stats returns storage statistics
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	err := s.run(ctx, "stats", func() error {
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				key := it.Item().Key()
				switch {
				case hasPrefix(key, prefixRaw):
					stats.RawReadings++
					if ts, ok := keyTime(key); ok {
						if stats.Oldest.IsZero() || ts.Before(stats.Oldest) {
							stats.Oldest = ts
						}
						if ts.After(stats.Newest) {
							stats.Newest = ts
						}
					}
				case hasPrefix(key, prefixMetric):
					stats.MetricRows++
				case hasPrefix(key, prefixSnapshot):
					stats.Snapshots++
				}
			}
			return nil
		})
		if err == nil {
			lsmSize, vlogSize := s.db.Size()
			stats.SizeBytes = uint64(lsmSize + vlogSize)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// run executes a read-only fn on its own goroutine so a caller whose context
// ends is not held hostage by a slow badger operation. fn itself runs to
// completion. Writes must not go through run: an abandoned fn may still commit.
func (s *Storage) run(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return storage.Wrap(op, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return storage.Wrap(op, err)
	case <-ctx.Done():
		return storage.Wrap(op, fmt.Errorf("%s operation cancelled: %w", op, ctx.Err()))
	}
}

func hasPrefix(key, prefix []byte) bool {
	return len(key) >= len(prefix) && string(key[:len(prefix)]) == string(prefix)
}
