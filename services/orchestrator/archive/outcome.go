// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianQuill/pkg/logging"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.archive")

// keyPrefix namespaces outcome records.
const keyPrefix = "outcome/"

var (
	// ErrNotFound is returned by Get for unknown handles.
	ErrNotFound = errors.New("outcome not archived")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("archive closed")
)

// OutcomeArchive stores terminal WorkflowOutcomes keyed by handle.
//
// # Thread Safety
//
// Safe for concurrent use.
type OutcomeArchive struct {
	db       *badger.DB
	gc       *gcRunner
	ttl      time.Duration
	inMemory bool
	logger   *logging.Logger
}

// Open opens the archive described by cfg and starts value log GC when
// configured for a persistent database.
func Open(cfg Config) (*OutcomeArchive, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	cfg.Logger = logger

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	a := &OutcomeArchive{
		db:       db,
		ttl:      cfg.TTL,
		inMemory: cfg.InMemory,
		logger:   logger.Component("archive"),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, a.logger)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		a.gc = runner
		runner.start()
	}
	return a, nil
}

func outcomeKey(h datatypes.Handle) []byte {
	return []byte(keyPrefix + h.String())
}

// Put stores o, replacing any earlier record for the same handle.
//
// # Inputs
//
//   - ctx: Checked before the write.
//   - o: Must carry a handle and a terminal state.
func (a *OutcomeArchive) Put(ctx context.Context, o datatypes.WorkflowOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.Handle == "" {
		return errors.New("outcome has no handle")
	}
	if !o.State.Terminal() {
		return fmt.Errorf("outcome %s is not terminal: %s", o.Handle, o.State)
	}

	_, span := tracer.Start(ctx, "archive.Put", trace.WithAttributes(
		attribute.String("workflow.handle", o.Handle.String()),
		attribute.String("workflow.state", string(o.State)),
	))
	defer span.End()

	data, err := json.Marshal(o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		return fmt.Errorf("marshal outcome %s: %w", o.Handle, err)
	}

	err = a.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(outcomeKey(o.Handle), data)
		if a.ttl > 0 {
			e = e.WithTTL(a.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return a.wrap("put", err)
	}
	return nil
}

// Get loads the outcome for h.
//
// # Outputs
//
//   - datatypes.WorkflowOutcome: The archived record.
//   - error: ErrNotFound when h was never archived or has expired.
func (a *OutcomeArchive) Get(ctx context.Context, h datatypes.Handle) (datatypes.WorkflowOutcome, error) {
	var o datatypes.WorkflowOutcome
	if err := ctx.Err(); err != nil {
		return o, err
	}

	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(outcomeKey(h))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &o)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return o, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if err != nil {
		return o, a.wrap("get", err)
	}
	return o, nil
}

// Count returns the number of archived outcomes.
func (a *OutcomeArchive) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, a.wrap("count", err)
	}
	return n, nil
}

// Recent returns outcomes completed at or after since, newest first, at
// most limit of them. A limit of zero returns all.
func (a *OutcomeArchive) Recent(ctx context.Context, since time.Time, limit int) ([]datatypes.WorkflowOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []datatypes.WorkflowOutcome
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var o datatypes.WorkflowOutcome
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &o)
			}); err != nil {
				a.logger.Warn("skipping unreadable outcome", "key", string(it.Item().Key()), "error", err)
				continue
			}
			if !o.CompletedAt.Before(since) {
				out = append(out, o)
			}
		}
		return nil
	})
	if err != nil {
		return nil, a.wrap("scan", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InMemory reports whether the archive is volatile.
func (a *OutcomeArchive) InMemory() bool {
	return a.inMemory
}

// Close stops GC and closes the database.
func (a *OutcomeArchive) Close() error {
	if a.gc != nil {
		a.gc.stop()
	}
	return a.db.Close()
}

func (a *OutcomeArchive) wrap(op string, err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("archive %s: %w", op, ErrClosed)
	}
	return fmt.Errorf("archive %s: %w", op, err)
}
