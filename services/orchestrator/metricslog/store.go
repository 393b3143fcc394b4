// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metricslog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store persists completed executions. Persistence is best effort: the Log
// logs Store errors and never lets them affect in-memory state.
type Store interface {
	// Append writes one completed execution.
	Append(ctx context.Context, exec Execution) error

	// Load returns executions completed at or after since, oldest file first.
	Load(ctx context.Context, since time.Time) ([]Execution, error)

	// Close releases open files.
	Close() error
}

// =============================================================================
// JSONL Store
// =============================================================================

const (
	filePrefix   = "metrics_"
	fileSuffix   = ".jsonl"
	hourLayout   = "20060102_15"
	maxLineBytes = 4 * 1024 * 1024
)

// ErrLineTooLong marks a record skipped because it exceeds the line limit.
var ErrLineTooLong = errors.New("metrics record exceeds line limit")

// JSONLStore writes one JSON object per line into files partitioned by the
// UTC hour of completion: {Dir}/metrics_YYYYMMDD_HH.jsonl.
//
// # Description
//
// Files are opened in append mode; the handle for the current partition is
// kept open until the partition changes or Close is called. Loading skips
// lines that fail to parse.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Limitations
//
//   - A record straddling a crash may be truncated; it is skipped on load.
type JSONLStore struct {
	dir string

	mu      sync.Mutex
	file    *os.File
	current string
}

// NewJSONLStore creates the directory if needed and returns a store.
func NewJSONLStore(dir string) (*JSONLStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("metrics directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create metrics directory: %w", err)
	}
	return &JSONLStore{dir: dir}, nil
}

// FileName returns the partition file name for t.
func FileName(t time.Time) string {
	return filePrefix + t.UTC().Format(hourLayout) + fileSuffix
}

// Append implements Store.
func (s *JSONLStore) Append(ctx context.Context, exec Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("encode execution %s: %w", exec.Handle, err)
	}
	if len(line) >= maxLineBytes {
		return fmt.Errorf("encode execution %s (%d bytes): %w", exec.Handle, len(line), ErrLineTooLong)
	}
	line = append(line, '\n')

	at := exec.CompletedAt
	if at.IsZero() {
		at = time.Now()
	}
	name := FileName(at)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil || s.current != name {
		if s.file != nil {
			_ = s.file.Close()
			s.file = nil
		}
		f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return fmt.Errorf("open metrics file: %w", err)
		}
		s.file = f
		s.current = name
	}

	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("write metrics file: %w", err)
	}
	return nil
}

// Load implements Store. Files whose hour ends before since are not read.
//
// # Description
//
// Lines that do not decode are skipped silently. Lines longer than the
// line limit are skipped and reported. A file that cannot be read keeps
// the records decoded before the failure and loading moves on to the next
// partition. Every problem is joined into the returned error alongside the
// records that did load.
func (s *JSONLStore) Load(ctx context.Context, since time.Time) ([]Execution, error) {
	files, err := s.partitions()
	if err != nil {
		return nil, err
	}

	var (
		out  []Execution
		errs []error
	)
	for _, p := range files {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if !since.IsZero() && p.hour.Add(time.Hour).Before(since) {
			continue
		}
		execs, err := readFile(p.path, since)
		out = append(out, execs...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// Prune deletes partitions whose hour ended before cutoff.
//
// # Outputs
//
//   - int: Number of files removed.
//   - error: First removal error.
func (s *JSONLStore) Prune(cutoff time.Time) (int, error) {
	files, err := s.partitions()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, p := range files {
		if !p.hour.Add(time.Hour).Before(cutoff) {
			continue
		}
		if filepath.Base(p.path) == s.current && s.file != nil {
			_ = s.file.Close()
			s.file = nil
			s.current = ""
		}
		if err := os.Remove(p.path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", p.path, err)
		}
		removed++
	}
	return removed, nil
}

// Close implements Store.
func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.current = ""
	return err
}

type partition struct {
	path string
	hour time.Time
}

// partitions lists metrics files in chronological order. Files whose names
// do not parse are ignored.
func (s *JSONLStore) partitions() ([]partition, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("list metrics files: %w", err)
	}

	out := make([]partition, 0, len(matches))
	for _, m := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), filePrefix), fileSuffix)
		hour, err := time.ParseInLocation(hourLayout, stamp, time.UTC)
		if err != nil {
			continue
		}
		out = append(out, partition{path: m, hour: hour})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].hour.Before(out[j].hour) })
	return out, nil
}

// readFile decodes one partition. Oversize lines are drained without
// being buffered past maxLineBytes.
func readFile(path string, since time.Time) ([]Execution, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var (
		out      []Execution
		errs     []error
		line     []byte
		oversize bool
		lineNo   int
	)
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		frag, readErr := r.ReadSlice('\n')
		if !oversize {
			if len(line)+len(frag) > maxLineBytes {
				oversize = true
				line = line[:0]
			} else {
				line = append(line, frag...)
			}
		}
		if errors.Is(readErr, bufio.ErrBufferFull) {
			continue
		}

		if len(frag) > 0 || len(line) > 0 || oversize {
			lineNo++
			if oversize {
				errs = append(errs, fmt.Errorf("%s line %d: %w", path, lineNo, ErrLineTooLong))
			} else if exec, ok := decodeLine(line, since); ok {
				out = append(out, exec)
			}
		}
		line = line[:0]
		oversize = false

		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				errs = append(errs, fmt.Errorf("read %s: %w", path, readErr))
			}
			break
		}
	}
	return out, errors.Join(errs...)
}

func decodeLine(line []byte, since time.Time) (Execution, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Execution{}, false
	}
	var exec Execution
	if err := json.Unmarshal(line, &exec); err != nil {
		return Execution{}, false
	}
	if exec.Handle == "" {
		return Execution{}, false
	}
	if !since.IsZero() && exec.CompletedAt.Before(since) {
		return Execution{}, false
	}
	return exec, true
}
