// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package doccache stores converted dependency documentation.
//
// Entries are keyed by (dependency, version, symbol) and live in a
// per-project BadgerDB. Every (dependency, version) has a generation
// pointer; entries are written under a fresh generation first and made
// visible by flipping the pointer in a single transaction, so readers
// never observe a partially written set.
//
// Key layout:
//
//	p\x00<dep>\x00<version>                      -> generation id
//	e\x00<dep>\x00<version>\x00<gen>\x00<symbol> -> JSON Entry
package doccache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/cargolens/services/cargolens/storage/badger"
)

var (
	// ErrMiss indicates no entry exists for the requested key.
	ErrMiss = errors.New("doc cache miss")

	// ErrCacheIO indicates the underlying store failed.
	ErrCacheIO = errors.New("doc cache io failed")

	// ErrUnknownSymbol indicates the version is cached but no stored
	// symbol matches the query.
	ErrUnknownSymbol = errors.New("doc cache has no such symbol")
)

const sep = "\x00"

// Entry is one converted documentation page.
type Entry struct {
	Dependency string    `json:"dependency"`
	Version    string    `json:"version"`
	Symbol     string    `json:"symbol"`
	Markdown   string    `json:"markdown"`
	SourceHash string    `json:"source_hash"`
	SourceFile string    `json:"source_file,omitempty"`
	BuiltAt    time.Time `json:"built_at"`
}

// Store is the documentation cache for one project.
//
// Thread Safety:
//
//	Readers run concurrently against badger snapshots. Writers are
//	serialized per dependency.
type Store struct {
	db      *badgerstore.DB
	locks   sync.Map // dependency -> *sync.Mutex
	nextGen atomic.Int64
}

// Open opens (or creates) a cache at dir.
func Open(dir string) (*Store, error) {
	cfg := badgerstore.DefaultConfig()
	cfg.Path = dir
	cfg.Logger = slog.Default().With(slog.String("component", "doccache"))
	return OpenWithConfig(cfg)
}

// OpenInMemory opens a cache that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	return OpenWithConfig(badgerstore.InMemoryConfig())
}

// OpenWithConfig opens a cache with an explicit badger configuration.
func OpenWithConfig(cfg badgerstore.Config) (*Store, error) {
	db, err := badgerstore.OpenDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	s := &Store{db: db}
	s.nextGen.Store(time.Now().UnixNano())
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

// Get returns the entry for (dep, version, symbol).
//
// Outputs:
//
//	*Entry - The entry.
//	error - ErrMiss if absent, ErrCacheIO on storage failure.
func (s *Store) Get(ctx context.Context, dep, version, symbol string) (*Entry, error) {
	var entry *Entry
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		gen, err := readPointer(txn, dep, version)
		if err != nil {
			return err
		}
		entry, err = readEntry(txn, entryKey(dep, version, gen, symbol))
		return err
	})
	if err != nil {
		return nil, wrapIO(err)
	}
	return entry, nil
}

// Lookup resolves a symbol query and reads its entry from one snapshot.
//
// Description:
//
//	resolve receives the sorted symbols published for (dep, version)
//	and picks one. Listing and reading share a transaction, so a
//	concurrent ReplaceDependency cannot remove the chosen symbol in
//	between.
//
// Outputs:
//
//	*Entry - The entry for the resolved symbol.
//	error - ErrMiss if the version is not cached, ErrUnknownSymbol if
//	        resolve finds nothing, ErrCacheIO on storage failure.
func (s *Store) Lookup(ctx context.Context, dep, version string, resolve func(symbols []string) (string, bool)) (*Entry, error) {
	var entry *Entry
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		gen, err := readPointer(txn, dep, version)
		if err != nil {
			return err
		}
		symbol, ok := resolve(listSymbols(txn, dep, version, gen))
		if !ok {
			return ErrUnknownSymbol
		}
		entry, err = readEntry(txn, entryKey(dep, version, gen, symbol))
		if errors.Is(err, ErrMiss) {
			return ErrUnknownSymbol
		}
		return err
	})
	if err != nil {
		return nil, wrapIO(err)
	}
	return entry, nil
}

// Has reports whether any entries are published for (dep, version).
func (s *Store) Has(ctx context.Context, dep, version string) (bool, error) {
	found := false
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := readPointer(txn, dep, version)
		if errors.Is(err, ErrMiss) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, wrapIO(err)
}

// Symbols lists the published symbols for (dep, version), sorted.
func (s *Store) Symbols(ctx context.Context, dep, version string) ([]string, error) {
	var symbols []string
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		gen, err := readPointer(txn, dep, version)
		if err != nil {
			return err
		}
		symbols = listSymbols(txn, dep, version, gen)
		return nil
	})
	if err != nil {
		return nil, wrapIO(err)
	}
	return symbols, nil
}

// listSymbols returns the sorted symbols of one generation.
func listSymbols(txn *badger.Txn, dep, version, gen string) []string {
	prefix := []byte(entryPrefix(dep, version, gen))
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var symbols []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		symbols = append(symbols, string(it.Item().Key()[len(prefix):]))
	}
	sort.Strings(symbols)
	return symbols
}

// readEntry decodes the entry stored at key.
func readEntry(txn *badger.Txn, key []byte) (*Entry, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	err = item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, &e); err != nil {
			return fmt.Errorf("decode entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Versions lists the versions with published entries for dep, sorted.
func (s *Store) Versions(ctx context.Context, dep string) ([]string, error) {
	prefix := "p" + sep + dep + sep
	keys, err := s.db.KeysWithPrefix(ctx, []byte(prefix))
	if err != nil {
		return nil, wrapIO(err)
	}
	versions := make([]string, 0, len(keys))
	for _, k := range keys {
		versions = append(versions, string(k[len(prefix):]))
	}
	sort.Strings(versions)
	return versions, nil
}

// =============================================================================
// WRITES
// =============================================================================

// Put writes a single entry into the current generation of its
// (dependency, version), creating the generation if needed.
//
// The write is one transaction: a concurrent Get sees either the old
// value or the new one.
func (s *Store) Put(ctx context.Context, e Entry) error {
	if e.Dependency == "" || e.Version == "" {
		return fmt.Errorf("%w: entry requires dependency and version", ErrCacheIO)
	}
	unlock := s.lock(e.Dependency)
	defer unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: encode entry: %v", ErrCacheIO, err)
	}

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		gen, err := readPointer(txn, e.Dependency, e.Version)
		if errors.Is(err, ErrMiss) {
			gen = s.newGeneration()
			if err := txn.Set(pointerKey(e.Dependency, e.Version), []byte(gen)); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		return txn.Set(entryKey(e.Dependency, e.Version, gen, e.Symbol), data)
	})
	return wrapIO(err)
}

// ReplaceDependency publishes a complete entry set for one dependency.
//
// Description:
//
//	Stages entries under a fresh generation, then in one transaction
//	points (dep, version) at it and drops the pointers of every other
//	version of dep. Superseded generations are deleted afterwards. A
//	reader sees either the previous set or the new one, never a mix.
//
// Inputs:
//
//	dep - Dependency name.
//	version - Version the entries belong to.
//	entries - The full set. Dependency and Version fields are overwritten.
//
// Outputs:
//
//	error - ErrCacheIO on failure. The previous set stays visible.
func (s *Store) ReplaceDependency(ctx context.Context, dep, version string, entries []Entry) error {
	if dep == "" || version == "" {
		return fmt.Errorf("%w: dependency and version are required", ErrCacheIO)
	}
	unlock := s.lock(dep)
	defer unlock()

	gen := s.newGeneration()

	err := s.db.WithBatch(ctx, func(wb *badger.WriteBatch) error {
		for _, e := range entries {
			e.Dependency = dep
			e.Version = version
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode entry %q: %w", e.Symbol, err)
			}
			if err := wb.Set(entryKey(dep, version, gen, e.Symbol), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_, _ = s.db.DeletePrefix(context.WithoutCancel(ctx), []byte(entryPrefix(dep, version, gen)))
		return wrapIO(err)
	}

	var stale []string
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		old, err := dependencyPointers(txn, dep)
		if err != nil {
			return err
		}
		for v, g := range old {
			stale = append(stale, entryPrefix(dep, v, g))
			if v == version {
				continue
			}
			if err := txn.Delete(pointerKey(dep, v)); err != nil {
				return err
			}
		}
		return txn.Set(pointerKey(dep, version), []byte(gen))
	})
	if err != nil {
		_, _ = s.db.DeletePrefix(context.WithoutCancel(ctx), []byte(entryPrefix(dep, version, gen)))
		return wrapIO(err)
	}

	s.collect(ctx, stale)
	return nil
}

// Invalidate removes entries for dep.
//
// Description:
//
//	With a version, only that (dep, version) is removed. With an empty
//	version, every version of dep is removed. Pointers are dropped
//	atomically first; entry keys are garbage collected afterwards.
func (s *Store) Invalidate(ctx context.Context, dep, version string) error {
	unlock := s.lock(dep)
	defer unlock()

	var stale []string
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		pointers, err := dependencyPointers(txn, dep)
		if err != nil {
			return err
		}
		for v, g := range pointers {
			if version != "" && v != version {
				continue
			}
			if err := txn.Delete(pointerKey(dep, v)); err != nil {
				return err
			}
			stale = append(stale, entryPrefix(dep, v, g))
		}
		return nil
	})
	if err != nil {
		return wrapIO(err)
	}

	s.collect(ctx, stale)
	return nil
}

// collect deletes unreachable generations. Failures only leak space.
func (s *Store) collect(ctx context.Context, prefixes []string) {
	ctx = context.WithoutCancel(ctx)
	for _, prefix := range prefixes {
		if _, err := s.db.DeletePrefix(ctx, []byte(prefix)); err != nil {
			slog.Warn("doc cache: failed to delete stale generation",
				slog.String("error", err.Error()),
			)
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) lock(dep string) func() {
	v, _ := s.locks.LoadOrStore(dep, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Store) newGeneration() string {
	return strconv.FormatInt(s.nextGen.Add(1), 36)
}

func pointerKey(dep, version string) []byte {
	return []byte("p" + sep + dep + sep + version)
}

func entryPrefix(dep, version, gen string) string {
	return "e" + sep + dep + sep + version + sep + gen + sep
}

func entryKey(dep, version, gen, symbol string) []byte {
	return []byte(entryPrefix(dep, version, gen) + symbol)
}

func readPointer(txn *badger.Txn, dep, version string) (string, error) {
	item, err := txn.Get(pointerKey(dep, version))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrMiss
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

// dependencyPointers returns version -> generation for dep.
func dependencyPointers(txn *badger.Txn, dep string) (map[string]string, error) {
	prefix := []byte("p" + sep + dep + sep)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	out := make(map[string]string)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		version := strings.TrimPrefix(string(item.Key()), string(prefix))
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		out[version] = string(val)
	}
	return out, nil
}

func wrapIO(err error) error {
	if err == nil || errors.Is(err, ErrMiss) || errors.Is(err, ErrUnknownSymbol) || errors.Is(err, ErrCacheIO) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrCacheIO, err)
}
