// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// Manager is the CacheManager of spec §4.9: (cache_id -> Entry) and
// (CacheKey -> cache_id) maps, uniqueness enforcement, and delayed
// deallocation. The key index is backed by buntdb (an in-memory indexed
// KV store already in the teacher's dependency graph) rather than a bare
// map; keys are only read, written and deleted one at a time (no range
// scans are issued). A seiflotfy/cuckoofilter pre-check short-circuits the
// common "definitely not associated" case on the hot RemoveCacheKey/PullCache
// path without taking the manager mutex.
package cache

import (
	"encoding/json"
	"fmt"
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/tidwall/buntdb"

	"github.com/nvidia/llmdatadist/cmn/nlog"
	"github.com/nvidia/llmdatadist/errs"
)

type keyRecord struct {
	CacheID    uint64 `json:"cache_id"`
	BatchIndex int64  `json:"batch_index"`
}

type Manager struct {
	mu      sync.Mutex
	entries map[uint64]*Entry
	nextID  uint64

	db     *buntdb.DB
	filter *cuckoo.Filter
}

func NewManager() (*Manager, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, err
	}
	return &Manager{
		entries: make(map[uint64]*Entry),
		db:      db,
		filter:  cuckoo.NewFilter(1 << 16),
	}, nil
}

func (m *Manager) Close() error { return m.db.Close() }

// Allocate records a new owned cache entry whose tensor storage the caller
// has already placed in e.TensorAddresses; it does not allocate memory
// itself. Sets ext_ref_count = 1 (spec §3 ownership rules).
func (m *Manager) Allocate(e *Entry, keys []Key) (*Entry, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	e.IsOwned = true
	m.mu.Lock()
	m.nextID++
	e.CacheID = m.nextID
	e.extRef.Store(1)
	m.entries[e.CacheID] = e
	m.mu.Unlock()

	for _, k := range keys {
		if err := m.associateKey(e, k); err != nil {
			return e, err
		}
	}
	return e, nil
}

// Register records a cache whose tensor storage is owned by the caller
// (user-provided addresses); Register entries hold weak address references
// only (spec §3).
func (m *Manager) Register(e *Entry, keys []Key) (*Entry, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	e.IsOwned = false
	m.mu.Lock()
	m.nextID++
	e.CacheID = m.nextID
	e.extRef.Store(1)
	m.entries[e.CacheID] = e
	m.mu.Unlock()

	for _, k := range keys {
		if err := m.associateKey(e, k); err != nil {
			return e, err
		}
	}
	return e, nil
}

// associateKey enforces CacheKey uniqueness: a second association of the
// same key returns ParamInvalid carrying the existing cache_id.
func (m *Manager) associateKey(e *Entry, k Key) error {
	wk := k.wireKey()
	filterKey := []byte(wk)

	if m.filter.Lookup(filterKey) {
		if existing, ok := m.lookupKeyRecord(wk); ok {
			return errs.New(errs.ParamInvalid, fmt.Sprintf("cache key already bound to cache_id=%d", existing.CacheID))
		}
	}

	rec := keyRecord{CacheID: e.CacheID, BatchIndex: -1}
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = m.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(wk); err == nil {
			return errs.New(errs.ParamInvalid, "cache key already bound")
		}
		_, _, err := tx.Set(wk, string(buf), nil)
		return err
	})
	if err != nil {
		return err
	}
	m.filter.Insert(filterKey)
	e.retainKey()
	return nil
}

func (m *Manager) lookupKeyRecord(wk string) (keyRecord, bool) {
	var rec keyRecord
	var found bool
	_ = m.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(wk)
		if err != nil {
			return nil
		}
		if json.Unmarshal([]byte(val), &rec) == nil {
			found = true
		}
		return nil
	})
	return rec, found
}

// RemoveCacheKey drops the (key,is_prefix) association; if it was the last
// reference and the entry's ext_ref is already zero, the entry is destroyed.
func (m *Manager) RemoveCacheKey(k Key) error {
	wk := k.wireKey()
	if !m.filter.Lookup([]byte(wk)) {
		return errs.New(errs.CacheNotExist, "no such cache key")
	}
	rec, ok := m.lookupKeyRecord(wk)
	if !ok {
		return errs.New(errs.CacheNotExist, "no such cache key")
	}
	if err := m.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(wk)
		return err
	}); err != nil {
		return err
	}
	m.filter.Delete([]byte(wk))

	m.mu.Lock()
	e, ok := m.entries[rec.CacheID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	e.releaseKey()
	m.maybeDestroy(e)
	return nil
}

// Deallocate clears ext_ref but keeps the entry while any key still
// references it; the entry is destroyed only when ext_ref==0 and no keys
// remain (spec §3).
func (m *Manager) Deallocate(cacheID uint64) error {
	m.mu.Lock()
	e, ok := m.entries[cacheID]
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.CacheNotExist, fmt.Sprintf("cache_id=%d", cacheID))
	}
	e.extRef.Store(0)
	if e.IsOwned && e.handle != nil {
		e.handle.Release()
		e.handle = nil
	}
	m.maybeDestroy(e)
	return nil
}

func (m *Manager) maybeDestroy(e *Entry) {
	if !e.destroyed() {
		return
	}
	m.mu.Lock()
	delete(m.entries, e.CacheID)
	m.mu.Unlock()
	nlog.Infof("cache %d destroyed (ext_ref=0, no keys remain)", e.CacheID)
}

func (m *Manager) Get(cacheID uint64) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[cacheID]
	if !ok {
		return nil, errs.New(errs.CacheNotExist, fmt.Sprintf("cache_id=%d", cacheID))
	}
	return e, nil
}

// Lookup resolves a CacheKey to its cache_id; Builder.UpdateTableBuffer uses
// it to fill the CacheAccessTable's key index (spec §4.6).
func (m *Manager) Lookup(k Key) (uint64, error) {
	wk := k.wireKey()
	if !m.filter.Lookup([]byte(wk)) {
		return 0, errs.New(errs.CacheNotExist, "no such cache key")
	}
	rec, ok := m.lookupKeyRecord(wk)
	if !ok {
		return 0, errs.New(errs.CacheNotExist, "no such cache key")
	}
	return rec.CacheID, nil
}

// Snapshot returns all live entries, for CacheAccessTable serialisation.
func (m *Manager) Snapshot() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}
