// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// MemRegistry registers memory regions with the (simulated) interconnect
// library, keyed by (addr,len,kind) per spec §4.2. Registration is
// idempotent: re-registering the same range returns the prior handle.
// Deregistration tolerates unknown handles (warn, return success) and is
// itself idempotent.
//
// The dedup index hashes (addr,len,kind) with xxhash rather than using the
// triple as a map key directly: the registry sits on the hot Connect/PullCache
// path and the retrieved pack's aistore go.mod already carries
// OneOfOne/xxhash for exactly this kind of key-hashing duty.
package memsys

import (
	"encoding/binary"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/nvidia/llmdatadist/cmn/nlog"
)

type MemHandle struct {
	ID   uint64
	Addr uint64
	Len  uint64
	Kind MemKind
}

type registryEntry struct {
	handle  MemHandle
	segTbl  *SegmentTable // owning endpoint's segment table, for deregistration
}

type Registry struct {
	mu      sync.Mutex
	byKey   map[uint64]*registryEntry // xxhash(addr,len,kind) -> entry
	byID    map[uint64]*registryEntry
	nextID  uint64
}

func NewRegistry() *Registry {
	return &Registry{byKey: make(map[uint64]*registryEntry), byID: make(map[uint64]*registryEntry)}
}

func dedupKey(addr, length uint64, kind MemKind) uint64 {
	var buf [20]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint64(buf[8:16], length)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(kind))
	return xxhash.Checksum64(buf[:])
}

// RegisterMem registers [addr,addr+len) of the given kind against segTbl
// (the owning endpoint's SegmentTable), returning a stable MemHandle. A second
// registration of the same (addr,len,kind) returns the original handle
// without touching segTbl.
func (r *Registry) RegisterMem(addr, length uint64, kind MemKind, segTbl *SegmentTable) MemHandle {
	key := dedupKey(addr, length, kind)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byKey[key]; ok {
		return e.handle
	}
	r.nextID++
	h := MemHandle{ID: r.nextID, Addr: addr, Len: length, Kind: kind}
	e := &registryEntry{handle: h, segTbl: segTbl}
	r.byKey[key] = e
	r.byID[h.ID] = e
	if segTbl != nil {
		segTbl.AddRange(addr, addr+length, kind)
	}
	return h
}

// DeregisterMem removes the registration. Unknown handles are tolerated:
// logged and reported as success, matching spec §4.2.
func (r *Registry) DeregisterMem(h MemHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[h.ID]
	if !ok {
		nlog.Warningf("deregister: unknown handle %d (treated as already-deregistered)", h.ID)
		return nil
	}
	delete(r.byID, h.ID)
	key := dedupKey(e.handle.Addr, e.handle.Len, e.handle.Kind)
	delete(r.byKey, key)
	if e.segTbl != nil {
		e.segTbl.RemoveRange(e.handle.Addr, e.handle.Addr+e.handle.Len)
	}
	return nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
