// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// CacheAccessTable (spec §4.6) is the versioned, RDMA-served binary catalog a
// remote peer GETs and parses to resolve a pull by cache_id or
// (req_id,model_id), without a control-plane round trip. The wire layout is
// fixed-width and byte-exact by design (a remote peer decodes it with no
// schema negotiation), so it is built on encoding/binary rather than the
// jsoniter codec used for the control-plane protocol in control/proto.go -
// the one place in this module a hand-rolled stdlib format is the right call
// instead of a library, because the format itself, not convenience, is the
// deliverable.
package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/nvidia/llmdatadist/errs"
	"github.com/nvidia/llmdatadist/memsys"
)

// InvalidVersion is the UINT64_MAX sentinel meaning "no table has been
// built yet" (spec §4.6).
const InvalidVersion uint64 = ^uint64(0)

// CacheSummary describes one remote-accessible cache entry; TensorAddrs
// carries the real per-tensor base addresses (spec §4.6 tensor_addrs
// [num_tensors]) so a remote peer's PullCacheByGet can GET directly against
// them instead of guessing an address from the CacheAccessTable buffer's own
// location. len(TensorAddrs) must equal NumTensors.
type CacheSummary struct {
	CacheID          uint64
	Placement        memsys.MemKind
	MemType          MemType
	TensorSize       uint64
	Stride           uint64
	BatchSize        uint64
	NumBlocks        uint64
	NumTensors       uint64
	TensorAddrs      []uint64
	RemoteAccessible bool
}

type CacheIndexEntry struct {
	ReqID    uint64
	PrefixID uint64
	ModelID  uint64
	IsPrefix bool
	CacheID  uint64
}

// AccessTable is the in-memory representation of a serialized
// CacheAccessTable: a version counter, one CacheSummary per remote-accessible
// cache, and one CacheIndexEntry per CacheKey bound to one.
type AccessTable struct {
	Version    uint64
	Summaries  []CacheSummary
	Indices    []CacheIndexEntry
}

// headerLen: version(8) + num_caches(8) + num_indices(8).
// summaryFixedLen is the fixed portion of one CacheSummary, excluding its
// trailing tensor_addrs[num_tensors] array (variable-length, 8 bytes each).
const (
	headerLen       = 24
	summaryFixedLen = 8 + 4 + 4 + 8 + 8 + 8 + 8 + 8 + 1
	indexWireLen    = 8 + 8 + 8 + 1 + 8
)

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Serialize writes the fixed-width wire format: header, then every
// CacheSummary (fixed fields followed by its tensor_addrs[num_tensors]
// array), then every CacheIndexEntry.
func (t *AccessTable) Serialize() []byte {
	size := headerLen + len(t.Indices)*indexWireLen
	for _, s := range t.Summaries {
		size += summaryFixedLen + len(s.TensorAddrs)*8
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))
	_ = binary.Write(buf, binary.LittleEndian, t.Version)
	_ = binary.Write(buf, binary.LittleEndian, uint64(len(t.Summaries)))
	_ = binary.Write(buf, binary.LittleEndian, uint64(len(t.Indices)))
	for _, s := range t.Summaries {
		_ = binary.Write(buf, binary.LittleEndian, s.CacheID)
		_ = binary.Write(buf, binary.LittleEndian, int32(s.Placement))
		_ = binary.Write(buf, binary.LittleEndian, int32(s.MemType))
		_ = binary.Write(buf, binary.LittleEndian, s.TensorSize)
		_ = binary.Write(buf, binary.LittleEndian, s.Stride)
		_ = binary.Write(buf, binary.LittleEndian, s.BatchSize)
		_ = binary.Write(buf, binary.LittleEndian, s.NumBlocks)
		_ = binary.Write(buf, binary.LittleEndian, uint64(len(s.TensorAddrs)))
		buf.WriteByte(boolByte(s.RemoteAccessible))
		for _, addr := range s.TensorAddrs {
			_ = binary.Write(buf, binary.LittleEndian, addr)
		}
	}
	for _, idx := range t.Indices {
		_ = binary.Write(buf, binary.LittleEndian, idx.ReqID)
		_ = binary.Write(buf, binary.LittleEndian, idx.PrefixID)
		_ = binary.Write(buf, binary.LittleEndian, idx.ModelID)
		buf.WriteByte(boolByte(idx.IsPrefix))
		_ = binary.Write(buf, binary.LittleEndian, idx.CacheID)
	}
	return buf.Bytes()
}

// DeserializeAccessTable parses the wire format written by Serialize. Each
// summary's tensor_addrs array is variable-length (num_tensors entries), so
// sizes are validated incrementally rather than from one precomputed total.
func DeserializeAccessTable(data []byte) (*AccessTable, error) {
	if len(data) < headerLen {
		return nil, errs.New(errs.ParamInvalid, "access table buffer shorter than header")
	}
	r := bytes.NewReader(data)
	var version, numCaches, numIndices uint64
	_ = binary.Read(r, binary.LittleEndian, &version)
	_ = binary.Read(r, binary.LittleEndian, &numCaches)
	_ = binary.Read(r, binary.LittleEndian, &numIndices)

	t := &AccessTable{Version: version, Summaries: make([]CacheSummary, numCaches), Indices: make([]CacheIndexEntry, numIndices)}
	for i := range t.Summaries {
		s := &t.Summaries[i]
		var placement, memType int32
		var remoteAccessible byte
		var numTensors uint64
		if r.Len() < summaryFixedLen {
			return nil, errs.New(errs.ParamInvalid, "access table buffer truncated in summary")
		}
		_ = binary.Read(r, binary.LittleEndian, &s.CacheID)
		_ = binary.Read(r, binary.LittleEndian, &placement)
		_ = binary.Read(r, binary.LittleEndian, &memType)
		_ = binary.Read(r, binary.LittleEndian, &s.TensorSize)
		_ = binary.Read(r, binary.LittleEndian, &s.Stride)
		_ = binary.Read(r, binary.LittleEndian, &s.BatchSize)
		_ = binary.Read(r, binary.LittleEndian, &s.NumBlocks)
		_ = binary.Read(r, binary.LittleEndian, &numTensors)
		_ = binary.Read(r, binary.LittleEndian, &remoteAccessible)
		if r.Len() < int(numTensors)*8 {
			return nil, errs.New(errs.ParamInvalid, fmt.Sprintf("access table buffer truncated: want %d more tensor addrs, got %d bytes left", numTensors, r.Len()))
		}
		s.NumTensors = numTensors
		s.TensorAddrs = make([]uint64, numTensors)
		for j := range s.TensorAddrs {
			_ = binary.Read(r, binary.LittleEndian, &s.TensorAddrs[j])
		}
		s.Placement = memsys.MemKind(placement)
		s.MemType = MemType(memType)
		s.RemoteAccessible = remoteAccessible != 0
	}
	if r.Len() < int(numIndices)*indexWireLen {
		return nil, errs.New(errs.ParamInvalid, fmt.Sprintf("access table buffer truncated: want %d index entries, got %d bytes left", numIndices, r.Len()))
	}
	for i := range t.Indices {
		idx := &t.Indices[i]
		var isPrefix byte
		_ = binary.Read(r, binary.LittleEndian, &idx.ReqID)
		_ = binary.Read(r, binary.LittleEndian, &idx.PrefixID)
		_ = binary.Read(r, binary.LittleEndian, &idx.ModelID)
		_ = binary.Read(r, binary.LittleEndian, &isPrefix)
		_ = binary.Read(r, binary.LittleEndian, &idx.CacheID)
		idx.IsPrefix = isPrefix != 0
	}
	return t, nil
}

// Lookup resolves a CacheKey the way a remote reader of this table does:
// cache_id (if > 0, via the caller) takes priority; otherwise scan indices
// for (req_id|prefix_id, model_id, is_prefix) (spec §4.6 lookup order).
func (t *AccessTable) Lookup(k Key) (uint64, bool) {
	want := k.id()
	for _, idx := range t.Indices {
		if idx.IsPrefix != k.IsPrefix || idx.ModelID != k.ModelID {
			continue
		}
		got := idx.ReqID
		if idx.IsPrefix {
			got = idx.PrefixID
		}
		if got == want {
			return idx.CacheID, true
		}
	}
	return 0, false
}

// Builder assembles an AccessTable from a Manager's live entries and key
// index, bumping the version on every UpdateTableBuffer call.
type Builder struct {
	mu      sync.Mutex
	mgr     *Manager
	keys    []Key // keys known to the builder, maintained by the caller via Track
	version uint64
	buf     []byte
}

func NewBuilder(mgr *Manager) *Builder {
	return &Builder{mgr: mgr, version: InvalidVersion}
}

// Track records a key association so the next UpdateTableBuffer call can
// include it; LLMDataDist.Allocate and Register call this for each key they
// associate.
func (b *Builder) Track(k Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, k)
}

// UpdateTableBuffer rebuilds the table from current manager state, increments
// the version (wrapping away from the InvalidVersion sentinel), and stores
// the serialized buffer for remote GET.
func (b *Builder) UpdateTableBuffer() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.version == InvalidVersion {
		b.version = 0
	} else {
		b.version++
		if b.version == InvalidVersion {
			b.version = 0
		}
	}

	t := &AccessTable{Version: b.version}
	for _, e := range b.mgr.Snapshot() {
		if !e.RemoteAccessible {
			continue
		}
		t.Summaries = append(t.Summaries, CacheSummary{
			CacheID:          e.CacheID,
			Placement:        e.Placement,
			MemType:          e.MemType,
			TensorSize:       e.TensorSize,
			Stride:           e.Stride,
			BatchSize:        e.BatchSize,
			NumBlocks:        e.NumBlocks,
			NumTensors:       e.numTensors(),
			TensorAddrs:      append([]uint64(nil), e.TensorAddresses...),
			RemoteAccessible: e.RemoteAccessible,
		})
	}
	for _, k := range b.keys {
		if cacheID, err := b.mgr.Lookup(k); err == nil {
			t.Indices = append(t.Indices, CacheIndexEntry{ReqID: k.ReqID, PrefixID: k.PrefixID, ModelID: k.ModelID, IsPrefix: k.IsPrefix, CacheID: cacheID})
		}
	}
	b.buf = t.Serialize()
	return b.buf
}

func (b *Builder) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

func (b *Builder) Buffer() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf
}

// Fetcher retrieves a remote peer's current CacheAccessTable buffer, the
// one-sided GET of spec §4.6.
type Fetcher interface {
	FetchAccessTable(ctx context.Context) ([]byte, error)
}

// SyncFromRemote GETs and parses a remote peer's table within timeout. A
// version equal to InvalidVersion means the peer has not published a table
// yet (CacheNotExist); a zero-length or truncated read fails parsing with
// ParamInvalid.
func SyncFromRemote(f Fetcher, timeout time.Duration) (*AccessTable, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	data, err := f.FetchAccessTable(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.NotConnected, "fetch access table", err)
	}
	t, err := DeserializeAccessTable(data)
	if err != nil {
		return nil, err
	}
	if t.Version == InvalidVersion {
		return nil, errs.New(errs.CacheNotExist, "remote has not published an access table")
	}
	return t, nil
}
