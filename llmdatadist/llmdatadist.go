// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// Package llmdatadist is the top-level per-cluster handle of spec §6.1: it
// owns the CacheManager, CacheAccessTable builder, LinkManager, and channel
// manager, and exposes Initialize/Finalize/Link/Unlink/Allocate/Register/
// PullCache/TransferCache/CopyCache/SwapBlocks/SetRole as one cohesive API,
// the way aistore's own top-level Target/Proxy struct composes its
// mountpaths, memsys.MMSA, and cluster.Bowner into one handle.
package llmdatadist

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/nvidia/llmdatadist/buffer"
	"github.com/nvidia/llmdatadist/cache"
	"github.com/nvidia/llmdatadist/chanmgr"
	"github.com/nvidia/llmdatadist/cmn"
	"github.com/nvidia/llmdatadist/cmn/certloader"
	"github.com/nvidia/llmdatadist/cmn/nlog"
	"github.com/nvidia/llmdatadist/control"
	"github.com/nvidia/llmdatadist/diag"
	"github.com/nvidia/llmdatadist/errs"
	"github.com/nvidia/llmdatadist/link"
	"github.com/nvidia/llmdatadist/memsys"
	"github.com/nvidia/llmdatadist/xfer"
)

type Role int32

const (
	RolePrompt Role = iota
	RoleDecoder
	RoleMix
)

// Dependencies injects the externally-provided collaborators spec §9 calls
// out as "must not assume eager availability": the communicator factory
// (HCCL/collective-library binding) and the copy-engine (rtMemcpy/device
// memcpy). Tests supply fakes; a production build supplies real adapters.
type Dependencies struct {
	CommFactory link.CommFactory
	Copier      cache.Copier
}

// LLMDataDist is the per-cluster handle (spec §6.1).
type LLMDataDist struct {
	ClusterID string
	Role      Role

	cfg *cmn.Config

	hostPool   *memsys.Pool
	devicePool *memsys.Pool

	CacheMgr    *cache.Manager
	AccessTable *cache.Builder
	LinkMgr     *link.Manager
	ChanMgr     *chanmgr.Manager
	BufferSvc   *buffer.Service

	copier cache.Copier

	diagSrv *diag.Server
	ctrlLn  *chanmgr.Listener
	certLdr *certloader.Loader

	// linkMu serialises Link end-to-end, including attaching the xfer
	// handle right after LinkMgr.Link returns, so a concurrent Link call
	// can never observe or clobber pendingSlots mid-attach.
	linkMu       sync.Mutex
	pendingSlots *xferSlots

	xfersMu sync.Mutex
	xfers   map[string]*xferHandle
}

// xferSlots is the local request/flag/response memory this process
// allocates for one CommEntity's data-plane slots (spec §6.3); captured by
// localMemInfo during Prepare's ExchangeMem call and attached to the
// resulting comm_id's xfer.Client once Link returns.
type xferSlots struct {
	req, flag, resp uint64
}

// xferHandle is the lazily-built DataTransferClient/Job pair bound to one
// linked CommEntity (spec §4.7), keyed by comm_id.
type xferHandle struct {
	client *xfer.Client
	job    *xfer.Job
}

// addrEchoHandshaker is the default chanmgr.Handshaker: it accepts whatever
// AddrDesc set the client proposes unchanged. The actual memory-descriptor
// negotiation for a given transfer happens over xfer/link once the channel
// is registered; the control-channel handshake itself only needs to stand
// the connection up.
type addrEchoHandshaker struct{}

func (addrEchoHandshaker) Establish(_ context.Context, _ string, peer []control.AddrDesc) ([]control.AddrDesc, error) {
	return peer, nil
}

// Initialize implements spec §6.1 Initialize(options): parses the
// configuration, stands up the memory pools, CacheManager, LinkManager and
// ChannelManager.
func Initialize(clusterID string, role Role, options map[string]string, deps Dependencies) (*LLMDataDist, error) {
	cfg, err := cmn.ParseOptions(options)
	if err != nil {
		return nil, errs.Wrap(errs.ParamInvalid, "parse options", err)
	}
	cmn.Set(cfg)

	d := &LLMDataDist{ClusterID: clusterID, Role: role, cfg: cfg, copier: deps.Copier, xfers: make(map[string]*xferHandle)}

	if cfg.HostMemPool.MemorySize > 0 {
		d.hostPool = memsys.NewPool("host", memsys.Host)
		shift := cfg.HostMemPool.PageShift
		if shift == 0 {
			shift = memsys.MinPageShift
		}
		if err := d.hostPool.Initialize(0, cfg.HostMemPool.MemorySize, shift); err != nil {
			return nil, err
		}
	}
	if cfg.MemPool.MemorySize > 0 {
		d.devicePool = memsys.NewPool("device", memsys.Device)
		shift := cfg.MemPool.PageShift
		if shift == 0 {
			shift = memsys.MinPageShift
		}
		if err := d.devicePool.Initialize(0, cfg.MemPool.MemorySize, shift); err != nil {
			return nil, err
		}
	}

	cacheMgr, err := cache.NewManager()
	if err != nil {
		return nil, errs.Wrap(errs.Failed, "init cache manager", err)
	}
	d.CacheMgr = cacheMgr
	d.AccessTable = cache.NewBuilder(cacheMgr)

	if !cfg.BufferPool.Disabled {
		kind := memsys.Host
		if role != RolePrompt {
			kind = memsys.Device
		}
		svc, err := buffer.NewService(buffer.Config{
			NumPools:       2,
			BuffersPerPool: cfg.BufferPool.Num,
			BufferMiB:      cfg.BufferPool.SizeMiB,
			Kind:           kind,
		}, nil, nil)
		if err != nil {
			return nil, errs.Wrap(errs.Failed, "init buffer service", err)
		}
		d.BufferSvc = svc
	}

	if deps.CommFactory != nil {
		linkMgr, err := link.NewManager(deps.CommFactory, d.localMemInfo, cfg.LinkTotalTime)
		if err != nil {
			return nil, errs.Wrap(errs.Failed, "init link manager", err)
		}
		d.LinkMgr = linkMgr
	}

	chanMgr, err := chanmgr.NewManager(chanmgr.Waterlines{Max: 64, High: 48, Low: 16}, 50*time.Millisecond)
	if err != nil {
		return nil, errs.Wrap(errs.Failed, "init channel manager", err)
	}
	d.ChanMgr = chanMgr
	chanMgr.StartHeartbeat(clusterID)

	if cfg.ListenAddr != "" {
		if err := d.startControlListener(cfg); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// startControlListener binds cfg.ListenAddr and runs the accept loop of
// spec §5 in the background; TLS is used when TLSCertFile/TLSKeyFile are
// configured.
func (d *LLMDataDist) startControlListener(cfg *cmn.Config) error {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return errs.Wrap(errs.Failed, "listen on "+cfg.ListenAddr, err)
	}

	if cfg.TLSCertFile != "" || cfg.TLSKeyFile != "" {
		cl, err := certloader.New("control-listener", cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			ln.Close()
			return errs.Wrap(errs.Failed, "load TLS cert", err)
		}
		d.certLdr = cl
		getCert, err := cl.GetCert()
		if err != nil {
			ln.Close()
			return errs.Wrap(errs.Failed, "TLS cert not ready", err)
		}
		ln = tls.NewListener(ln, &tls.Config{GetCertificate: getCert})
	}

	connectTimeout := cfg.LinkTotalTime
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	d.ctrlLn = chanmgr.NewListener(ln, d.ChanMgr, addrEchoHandshaker{}, 16, connectTimeout)
	go func() {
		if err := d.ctrlLn.Serve(); err != nil {
			nlog.Warningf("control listener stopped: %v", err)
		}
	}()
	return nil
}

// Finalize tears everything down; safe to call once.
func (d *LLMDataDist) Finalize() error {
	if d.ctrlLn != nil {
		d.ctrlLn.Stop()
	}
	if d.ChanMgr != nil {
		d.ChanMgr.StopHeartbeat(d.ClusterID)
		d.ChanMgr.Stop()
	}
	if d.diagSrv != nil {
		_ = d.diagSrv.Shutdown()
	}
	if d.hostPool != nil {
		d.hostPool.Destroy()
	}
	if d.devicePool != nil {
		d.devicePool.Destroy()
	}
	return d.CacheMgr.Close()
}

// localMemInfo is passed to link.NewManager and invoked once per Link call
// (inside LinkMgr's linkMu, itself inside d.linkMu): besides the fixed
// CacheAccessTable region, it allocates the request/flag/response slots
// spec §6.3 requires this process publish to the new peer, and stashes
// their addresses in pendingSlots for Link to pick up once the resulting
// comm_id is known.
func (d *LLMDataDist) localMemInfo() link.ExchangeMemInfo {
	info := link.ExchangeMemInfo{
		CacheTable: link.MemDesc{Addr: 0, Len: 1 << 20}, // kCacheAccessTableBufferSize
	}
	d.pendingSlots = nil

	pool := d.hostPool
	if pool == nil {
		pool = d.devicePool
	}
	if pool == nil {
		return info
	}
	reqAddr, err := pool.Alloc(xfer.MaxRequestSlotSize)
	if err != nil {
		nlog.Warningf("localMemInfo: alloc request slot: %v", err)
		return info
	}
	flagAddr, err := pool.Alloc(1)
	if err != nil {
		nlog.Warningf("localMemInfo: alloc request flag slot: %v", err)
		pool.Free(reqAddr)
		return info
	}
	respAddr, err := pool.Alloc(xfer.MaxRequestSlotSize)
	if err != nil {
		nlog.Warningf("localMemInfo: alloc response slot: %v", err)
		pool.Free(reqAddr)
		pool.Free(flagAddr)
		return info
	}

	d.pendingSlots = &xferSlots{req: reqAddr, flag: flagAddr, resp: respAddr}
	info.ReqSlot = link.MemDesc{Addr: reqAddr, Len: xfer.MaxRequestSlotSize}
	info.FlagSlot = link.MemDesc{Addr: flagAddr, Len: 1}
	info.RespSlot = link.MemDesc{Addr: respAddr, Len: xfer.MaxRequestSlotSize}
	return info
}

// Link implements spec §6.1: links a CommEntity and wires its
// DataTransferClient/Job so PullCache/TransferCache can reach it
// immediately.
func (d *LLMDataDist) Link(ctx context.Context, clusterName, rankTable string, ranks map[string]int) (string, error) {
	if d.LinkMgr == nil {
		return "", errs.New(errs.FeatureNotEnabled, "no communicator factory configured")
	}
	d.linkMu.Lock()
	defer d.linkMu.Unlock()

	commID, err := d.LinkMgr.Link(ctx, clusterName, rankTable, ranks)
	if err != nil {
		return "", err
	}
	d.attachXferHandle(commID)
	return commID, nil
}

// attachXferHandle builds the xfer.Client/Job pair for a freshly linked
// comm_id from the slots localMemInfo allocated during its Prepare call.
// If no pool was configured (pendingSlots nil), PullCache/TransferCache on
// this comm_id return FeatureNotEnabled rather than panicking on a nil
// client.
func (d *LLMDataDist) attachXferHandle(commID string) {
	if d.pendingSlots == nil {
		return
	}
	slots := d.pendingSlots
	d.pendingSlots = nil

	entity, err := d.LinkMgr.Get(commID)
	if err != nil {
		nlog.Warningf("attachXferHandle: %v", err)
		return
	}
	client := xfer.NewClient(entity,
		xfer.NewSlot(slots.req, xfer.MaxRequestSlotSize),
		xfer.NewSlot(slots.flag, 1),
		xfer.NewSlot(slots.resp, xfer.MaxRequestSlotSize),
		d.CacheMgr, d.AccessTable)
	job := xfer.NewJob(commID, entity)

	d.xfersMu.Lock()
	d.xfers[commID] = &xferHandle{client: client, job: job}
	d.xfersMu.Unlock()
}

func (d *LLMDataDist) xferHandleFor(commID string) (*xferHandle, error) {
	d.xfersMu.Lock()
	h, ok := d.xfers[commID]
	d.xfersMu.Unlock()
	if !ok {
		return nil, errs.New(errs.FeatureNotEnabled, "no data-transfer client for comm_id "+commID)
	}
	return h, nil
}

func (d *LLMDataDist) Unlink(commID string) error {
	if d.LinkMgr == nil {
		return errs.New(errs.NotYetLink, "no communicator factory configured")
	}
	d.xfersMu.Lock()
	delete(d.xfers, commID)
	d.xfersMu.Unlock()
	return d.LinkMgr.Unlink(commID)
}

func (d *LLMDataDist) QueryRegisterMemStatus(commID string) (link.RegisterStatus, error) {
	if d.LinkMgr == nil {
		return link.RegFailed, errs.New(errs.NotYetLink, "no communicator factory configured")
	}
	return d.LinkMgr.QueryRegisterMemStatus(commID)
}

// PullCacheParam mirrors spec §6.1's PullCache(cache_id, CacheKey,
// PullCacheParam) parameter bundle: which batch slot of the local
// destination entry the pulled tensors land in, and the request/response
// round-trip timeout.
type PullCacheParam struct {
	BatchIndex  uint64
	TimeoutInMs uint64
}

// PullCache implements spec §6.1 PullCache(cache_id, CacheKey,
// PullCacheParam): resolves the local entry cacheID that will receive the
// pulled tensors, fills the peer's shared request slot with it over the
// CommEntity linked as commID, and spin-waits on the response slot.
func (d *LLMDataDist) PullCache(ctx context.Context, commID string, cacheID uint64, key cache.Key, param PullCacheParam) (*xfer.ResponseInfo, error) {
	h, err := d.xferHandleFor(commID)
	if err != nil {
		return nil, err
	}
	dst, err := d.CacheMgr.Get(cacheID)
	if err != nil {
		return nil, err
	}
	entity, err := d.LinkMgr.Get(commID)
	if err != nil {
		return nil, err
	}
	remotes := entity.RemoteMems()
	if len(remotes) == 0 {
		return nil, errs.New(errs.NotYetLink, "no remote memory descriptors available")
	}
	peer := remotes[len(remotes)-1]

	dstAddrs := make([]xfer.TransferInfo, len(dst.TensorAddresses))
	for i, addr := range dst.TensorAddresses {
		dstAddrs[i] = xfer.TransferInfo{Addr: addr, Size: dst.TensorSize}
	}
	req := &xfer.TransferCacheReq{
		CacheID:      cacheID,
		ReqID:        key.ReqID,
		PrefixID:     key.PrefixID,
		ModelID:      key.ModelID,
		BatchIndex:   param.BatchIndex,
		DstAddrCount: uint64(len(dstAddrs)),
		DstPlacement: uint64(dst.Placement),
		TimeoutInMs:  param.TimeoutInMs,
		NumTensors:   uint64(len(dstAddrs)),
		PullSize:     dst.TensorSize,
		DstAddrs:     dstAddrs,
	}
	return h.client.PullCache(ctx, req, peer.ReqSlot.Addr, peer.FlagSlot.Addr, param.TimeoutInMs)
}

// PullCacheByGet implements the one-sided-GET path of spec §4.7/§6.1: pulls
// cacheID's tensors directly out of the peer's mirrored CacheAccessTable
// without round-tripping through the peer's request handler. Both sides must
// have enable_remote_cache_accessible set.
func (d *LLMDataDist) PullCacheByGet(ctx context.Context, commID string, fetcher cache.Fetcher, key cache.Key, localCacheID uint64, staleAfter time.Duration) error {
	h, err := d.xferHandleFor(commID)
	if err != nil {
		return err
	}
	dst, err := d.CacheMgr.Get(localCacheID)
	if err != nil {
		return err
	}
	return h.client.PullCacheByGet(ctx, fetcher, key, dst.TensorAddresses, dst.TensorSize, staleAfter)
}

// TransferCacheConfig mirrors spec §6.1's TransferCache(task_id,
// TransferCacheConfig, TransferBlockConfig): the src/dst entries and whether
// the push runs as one batch or layer-by-layer.
type TransferCacheConfig struct {
	SrcCacheID, DstCacheID uint64
	LayerWise              bool
	SrcRange, DstRange     xfer.LayerRange
	TensorNumPerLayer      int
	DeadlineMs             uint64
}

// TransferBlockConfig is the block-addressed subset of a TransferCache call
// (spec §6.1): when non-empty, only these (src_block,dst_block) pairs move
// instead of every tensor in the entry.
type TransferBlockConfig struct {
	Pairs []cache.BlockCopyInfo
}

// TransferCache implements spec §6.1 TransferCache(task_id,
// TransferCacheConfig, TransferBlockConfig): pushes src's tensors into dst's
// addresses over the CommEntity linked as commID via xfer.Job, either as one
// batch, a block-addressed subset, or layer-by-layer.
func (d *LLMDataDist) TransferCache(ctx context.Context, commID, taskID string, cfg TransferCacheConfig, blocks TransferBlockConfig) error {
	h, err := d.xferHandleFor(commID)
	if err != nil {
		return err
	}
	src, err := d.CacheMgr.Get(cfg.SrcCacheID)
	if err != nil {
		return err
	}
	dst, err := d.CacheMgr.Get(cfg.DstCacheID)
	if err != nil {
		return err
	}
	h.job.TaskID = taskID
	deadline := time.Duration(cfg.DeadlineMs) * time.Millisecond

	if len(blocks.Pairs) > 0 {
		srcAddrs := make([]uint64, len(blocks.Pairs))
		dstAddrs := make([]uint64, len(blocks.Pairs))
		for i, pair := range blocks.Pairs {
			if pair.SrcBlock >= uint64(len(src.TensorAddresses)) || pair.DstBlock >= uint64(len(dst.TensorAddresses)) {
				return errs.New(errs.ParamInvalid, "block index out of range")
			}
			srcAddrs[i] = src.TensorAddresses[pair.SrcBlock]
			dstAddrs[i] = dst.TensorAddresses[pair.DstBlock]
		}
		_, err := h.job.SynchronizeTransferCacheWithRecord(ctx, srcAddrs, dstAddrs, src.Stride, deadline)
		return err
	}

	if cfg.LayerWise {
		return h.job.RunLayerWise(ctx, src, dst, cfg.SrcRange, cfg.DstRange, cfg.TensorNumPerLayer)
	}

	_, err = h.job.SynchronizeTransferCacheWithRecord(ctx, src.TensorAddresses, dst.TensorAddresses, src.Stride, deadline)
	return err
}

// CacheDesc is the language-neutral CacheDesc of spec §6.1 Allocate/Register.
type CacheDesc struct {
	Placement        memsys.MemKind
	MemType          cache.MemType
	Shape            []int64
	TensorSize       uint64
	Stride           uint64
	BatchSize        uint64
	NumBlocks        uint64
	NumTensors       int
	RemoteAccessible bool
}

func (d *LLMDataDist) pool(kind memsys.MemKind) *memsys.Pool {
	if kind == memsys.Device {
		return d.devicePool
	}
	return d.hostPool
}

// Allocate implements spec §6.1 Allocate(CacheDesc, [CacheKey]) -> Cache:
// tensor storage is allocated from the matching pool and owned by the
// returned entry.
func (d *LLMDataDist) Allocate(desc CacheDesc, keys []cache.Key) (*cache.Entry, error) {
	pool := d.pool(desc.Placement)
	if pool == nil {
		return nil, errs.New(errs.ParamInvalid, "no pool configured for requested placement")
	}
	perTensor := desc.TensorSize
	addrs := make([]uint64, desc.NumTensors)
	for i := range addrs {
		addr, err := pool.Alloc(perTensor)
		if err != nil {
			pool.LogPoolState()
			return nil, err
		}
		addrs[i] = addr
	}
	e := &cache.Entry{
		Placement:        desc.Placement,
		MemType:          desc.MemType,
		Shape:            desc.Shape,
		TensorSize:       desc.TensorSize,
		Stride:           desc.Stride,
		BatchSize:        desc.BatchSize,
		NumBlocks:        desc.NumBlocks,
		TensorAddresses:  addrs,
		RemoteAccessible: desc.RemoteAccessible,
	}
	entry, err := d.CacheMgr.Allocate(e, keys)
	if entry != nil {
		for _, k := range keys {
			d.AccessTable.Track(k)
		}
		d.AccessTable.UpdateTableBuffer()
	}
	return entry, err
}

// Register implements spec §6.1 Register(CacheDesc, [CacheKey],
// user-provided addresses) -> Cache.
func (d *LLMDataDist) Register(desc CacheDesc, addrs []uint64, keys []cache.Key) (*cache.Entry, error) {
	e := &cache.Entry{
		Placement:        desc.Placement,
		MemType:          desc.MemType,
		Shape:            desc.Shape,
		TensorSize:       desc.TensorSize,
		Stride:           desc.Stride,
		BatchSize:        desc.BatchSize,
		NumBlocks:        desc.NumBlocks,
		TensorAddresses:  addrs,
		RemoteAccessible: desc.RemoteAccessible,
	}
	entry, err := d.CacheMgr.Register(e, keys)
	if entry != nil {
		for _, k := range keys {
			d.AccessTable.Track(k)
		}
		d.AccessTable.UpdateTableBuffer()
	}
	return entry, err
}

func (d *LLMDataDist) Deallocate(cacheID uint64) error {
	err := d.CacheMgr.Deallocate(cacheID)
	d.AccessTable.UpdateTableBuffer()
	return err
}

// Unregister is Deallocate's counterpart for Register-ed (non-owned)
// entries; spec §6.1 names both verbs but the manager's release semantics
// (ext_ref drop, destroy-when-unreferenced) are identical either way.
func (d *LLMDataDist) Unregister(cacheID uint64) error { return d.Deallocate(cacheID) }

func (d *LLMDataDist) RemoveCacheKey(k cache.Key) error {
	err := d.CacheMgr.RemoveCacheKey(k)
	d.AccessTable.UpdateTableBuffer()
	return err
}

// CopyCacheParam mirrors spec §6.1 CopyCache(CopyCacheParam): a continuous
// copy when BlockInfos is empty, a per-block copy otherwise.
type CopyCacheParam struct {
	SrcCacheID, DstCacheID uint64
	Continuous             cache.ContinuousParam
	BlockInfos             []cache.BlockCopyInfo
	NumDevices             int
	MbufInvolved           bool
}

func (d *LLMDataDist) CopyCache(p CopyCacheParam) error {
	if d.copier == nil {
		return errs.New(errs.FeatureNotEnabled, "no copy engine configured")
	}
	src, err := d.CacheMgr.Get(p.SrcCacheID)
	if err != nil {
		return err
	}
	dst, err := d.CacheMgr.Get(p.DstCacheID)
	if err != nil {
		return err
	}
	job := cache.NewCopyJob(d.copier, p.MbufInvolved)
	if len(p.BlockInfos) == 0 {
		return d.CacheMgr.CopyCacheForContinuous(job, dst, src, p.Continuous)
	}
	return d.CacheMgr.CopyCacheForBlocks(job, dst, src, p.BlockInfos, p.NumDevices)
}

// SwapBlocks implements spec §6.1 SwapBlocks(src,dst,block_size,direction,
// [(i,j)]); direction is implicit in which entry is named src vs dst.
func (d *LLMDataDist) SwapBlocks(srcCacheID, dstCacheID, blockSize uint64, pairs []cache.BlockCopyInfo) error {
	if d.copier == nil {
		return errs.New(errs.FeatureNotEnabled, "no copy engine configured")
	}
	src, err := d.CacheMgr.Get(srcCacheID)
	if err != nil {
		return err
	}
	dst, err := d.CacheMgr.Get(dstCacheID)
	if err != nil {
		return err
	}
	job := cache.NewCopyJob(d.copier, false)
	return d.CacheMgr.SwapBlocks(job, src, dst, blockSize, pairs)
}

// SetRole implements spec §6.1 SetRole(role, options); requires
// enable_switch_role (spec §6.2).
func (d *LLMDataDist) SetRole(role Role) error {
	if !d.cfg.EnableSwitchRole {
		return errs.New(errs.FeatureNotEnabled, "enable_switch_role is not set")
	}
	nlog.Infof("cluster %s switching role %d -> %d", d.ClusterID, d.Role, role)
	d.Role = role
	return nil
}

// ServeDiagnostics starts the read-only diagnostics HTTP surface (spec
// AMBIENT STACK; see diag package) on addr; non-blocking.
func (d *LLMDataDist) ServeDiagnostics(addr string) error {
	d.diagSrv = diag.NewServer(d)
	errCh := make(chan error, 1)
	go func() { errCh <- d.diagSrv.ListenAndServe(addr) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

func (d *LLMDataDist) ChannelManager() *chanmgr.Manager { return d.ChanMgr }

func (d *LLMDataDist) PoolSnapshots() []diag.PoolSnapshot {
	var out []diag.PoolSnapshot
	for _, p := range []*memsys.Pool{d.hostPool, d.devicePool} {
		if p == nil {
			continue
		}
		name, free, total, leaked := p.Stats()
		out = append(out, diag.PoolSnapshot{Name: name, Free: free, Total: total, Leaked: leaked})
	}
	return out
}
