// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// Communicator is the capability trait spec §9 "Communicator SO loading"
// calls for: the source dynamically resolves HCCL symbols at runtime, so a
// target implementation must not assume eager availability of every
// operation. Grounded on the original's hccl/hccl_adapter.* adapter and
// generalized the way aistore's own transport layer separates a narrow
// core contract from optional bundle/stream extras (see
// other_examples/.../transport-bundle-shared_dm.go.go for the pattern of
// injecting a concrete sender behind a narrow interface).
package link

import (
	"context"
	"time"

	"github.com/nvidia/llmdatadist/errs"
)

// MemDesc is one entry of an ExchangeMemInfo: a registered region's address
// and length as seen by the peer after collective exchange.
type MemDesc struct {
	Addr uint64
	Len  uint64
}

// ExchangeMemInfo is the local/remote memory-descriptor quartet exchanged at
// link time (spec §4.5): cache-access-table region, request-slot region,
// its 1-byte completion flag region, and the response-slot region.
type ExchangeMemInfo struct {
	CacheTable MemDesc
	ReqSlot    MemDesc
	FlagSlot   MemDesc
	RespSlot   MemDesc
}

// Communicator is the collective/point-to-point capability trait. Core
// operations (Init/Destroy/ExchangeMemInfo/RegisterMem/DeregisterMem/Put/Get)
// are assumed always available; optional ones are guarded by Supports and
// return FeatureNotEnabled when absent, rather than panicking on a nil
// function pointer the way an eagerly-resolved SO symbol table would.
type Communicator interface {
	// InitComm creates the collective communicator for this link.
	InitComm(ctx context.Context, clusterName string, rankTable string, ranks map[string]int) error
	DestroyComm() error

	// ExchangeMem runs the collective exchange primitive with a timeout,
	// returning the peer's four region descriptors.
	ExchangeMem(ctx context.Context, local ExchangeMemInfo, timeout time.Duration) (ExchangeMemInfo, error)

	RegisterMem(addr, length uint64) error
	DeregisterMem(addr, length uint64) error

	// Put/Get are one-sided RDMA operations against a previously registered
	// remote region.
	Put(ctx context.Context, localAddr, remoteAddr, length uint64) error
	Get(ctx context.Context, localAddr, remoteAddr, length uint64) error

	// Supports reports whether an optional operation (bind/unbind/prepare)
	// is implemented by this adapter.
	Supports(op string) bool

	// Bind/Unbind/Prepare are optional; callers must check Supports first.
	Bind(ctx context.Context) error
	Unbind(ctx context.Context) error
	Prepare(ctx context.Context) error
}

// RequireSupport is a helper for optional-operation call sites: it converts
// an unsupported op into the stable FeatureNotEnabled error code instead of
// letting each caller hand-roll the check.
func RequireSupport(c Communicator, op string) error {
	if !c.Supports(op) {
		return errs.New(errs.FeatureNotEnabled, "communicator does not support "+op)
	}
	return nil
}
