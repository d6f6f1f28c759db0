// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// Package buffer implements BufferTransferService (spec §4.8): the staging
// pipeline used when TransferPlanner decides NeedBuffer. Grounded on
// aistore's memsys.MMSA slab pool usage in mirror/tcb.go (pinned, reusable
// buffers handed out per operation) generalized to N_POOLS alternating
// pools with an RDMA put/get in the middle of the stage-in/stage-out pair.
package buffer

import (
	"context"
	"time"

	"github.com/pierrec/lz4/v3"

	"github.com/nvidia/llmdatadist/errs"
	"github.com/nvidia/llmdatadist/memsys"
)

type TransferType int32

const (
	ReadRH2H TransferType = iota
	ReadRD2H
	ReadRH2D
	ReadRD2D
	WriteH2RH
	WriteH2RD
	WriteD2RH
	WriteD2RD
)

// TransferOpDesc is one staged operation: move Length bytes, local <->
// remote, via the pool.
type TransferOpDesc struct {
	Type       TransferType
	LocalAddr  uint64
	RemoteAddr uint64
	Length     uint64
}

// RDMA is the one-sided put/get primitive the service issues against the
// peer's registered pool, mirroring link.Communicator's Put/Get but scoped
// to what BufferTransferService needs.
type RDMA interface {
	Put(ctx context.Context, localAddr, remoteAddr, length uint64) error
	Get(ctx context.Context, localAddr, remoteAddr, length uint64) error
}

// MemCopier does the local-bytes-in/local-bytes-out side of staging; on a
// real device this is memcpy or device-memcpy, injected the same way
// cache.Copier is for CopyJob.
type MemCopier interface {
	Copy(dstAddr, srcAddr, size uint64) error
}

const defaultNumPools = 2
const defaultBuffersPerPool = 4
const defaultBufferMiB = 8

// Service is BufferTransferService: owns N_POOLS pinned-buffer pools and
// alternates between them per call.
type Service struct {
	pools    []*memsys.Pool
	next     int
	rdma     RDMA
	copier   MemCopier
	compress bool
}

type Config struct {
	NumPools       int
	BuffersPerPool int
	BufferMiB      int
	Kind           memsys.MemKind
	// Compress is stored on the Service; the staging path does not read it,
	// so staged bytes are never compressed.
	Compress bool
}

func NewService(cfg Config, rdma RDMA, copier MemCopier) (*Service, error) {
	if cfg.NumPools <= 0 {
		cfg.NumPools = defaultNumPools
	}
	if cfg.BuffersPerPool <= 0 {
		cfg.BuffersPerPool = defaultBuffersPerPool
	}
	if cfg.BufferMiB <= 0 {
		cfg.BufferMiB = defaultBufferMiB
	}
	poolSize := uint64(cfg.BuffersPerPool) * uint64(cfg.BufferMiB) * (1 << 20)

	pools := make([]*memsys.Pool, cfg.NumPools)
	for i := range pools {
		p := memsys.NewPool("buffer-pool", cfg.Kind)
		if err := p.Initialize(0, poolSize, memsys.MinPageShift); err != nil {
			return nil, err
		}
		pools[i] = p
	}
	return &Service{pools: pools, rdma: rdma, copier: copier, compress: cfg.Compress}, nil
}

// RunBatch classifies desc by TransferType (all ops in one call must share
// one type, spec §4.8) and stages each through an alternating pool.
func (s *Service) RunBatch(ctx context.Context, ops []TransferOpDesc, timeoutMs uint64) error {
	if len(ops) == 0 {
		return nil
	}
	kind := ops[0].Type
	for _, op := range ops[1:] {
		if op.Type != kind {
			return errs.New(errs.ParamInvalid, "all ops in one buffered call must share one TransferType")
		}
	}
	for _, op := range ops {
		if err := s.runOne(ctx, op, timeoutMs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) runOne(ctx context.Context, op TransferOpDesc, timeoutMs uint64) error {
	pool := s.nextPool()
	addr, err := pool.AllocTimeout(op.Length, time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		return errs.Wrap(errs.OutOfMemory, "acquire staging buffer", err)
	}
	defer func() { _ = pool.Free(addr) }()

	switch op.Type {
	case WriteH2RH, WriteH2RD, WriteD2RH, WriteD2RD:
		if err := s.stageIn(addr, op); err != nil {
			return err
		}
		if err := s.rdma.Put(ctx, addr, op.RemoteAddr, op.Length); err != nil {
			return errs.Wrap(errs.Failed, "rdma put", err)
		}
	case ReadRH2H, ReadRD2H, ReadRH2D, ReadRD2D:
		if err := s.rdma.Get(ctx, addr, op.RemoteAddr, op.Length); err != nil {
			return errs.Wrap(errs.Failed, "rdma get", err)
		}
		if err := s.stageOut(addr, op); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) stageIn(bufAddr uint64, op TransferOpDesc) error {
	return s.copier.Copy(bufAddr, op.LocalAddr, op.Length)
}

func (s *Service) stageOut(bufAddr uint64, op TransferOpDesc) error {
	return s.copier.Copy(op.LocalAddr, bufAddr, op.Length)
}

func (s *Service) nextPool() *memsys.Pool {
	p := s.pools[s.next%len(s.pools)]
	s.next++
	return p
}

// compressBytes lz4-compresses a byte slice (mirrors aistore transport's
// Extra.Compression option); no staging step calls it.
func compressBytes(src []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(src, dst, ht[:])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return src, nil // incompressible; lz4 signals this by writing nothing
	}
	return dst[:n], nil
}

func decompressBytes(src []byte, originalLen int) ([]byte, error) {
	dst := make([]byte, originalLen)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}
