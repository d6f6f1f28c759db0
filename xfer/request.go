// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// TransferCacheReq/ResponseInfo wire formats (spec §6.3): fixed 8-byte-field
// headers written directly into the shared request/response slots that RDMA
// PUTs move between peers. Like cache/accesstable.go this is a case where
// the deliverable IS the byte layout, so encoding/binary is used in place of
// the jsoniter codec control/proto.go uses for the control plane.
package xfer

import (
	"bytes"
	"encoding/binary"

	"github.com/nvidia/llmdatadist/errs"
)

// MaxRequestSlotSize is "112 KiB - 8 B flag" (spec §6.3).
const MaxRequestSlotSize = 112*1024 - 8

// reqHeaderLen: 16 eight-byte fields, declaration order per spec §6.3.
const reqHeaderLen = 16 * 8

// TransferInfo is one (addr,size) wire entry following the header.
type TransferInfo struct {
	Addr uint64
	Size uint64
}

// TransferCacheReq is the request-slot payload DataTransferClient.PullCache
// writes into the peer's shared request region.
type TransferCacheReq struct {
	CacheID               uint64
	ReqID                 uint64
	PrefixID              uint64
	ModelID               uint64
	BatchIndex            uint64
	DstAddrCount          uint64
	BufferInfoCount       uint64
	IsPullBlock           uint64
	DstPlacement          uint64
	TimeoutInMs           uint64
	NumTensors            uint64
	PullSize              uint64
	MaxBlockIndex         uint64
	SrcTensorIndicesSize  uint64
	SrcTensorStartIndex   uint64
	BlockSize             uint64

	DstAddrs    []TransferInfo
	BufferInfos []TransferInfo // 2x buffer_info_count entries, interleaved (in,out) per spec §6.3
}

func (r *TransferCacheReq) Serialize() []byte {
	total := reqHeaderLen + (len(r.DstAddrs)+len(r.BufferInfos))*16
	buf := bytes.NewBuffer(make([]byte, 0, total))
	fields := []uint64{
		r.CacheID, r.ReqID, r.PrefixID, r.ModelID, r.BatchIndex,
		r.DstAddrCount, r.BufferInfoCount, r.IsPullBlock, r.DstPlacement,
		r.TimeoutInMs, r.NumTensors, r.PullSize, r.MaxBlockIndex,
		r.SrcTensorIndicesSize, r.SrcTensorStartIndex, r.BlockSize,
	}
	for _, f := range fields {
		_ = binary.Write(buf, binary.LittleEndian, f)
	}
	for _, ti := range r.DstAddrs {
		_ = binary.Write(buf, binary.LittleEndian, ti.Addr)
		_ = binary.Write(buf, binary.LittleEndian, ti.Size)
	}
	for _, ti := range r.BufferInfos {
		_ = binary.Write(buf, binary.LittleEndian, ti.Addr)
		_ = binary.Write(buf, binary.LittleEndian, ti.Size)
	}
	return buf.Bytes()
}

func DeserializeTransferCacheReq(data []byte) (*TransferCacheReq, error) {
	if len(data) < reqHeaderLen {
		return nil, errs.New(errs.ParamInvalid, "request slot shorter than header")
	}
	r := bytes.NewReader(data)
	fields := make([]uint64, 16)
	for i := range fields {
		_ = binary.Read(r, binary.LittleEndian, &fields[i])
	}
	req := &TransferCacheReq{
		CacheID: fields[0], ReqID: fields[1], PrefixID: fields[2], ModelID: fields[3],
		BatchIndex: fields[4], DstAddrCount: fields[5], BufferInfoCount: fields[6],
		IsPullBlock: fields[7], DstPlacement: fields[8], TimeoutInMs: fields[9],
		NumTensors: fields[10], PullSize: fields[11], MaxBlockIndex: fields[12],
		SrcTensorIndicesSize: fields[13], SrcTensorStartIndex: fields[14], BlockSize: fields[15],
	}
	want := reqHeaderLen + int(req.DstAddrCount+2*req.BufferInfoCount)*16
	if len(data) < want {
		return nil, errs.New(errs.ParamInvalid, "request slot truncated")
	}
	req.DstAddrs = make([]TransferInfo, req.DstAddrCount)
	for i := range req.DstAddrs {
		_ = binary.Read(r, binary.LittleEndian, &req.DstAddrs[i].Addr)
		_ = binary.Read(r, binary.LittleEndian, &req.DstAddrs[i].Size)
	}
	req.BufferInfos = make([]TransferInfo, 2*req.BufferInfoCount)
	for i := range req.BufferInfos {
		_ = binary.Read(r, binary.LittleEndian, &req.BufferInfos[i].Addr)
		_ = binary.Read(r, binary.LittleEndian, &req.BufferInfos[i].Size)
	}
	return req, nil
}

// ResponseInfo is the response-slot payload: ret_code first, per spec §6.3.
type ResponseInfo struct {
	RetCode int32
	Message string
}

func (r *ResponseInfo) Serialize() []byte {
	buf := bytes.NewBuffer(nil)
	_ = binary.Write(buf, binary.LittleEndian, r.RetCode)
	msg := []byte(r.Message)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(msg)))
	buf.Write(msg)
	return buf.Bytes()
}

func DeserializeResponseInfo(data []byte) (*ResponseInfo, error) {
	if len(data) < 8 {
		return nil, errs.New(errs.ParamInvalid, "response slot shorter than header")
	}
	r := bytes.NewReader(data)
	resp := &ResponseInfo{}
	_ = binary.Read(r, binary.LittleEndian, &resp.RetCode)
	var msgLen uint32
	_ = binary.Read(r, binary.LittleEndian, &msgLen)
	msg := make([]byte, msgLen)
	_, _ = r.Read(msg)
	resp.Message = string(msg)
	return resp, nil
}
