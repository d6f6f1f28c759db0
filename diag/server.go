// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// Package diag is a tiny diagnostics-only HTTP surface (pool state, channel
// counts, FSM states): valyala/fasthttp, not the control/RDMA data paths,
// mirrors aistore's own control surfaces being HTTP while data stays on the
// storage/transport layer. Nothing here participates in the link/transfer
// protocols; it is read-only operational visibility.
package diag

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/nvidia/llmdatadist/chanmgr"
)

// Snapshot is the JSON body served at /status.
type Snapshot struct {
	ChannelCount int            `json:"channel_count"`
	PoolStates   []PoolSnapshot `json:"pools,omitempty"`
}

type PoolSnapshot struct {
	Name   string `json:"name"`
	Free   int    `json:"free_pages"`
	Total  int    `json:"total_pages"`
	Leaked int    `json:"leaked_spans"`
}

// StateSource supplies the live values a Snapshot reports; implemented by
// the top-level llmdatadist handle.
type StateSource interface {
	ChannelManager() *chanmgr.Manager
	PoolSnapshots() []PoolSnapshot
}

type Server struct {
	src    StateSource
	server *fasthttp.Server
}

func NewServer(src StateSource) *Server {
	s := &Server{src: src}
	s.server = &fasthttp.Server{Handler: s.handle, Name: "llmdatadist-diag"}
	return s
}

// ListenAndServe blocks serving the diagnostics surface on addr.
func (s *Server) ListenAndServe(addr string) error {
	return s.server.ListenAndServe(addr)
}

func (s *Server) Shutdown() error {
	return s.server.Shutdown()
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/status":
		s.handleStatus(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) handleStatus(ctx *fasthttp.RequestCtx) {
	snap := Snapshot{PoolStates: s.src.PoolSnapshots()}
	if cm := s.src.ChannelManager(); cm != nil {
		snap.ChannelCount = cm.Count()
	}
	buf, err := json.Marshal(snap)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		fmt.Fprintf(ctx, "marshal error: %v", err)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(buf)
}
