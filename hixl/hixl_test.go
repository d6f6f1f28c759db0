// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
package hixl

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nvidia/llmdatadist/chanmgr"
	"github.com/nvidia/llmdatadist/control"
	"github.com/nvidia/llmdatadist/link"
)

// fakeComm is a no-op Communicator; this file does not exercise
// TransferSync/TransferAsync and only needs Endpoint to hold a non-nil comm.
type fakeComm struct{}

func (fakeComm) InitComm(ctx context.Context, clusterName, rankTable string, ranks map[string]int) error {
	return nil
}
func (fakeComm) DestroyComm() error { return nil }
func (fakeComm) ExchangeMem(ctx context.Context, local link.ExchangeMemInfo, timeout time.Duration) (link.ExchangeMemInfo, error) {
	return local, nil
}
func (fakeComm) RegisterMem(addr, length uint64) error                          { return nil }
func (fakeComm) DeregisterMem(addr, length uint64) error                        { return nil }
func (fakeComm) Put(ctx context.Context, localAddr, remoteAddr, length uint64) error { return nil }
func (fakeComm) Get(ctx context.Context, localAddr, remoteAddr, length uint64) error { return nil }
func (fakeComm) Supports(op string) bool                                        { return false }
func (fakeComm) Bind(ctx context.Context) error                                 { return nil }
func (fakeComm) Unbind(ctx context.Context) error                               { return nil }
func (fakeComm) Prepare(ctx context.Context) error                              { return nil }

// TestInitializeWiresInboundNotifyToEndpoint confirms Initialize registers
// itself as the channel manager's NotifyHandler, so a Notify frame arriving
// on any real channel reaches OnNotify/GetNotifies instead of requiring a
// test to call OnNotify directly.
func TestInitializeWiresInboundNotifyToEndpoint(t *testing.T) {
	chanMgr, err := chanmgr.NewManager(chanmgr.Waterlines{Max: 4, High: 3, Low: 1}, time.Second)
	if err != nil {
		t.Fatalf("chanmgr.NewManager: %v", err)
	}
	defer chanMgr.Stop()

	e, err := Initialize(chanMgr, fakeComm{})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	local, peer := net.Pipe()
	defer peer.Close()
	if _, err := chanMgr.Connect(context.Background(), "c1", local, true, time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := control.WriteFrame(peer, control.MsgNotify, control.NotifyMsg{Name: "who", Message: "there"}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if notes := e.GetNotifies(); len(notes) == 1 {
			if notes[0].Name != "who" || notes[0].Message != "there" {
				t.Fatalf("got %+v, want {who there}", notes[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for notify to be dispatched to Endpoint")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
