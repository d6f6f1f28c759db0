// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
package chanmgr

import (
	"context"
	"io"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// pipePair returns a connected net.Conn whose peer is drained in the
// background, so writes from the channel under test (Disconnect's
// MsgDisconnect frame) never block on an unread peer.
func pipePair() net.Conn {
	local, peer := net.Pipe()
	go io.Copy(io.Discard, peer)
	return local
}

var _ = Describe("waterline eviction", func() {
	// spec §8 scenario 5: max_channel=4, high=3, low=1.
	var mgr *Manager

	BeforeEach(func() {
		var err error
		mgr, err = NewManager(Waterlines{Max: 4, High: 3, Low: 1}, time.Second)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		mgr.Stop()
	})

	It("evicts idle clients down to the low watermark once count reaches high", func() {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := mgr.Connect(ctx, string(rune('a'+i)), pipePair(), true, time.Second)
			Expect(err).NotTo(HaveOccurred())
		}

		Eventually(func() int { return mgr.Count() }, 2*time.Second, 10*time.Millisecond).
			Should(BeNumerically("<=", 1))
	})

	It("never exceeds max_channel even under concurrent Connect pressure", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		done := make(chan struct{}, 8)
		for i := 0; i < 8; i++ {
			go func(i int) {
				defer func() { done <- struct{}{} }()
				_, _ = mgr.Connect(ctx, string(rune('a'+i)), pipePair(), true, 400*time.Millisecond)
			}(i)
		}
		for i := 0; i < 8; i++ {
			<-done
		}
		Expect(mgr.Count()).To(BeNumerically("<=", 4))
	})

	It("skips in-flight channels as eviction victims", func() {
		ctx := context.Background()
		ch, err := mgr.Connect(ctx, "busy", pipePair(), true, time.Second)
		Expect(err).NotTo(HaveOccurred())
		ch.BeginTransfer()

		for i := 0; i < 2; i++ {
			_, err := mgr.Connect(ctx, string(rune('x'+i)), pipePair(), true, time.Second)
			Expect(err).NotTo(HaveOccurred())
		}

		Consistently(func() int32 { return ch.GetTransferCount() }, 200*time.Millisecond, 20*time.Millisecond).
			Should(BeNumerically(">", 0))
	})
})
