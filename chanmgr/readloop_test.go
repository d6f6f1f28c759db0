// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
package chanmgr

import (
	"context"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nvidia/llmdatadist/control"
)

// notifyEvent is what a test's NotifyHandler records off the read loop.
type notifyEvent struct {
	channelID, name, message string
}

var _ = Describe("per-channel read loop", func() {
	var mgr *Manager

	BeforeEach(func() {
		var err error
		mgr, err = NewManager(Waterlines{Max: 10, High: 8, Low: 2}, time.Second)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		mgr.Stop()
	})

	It("dispatches an inbound Notify frame to the registered NotifyHandler", func() {
		events := make(chan notifyEvent, 1)
		mgr.SetNotifyHandler(func(channelID, name, message string) {
			events <- notifyEvent{channelID, name, message}
		})

		local, peer := net.Pipe()
		ch, err := mgr.Connect(context.Background(), "n1", local, true, time.Second)
		Expect(err).NotTo(HaveOccurred())
		defer peer.Close()

		Expect(control.WriteFrame(peer, control.MsgNotify, control.NotifyMsg{Name: "evt", Message: "hello"})).To(Succeed())

		var got notifyEvent
		Eventually(events, time.Second).Should(Receive(&got))
		Expect(got).To(Equal(notifyEvent{channelID: ch.ID, name: "evt", message: "hello"}))
	})

	It("touches the channel's heartbeat on every frame it reads", func() {
		local, peer := net.Pipe()
		ch, err := mgr.Connect(context.Background(), "n2", local, true, time.Second)
		Expect(err).NotTo(HaveOccurred())
		defer peer.Close()

		time.Sleep(30 * time.Millisecond)
		before := ch.IdleSince()
		Expect(control.WriteFrame(peer, control.MsgNotify, control.NotifyMsg{Name: "ping"})).To(Succeed())

		Eventually(func() time.Duration { return ch.IdleSince() }, time.Second, 10*time.Millisecond).
			Should(BeNumerically("<", before))
	})

	It("correlates an inbound RequestDisconnectResp frame back to the waiting RequestDisconnect call", func() {
		local, peer := net.Pipe()
		ch, err := mgr.Connect(context.Background(), "n3", local, false, time.Second)
		Expect(err).NotTo(HaveOccurred())

		done := make(chan struct{})
		go func() {
			mgr.RequestDisconnect(ch)
			close(done)
		}()

		frame, err := control.ReadFrame(peer)
		Expect(err).NotTo(HaveOccurred())
		Expect(frame.Type).To(Equal(control.MsgRequestDisconnect))
		req, err := frame.DecodeRequestDisconnect()
		Expect(err).NotTo(HaveOccurred())

		Expect(control.WriteFrame(peer, control.MsgRequestDisconnectResp,
			control.RequestDisconnectRespMsg{ReqID: req.ReqID})).To(Succeed())

		Eventually(done, time.Second).Should(BeClosed())
		peer.Close()
	})
})
