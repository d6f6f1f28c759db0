// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
package chanmgr

import (
	"time"

	"github.com/nvidia/llmdatadist/cmn/nlog"
	"github.com/nvidia/llmdatadist/hk"
)

const heartbeatSweepIval = 10 * time.Millisecond

// StartHeartbeat registers a housekeeping sweep (via hk, not a bare
// goroutine+ticker) that drops any channel missing heartbeats for longer
// than m.heartbeatTimeout.
func (m *Manager) StartHeartbeat(name string) {
	hk.Reg(name+hk.NameSuffix, m.heartbeatSweep, heartbeatSweepIval)
}

func (m *Manager) StopHeartbeat(name string) {
	hk.Unreg(name + hk.NameSuffix)
}

func (m *Manager) heartbeatSweep(int64) time.Duration {
	m.mu.Lock()
	dead := make([]*Channel, 0, 2)
	for _, c := range m.clients {
		if c.IdleSince() > m.heartbeatTimeout {
			dead = append(dead, c)
		}
	}
	for _, c := range m.servers {
		if c.IdleSince() > m.heartbeatTimeout {
			dead = append(dead, c)
		}
	}
	m.mu.Unlock()

	for _, c := range dead {
		nlog.Warningf("channel %s: missed heartbeat for %v, dropping", c.ID, c.IdleSince())
		_ = m.Disconnect(c)
	}
	return heartbeatSweepIval
}
