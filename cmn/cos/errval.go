// Package cos ("common OS/utils") holds small sticky-state helpers shared
// across components, in the style of aistore's cmn/cos (see mirror/tcb.go's
// use of cos.ErrValue).
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import "sync"

// ErrValue is a write-once-wins sticky error box: the first Store sticks,
// subsequent Store calls are ignored. Used by link.Entity to keep the first
// failure, not the last.
type ErrValue struct {
	mu  sync.Mutex
	err error
}

func (e *ErrValue) Store(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.mu.Unlock()
}

func (e *ErrValue) Err() error {
	e.mu.Lock()
	err := e.err
	e.mu.Unlock()
	return err
}
