// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// ScopeGuard generalizes llm_scope_guard.h from the original C++ source: a
// scope-local list of deferred actions, run in LIFO order unless Dismiss is
// called, so that partial state rolls back on any early return;
// link.Entity.BeginTransfer uses one to restore the Idle state. Each
// deferred action must be idempotent.
package cos

// ScopeGuard accumulates rollback actions and runs them (LIFO) unless
// dismissed. Typical use:
//
//	sg := cos.NewScopeGuard()
//	defer sg.Run()
//	h, err := pool.Alloc(n)
//	if err != nil { return err }
//	sg.Push(func() { pool.Free(h) })
//	...
//	sg.Dismiss()
//	return nil
type ScopeGuard struct {
	actions []func()
	done    bool
}

func NewScopeGuard() *ScopeGuard { return &ScopeGuard{} }

func (g *ScopeGuard) Push(action func()) {
	g.actions = append(g.actions, action)
}

// Dismiss marks the guard as succeeded: Run becomes a no-op.
func (g *ScopeGuard) Dismiss() { g.done = true }

// Run executes all pending actions in reverse order, unless dismissed.
// Safe to call via defer unconditionally.
func (g *ScopeGuard) Run() {
	if g.done {
		return
	}
	for i := len(g.actions) - 1; i >= 0; i-- {
		g.actions[i]()
	}
	g.actions = nil
}
