// Package atomic provides thin typed wrappers over sync/atomic, in the
// style of aistore's own cmn/atomic (used pervasively by transport, mirror,
// and the link manager in the retrieved examples).
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package atomic

import "sync/atomic"

type Int32 struct{ v int32 }

func (i *Int32) Load() int32        { return atomic.LoadInt32(&i.v) }
func (i *Int32) Store(val int32)    { atomic.StoreInt32(&i.v, val) }
func (i *Int32) Inc() int32         { return atomic.AddInt32(&i.v, 1) }
func (i *Int32) Dec() int32         { return atomic.AddInt32(&i.v, -1) }
func (i *Int32) Add(d int32) int32  { return atomic.AddInt32(&i.v, d) }
func (i *Int32) Swap(val int32) int32 { return atomic.SwapInt32(&i.v, val) }
func (i *Int32) CAS(old, new int32) bool {
	return atomic.CompareAndSwapInt32(&i.v, old, new)
}

type Int64 struct{ v int64 }

func (i *Int64) Load() int64        { return atomic.LoadInt64(&i.v) }
func (i *Int64) Store(val int64)    { atomic.StoreInt64(&i.v, val) }
func (i *Int64) Inc() int64         { return atomic.AddInt64(&i.v, 1) }
func (i *Int64) Dec() int64         { return atomic.AddInt64(&i.v, -1) }
func (i *Int64) Add(d int64) int64  { return atomic.AddInt64(&i.v, d) }
func (i *Int64) Swap(val int64) int64 { return atomic.SwapInt64(&i.v, val) }
func (i *Int64) CAS(old, new int64) bool {
	return atomic.CompareAndSwapInt64(&i.v, old, new)
}

type Bool struct{ v int32 }

func (b *Bool) Load() bool { return atomic.LoadInt32(&b.v) != 0 }
func (b *Bool) Store(val bool) {
	if val {
		atomic.StoreInt32(&b.v, 1)
	} else {
		atomic.StoreInt32(&b.v, 0)
	}
}
func (b *Bool) CAS(old, new bool) bool {
	var o, n int32
	if old {
		o = 1
	}
	if new {
		n = 1
	}
	return atomic.CompareAndSwapInt32(&b.v, o, n)
}
