// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
package cache

import "fmt"

// Key is a CacheKey (spec §3): (req_id OR prefix_id, model_id, is_prefix).
// (key,is_prefix) maps to at most one cache_id.
type Key struct {
	ReqID    uint64
	PrefixID uint64
	ModelID  uint64
	IsPrefix bool
}

func (k Key) id() uint64 {
	if k.IsPrefix {
		return k.PrefixID
	}
	return k.ReqID
}

// wireKey is the buntdb index key: stable, sortable, and distinguishes
// prefix from request keys sharing the same numeric id.
func (k Key) wireKey() string {
	kind := "r"
	if k.IsPrefix {
		kind = "p"
	}
	return fmt.Sprintf("%s:%020d:%020d", kind, k.ModelID, k.id())
}
