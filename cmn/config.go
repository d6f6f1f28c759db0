// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// Config is the process-wide, atomically-swapped configuration object
// populated from the string-keyed option map of spec §6.2, mirroring
// aistore's cmn.GCO (global config owner) pattern: a package-level
// atomic.Pointer[Config] readers load without locking, writers replace
// wholesale rather than mutate in place.
package cmn

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nvidia/llmdatadist/cmn/cos"
)

// BufferPoolSpec is the parsed form of the `"${num}:${size_in_MiB}"`
// BufferPool option; "0:0" disables the pool.
type BufferPoolSpec struct {
	Num       int
	SizeMiB   int
	Disabled  bool
}

// MemPoolSpec is the parsed form of mem_pool_config / host_mem_pool_config.
type MemPoolSpec struct {
	MemorySize uint64 `json:"memory_size"`
	PageShift  uint   `json:"page_shift,omitempty"`
}

// Config is the fully-parsed option set of spec §6.2.
type Config struct {
	DeviceID   int
	ListenAddr string

	BufferPool BufferPoolSpec

	MemPool     MemPoolSpec
	HostMemPool MemPoolSpec

	SyncKVCacheWaitTime    time.Duration
	EnableRemoteCacheAccessible bool
	EnableSwitchRole       bool

	RDMATrafficClass  int
	RDMAServiceLevel  int

	LinkTotalTime  time.Duration
	LinkRetryCount int

	LocalCommRes string

	// TLSCertFile/TLSKeyFile optionally terminate the control channel
	// listener in TLS (see cmn/certloader); both empty means plain TCP.
	TLSCertFile string
	TLSKeyFile  string
}

var current atomic.Pointer[Config]

// Get returns the current process-wide config (the GCO pattern); never nil
// once Set has been called at least once.
func Get() *Config { return current.Load() }

// Set atomically replaces the current config.
func Set(c *Config) { current.Store(c) }

// ParseOptions builds a Config from spec §6.2's string-keyed option map,
// applying its documented defaults.
func ParseOptions(opts map[string]string) (*Config, error) {
	c := &Config{
		SyncKVCacheWaitTime: time.Second, // sync_kv_cache_wait_time default 1000ms
		BufferPool:          BufferPoolSpec{Num: 2, SizeMiB: 8},
	}

	deviceID, ok := opts["device_id"]
	if !ok {
		return nil, fmt.Errorf("cmn: device_id is required")
	}
	id, err := strconv.Atoi(deviceID)
	if err != nil || id < 0 {
		return nil, fmt.Errorf("cmn: device_id must be an integer >= 0: %q", deviceID)
	}
	c.DeviceID = id

	if v, ok := opts["listen_ip_info"]; ok {
		c.ListenAddr = v
	}

	if v, ok := opts["BufferPool"]; ok {
		spec, err := parseBufferPool(v)
		if err != nil {
			return nil, err
		}
		c.BufferPool = spec
	}

	if v, ok := opts["mem_pool_config"]; ok {
		if err := json.Unmarshal([]byte(v), &c.MemPool); err != nil {
			return nil, fmt.Errorf("cmn: mem_pool_config: %w", err)
		}
	}
	if v, ok := opts["host_mem_pool_config"]; ok {
		if err := json.Unmarshal([]byte(v), &c.HostMemPool); err != nil {
			return nil, fmt.Errorf("cmn: host_mem_pool_config: %w", err)
		}
	}

	if v, ok := opts["sync_kv_cache_wait_time"]; ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("cmn: sync_kv_cache_wait_time: %w", err)
		}
		c.SyncKVCacheWaitTime = cos.MillisToDuration(int64(ms))
	}

	c.EnableRemoteCacheAccessible = boolOpt(opts, "enable_remote_cache_accessible")
	c.EnableSwitchRole = boolOpt(opts, "enable_switch_role")

	if v, ok := opts["rdma_traffic_class"]; ok {
		c.RDMATrafficClass, _ = strconv.Atoi(v)
	}
	if v, ok := opts["rdma_service_level"]; ok {
		c.RDMAServiceLevel, _ = strconv.Atoi(v)
	}
	if v, ok := opts["link_total_time"]; ok {
		ms, _ := strconv.Atoi(v)
		c.LinkTotalTime = cos.MillisToDuration(int64(ms))
	}
	if v, ok := opts["link_retry_count"]; ok {
		c.LinkRetryCount, _ = strconv.Atoi(v)
	}
	if v, ok := opts["local_comm_res"]; ok {
		c.LocalCommRes = v
	}
	if v, ok := opts["tls_cert_file"]; ok {
		c.TLSCertFile = v
	}
	if v, ok := opts["tls_key_file"]; ok {
		c.TLSKeyFile = v
	}

	return c, nil
}

func boolOpt(opts map[string]string, key string) bool {
	v, ok := opts[key]
	if !ok {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

func parseBufferPool(v string) (BufferPoolSpec, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return BufferPoolSpec{}, fmt.Errorf("cmn: BufferPool must be \"num:size_in_MiB\", got %q", v)
	}
	num, err1 := strconv.Atoi(parts[0])
	size, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return BufferPoolSpec{}, fmt.Errorf("cmn: BufferPool must be \"num:size_in_MiB\", got %q", v)
	}
	return BufferPoolSpec{Num: num, SizeMiB: size, Disabled: num == 0 && size == 0}, nil
}
