// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
package buffer

import (
	"bytes"
	"testing"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	src := bytes.Repeat([]byte("kv-cache-staging-bytes"), 4096)

	compressed, err := compressBytes(src)
	if err != nil {
		t.Fatalf("compressBytes: %v", err)
	}
	if len(compressed) >= len(src) {
		t.Fatalf("expected compression to shrink a repetitive buffer: got %d >= %d", len(compressed), len(src))
	}

	out, err := decompressBytes(compressed, len(src))
	if err != nil {
		t.Fatalf("decompressBytes: %v", err)
	}
	if !bytes.Equal(out, src) {
		t.Fatalf("round trip mismatch")
	}
}
