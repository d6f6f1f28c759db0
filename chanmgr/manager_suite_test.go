// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
package chanmgr

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestChanmgr(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "chanmgr suite")
}
