// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// llmdatadistd is a thin process wrapper around llmdatadist.Initialize: it
// parses the option map from flags, starts the diagnostics surface, and
// blocks until signaled, the way aistore's cmd/aisnode wires a Target/Proxy
// handle to the process lifecycle.
package main

import (
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nvidia/llmdatadist/cmn/nlog"
	"github.com/nvidia/llmdatadist/llmdatadist"
)

func main() {
	var (
		clusterID = flag.String("cluster_id", "", "local cluster identifier")
		deviceID  = flag.Int("device_id", 0, "local device ordinal")
		listenIP  = flag.String("listen_ip_info", "", "control channel listen address (host:port)")
		diagAddr  = flag.String("diag_addr", "", "diagnostics HTTP address, empty disables it")
		role      = flag.String("role", "mix", "prompt|decoder|mix")
	)
	flag.Parse()

	if *clusterID == "" {
		nlog.Errorln("llmdatadistd: -cluster_id is required")
		os.Exit(2)
	}

	opts := map[string]string{"device_id": strconv.Itoa(*deviceID)}
	if *listenIP != "" {
		opts["listen_ip_info"] = *listenIP
	}

	d, err := llmdatadist.Initialize(*clusterID, parseRole(*role), opts, llmdatadist.Dependencies{})
	if err != nil {
		nlog.Errorln("llmdatadistd: initialize failed:", err)
		os.Exit(1)
	}
	defer d.Finalize()

	if *diagAddr != "" {
		if err := d.ServeDiagnostics(*diagAddr); err != nil {
			nlog.Errorln("llmdatadistd: diagnostics server failed:", err)
			os.Exit(1)
		}
	}

	nlog.Infoln("llmdatadistd: cluster", *clusterID, "ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	nlog.Infoln("llmdatadistd: shutting down")
}

func parseRole(s string) llmdatadist.Role {
	switch s {
	case "prompt":
		return llmdatadist.RolePrompt
	case "decoder":
		return llmdatadist.RoleDecoder
	default:
		return llmdatadist.RoleMix
	}
}
