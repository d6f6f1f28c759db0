// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// BuildRankTable (original_source/common/rank_table_generator.*, supplemented
// per SPEC_FULL.md §SUPPLEMENTED FEATURES): builds the cluster-name ->
// rank/device topology descriptor consumed by Link's rank_table argument.
package llmdatadist

import (
	"encoding/json"
	"sort"
)

// RankEntry is one cluster member's rank/device assignment.
type RankEntry struct {
	ClusterName string `json:"cluster_name"`
	Rank        int    `json:"rank"`
	DeviceID    int    `json:"device_id"`
}

// RankTable is the JSON document Link's rank_table argument expects.
type RankTable struct {
	Version string      `json:"version"`
	Ranks   []RankEntry `json:"ranks"`
}

// BuildRankTable builds the rank-table JSON string for Link, pairing each
// cluster by name with its rank and (by position) a device id. devices is
// indexed by rank order; a cluster without a matching device index gets -1.
func BuildRankTable(clusterRanks map[string]int, devices []int) (string, error) {
	names := make([]string, 0, len(clusterRanks))
	for name := range clusterRanks {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return clusterRanks[names[i]] < clusterRanks[names[j]] })

	table := RankTable{Version: "1.2"}
	for _, name := range names {
		rank := clusterRanks[name]
		deviceID := -1
		if rank >= 0 && rank < len(devices) {
			deviceID = devices[rank]
		}
		table.Ranks = append(table.Ranks, RankEntry{ClusterName: name, Rank: rank, DeviceID: deviceID})
	}

	buf, err := json.Marshal(table)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}
