// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
package cos

import "time"

const StampMicro = "15:04:05.000000"

// FormatTime mirrors aistore's cos.FormatTime(t, format): format=="" means
// use the default stamp.
func FormatTime(t time.Time, format string) string {
	if format == "" {
		format = StampMicro
	}
	return t.Format(format)
}

func MillisToDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }
