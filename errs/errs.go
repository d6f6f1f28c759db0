// Package errs defines the stable error taxonomy of spec §6.4: a numeric
// code plus a string tag, wrapped as a normal Go error so callers can still
// `errors.As` into *Error or compare against the sentinel Is* predicates.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package errs

import "fmt"

type Code int32

const (
	Success Code = iota
	Failed
	ParamInvalid
	Timeout
	OutOfMemory
	NotYetLink
	AlreadyLink
	LinkFailed
	UnlinkFailed
	CacheNotExist
	FeatureNotEnabled
	ResourceExhausted
	LinkBusy
	AlreadyConnected
	NotConnected
)

var names = map[Code]string{
	Success:           "Success",
	Failed:            "Failed",
	ParamInvalid:      "ParamInvalid",
	Timeout:           "Timeout",
	OutOfMemory:       "OutOfMemory",
	NotYetLink:        "NotYetLink",
	AlreadyLink:       "AlreadyLink",
	LinkFailed:        "LinkFailed",
	UnlinkFailed:      "UnlinkFailed",
	CacheNotExist:     "CacheNotExist",
	FeatureNotEnabled: "FeatureNotEnabled",
	ResourceExhausted: "ResourceExhausted",
	LinkBusy:          "LinkBusy",
	AlreadyConnected:  "AlreadyConnected",
	NotConnected:      "NotConnected",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int32(c))
}

// Error is the error form of a taxonomy code, with an optional message and
// wrapped cause for %w-chaining.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func New(code Code, msg string) *Error { return &Error{Code: code, Message: msg} }

func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err is an *Error carrying the given code.
func Is(err error, code Code) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}

func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return Failed
}
