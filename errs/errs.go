// Package errs defines the stable numeric error-code taxonomy the engine
// uses on every public operation, mirroring the upstream C ABI these codes
// were frozen from.
package errs

import (
	"errors"
	"fmt"
)

// Code is a stable numeric error identifier. It is never a language
// exception: every public operation returns one of these, or nil.
type Code int

const (
	Success Code = 0
	Failed  Code = 1

	AlreadyInit         Code = 9101
	SdkNotInit          Code = 9102
	TaskAlreadyExist     Code = 9103
	TaskNotExist         Code = 9104
	TaskAlreadyStopped   Code = 9105
	TaskAlreadyRunning   Code = 9106
	ParamError           Code = 9112
	TaskTokenError       Code = 9120
	TaskTokenExpired     Code = 9121
	TaskNotRunning       Code = 9119
	TaskCountLimitExceeded Code = 9130
	TaskPriorityInvalid  Code = 9131
	InfoNameNotSupport   Code = 9505

	FetchFailed            Code = 9501
	ProbeFailed            Code = 9502
	FileIOError            Code = 9503
	HashMismatch           Code = 9504
	DirectoryCreateFailed  Code = 9601
	DiskFull               Code = 9602

	Unknown Code = 999999
)

var names = map[Code]string{
	Success:                "Success",
	Failed:                 "Failed",
	AlreadyInit:            "AlreadyInit",
	SdkNotInit:             "SdkNotInit",
	TaskAlreadyExist:       "TaskAlreadyExist",
	TaskNotExist:           "TaskNotExist",
	TaskAlreadyStopped:     "TaskAlreadyStopped",
	TaskAlreadyRunning:     "TaskAlreadyRunning",
	ParamError:             "ParamError",
	TaskTokenError:         "TaskTokenError",
	TaskTokenExpired:       "TaskTokenExpired",
	TaskNotRunning:         "TaskNotRunning",
	TaskCountLimitExceeded: "TaskCountLimitExceeded",
	TaskPriorityInvalid:    "TaskPriorityInvalid",
	InfoNameNotSupport:     "InfoNameNotSupport",
	FetchFailed:            "FetchFailed",
	ProbeFailed:            "ProbeFailed",
	FileIOError:            "FileIOError",
	HashMismatch:           "HashMismatch",
	DirectoryCreateFailed:  "DirectoryCreateFailed",
	DiskFull:               "DiskFull",
	Unknown:                "Unknown",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Err wraps a Code as a Go error so callers that want err != nil semantics
// can use errors.As/errors.Is against it.
type Err struct {
	Code Code
	Msg  string
}

func (e *Err) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// New builds an *Err from a code and an optional detail message.
func New(c Code, msg string) *Err {
	return &Err{Code: c, Msg: msg}
}

// Is reports whether err (or anything it wraps) carries code c.
func Is(err error, c Code) bool {
	var e *Err
	if err == nil {
		return c == Success
	}
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == c
}
