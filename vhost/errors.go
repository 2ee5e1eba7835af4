// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhost

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Code classifies a vhost error per the error-handling design (§7):
// framing errors are fatal to the connection, validation/unsupported
// errors are reported to the master, resource errors carry the
// underlying errno, and programmer errors are fatal assertions.
type Code int

const (
	CodeNone Code = iota
	CodeFraming
	CodeValidation
	CodeUnsupported
	CodeResource
	CodeProgrammer
)

func (c Code) String() string {
	switch c {
	case CodeFraming:
		return "framing"
	case CodeValidation:
		return "validation"
	case CodeUnsupported:
		return "unsupported"
	case CodeResource:
		return "resource"
	case CodeProgrammer:
		return "programmer"
	default:
		return "none"
	}
}

// Error is the structured error type threaded through the protocol
// engine and connection state machine. Grounded on the ublk.Error
// pattern in the go-ublk pack repo (Op/Code/Errno/Inner,
// errors.Is/errors.As support via Unwrap), adapted to carry a device
// identity and the vhost-user opcode instead of a ublk device/queue
// pair.
type Error struct {
	Op      string // operation that failed, e.g. "SET_VRING_ADDR"
	Device  string
	Request uint32
	Code    Code
	Errno   unix.Errno
	Msg     string
	Inner   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := fmt.Sprintf("vhost: %s", e.Op)
	if e.Device != "" {
		s += fmt.Sprintf(" dev=%s", e.Device)
	}
	if e.Code != CodeNone {
		s += fmt.Sprintf(" [%s]", e.Code)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	} else if e.Inner != nil {
		s += ": " + e.Inner.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Inner }

// AsErrno converts an Error into the positive-errno-or-zero shape the
// propagation policy in §7 requires handlers to return: 0 for success,
// a positive errno otherwise.
func (e *Error) AsErrno() uint64 {
	if e == nil {
		return 0
	}
	if e.Errno != 0 {
		return uint64(e.Errno)
	}
	switch e.Code {
	case CodeValidation:
		return uint64(unix.EINVAL)
	case CodeUnsupported:
		return uint64(unix.ENOTSUP)
	case CodeResource:
		return uint64(unix.EIO)
	default:
		return uint64(unix.EINVAL)
	}
}

func newValidationErr(op string, msg string) *Error {
	return &Error{Op: op, Code: CodeValidation, Msg: msg}
}

func newUnsupportedErr(op string) *Error {
	return &Error{Op: op, Code: CodeUnsupported, Msg: "not supported", Errno: unix.ENOTSUP}
}

func newResourceErr(op string, err error) *Error {
	e := &Error{Op: op, Code: CodeResource, Inner: err}
	if errno, ok := err.(unix.Errno); ok {
		e.Errno = errno
	}
	return e
}

func newFramingErr(op string, err error) *Error {
	return &Error{Op: op, Code: CodeFraming, Inner: err}
}

func newProgrammerErr(op string, msg string) *Error {
	return &Error{Op: op, Code: CodeProgrammer, Msg: msg}
}
