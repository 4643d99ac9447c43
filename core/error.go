/***
Copyright 2014 Cisco Systems Inc. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package core

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Error is the locally originated error type. It records where the error
// was formed so that log lines can be traced back without a stack dump.
type Error struct {
	desc     string
	function string
	file     string
	line     int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s [%s %s %d]", e.desc, e.function, e.file, e.line)
}

// Errorf returns an *Error with the caller's location filled in
func Errorf(f string, args ...interface{}) *Error {
	e := &Error{desc: fmt.Sprintf(f, args...)}
	pc, file, line, ok := runtime.Caller(1)
	if ok {
		e.file = file[strings.LastIndex(file, "/")+1:]
		e.line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			e.function = fn.Name()
		}
	}
	return e
}

// ChannelError is returned when the switch is unreachable or rejected an edit.
type ChannelError struct {
	Op    string
	Table uint8
	Err   error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("switch channel %s on table %d failed: %v", e.Op, e.Table, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// RPCError is returned by the control plane client. Timeout marks errors
// caused by the request deadline expiring.
type RPCError struct {
	Method  string
	Device  string
	Timeout bool
	Err     error
}

func (e *RPCError) Error() string {
	kind := "error"
	if e.Timeout {
		kind = "timeout"
	}
	if e.Device != "" {
		return fmt.Sprintf("rpc %s for device %s: %s: %v", e.Method, e.Device, kind, e.Err)
	}
	return fmt.Sprintf("rpc %s: %s: %v", e.Method, kind, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }

// CapacityExhausted is returned when an allocation pool is empty.
type CapacityExhausted struct {
	Resource string
}

func (e *CapacityExhausted) Error() string {
	return fmt.Sprintf("no %s available", e.Resource)
}

// InvariantViolation reports a programming error detected at runtime.
type InvariantViolation struct {
	Desc string
}

func (e *InvariantViolation) Error() string {
	return "invariant violated: " + e.Desc
}

// PortSetupFailed is returned when a tunnel port could not be created.
type PortSetupFailed struct {
	Kind   string
	Remote string
	Err    error
}

func (e *PortSetupFailed) Error() string {
	return fmt.Sprintf("failed to set up %s tunnel port to %s: %v", e.Kind, e.Remote, e.Err)
}

func (e *PortSetupFailed) Unwrap() error { return e.Err }

// IsChannelError reports whether err or any error it wraps is a ChannelError
func IsChannelError(err error) bool {
	var ce *ChannelError
	return errors.As(err, &ce)
}

// IsRPCError reports whether err or any error it wraps is an RPCError
func IsRPCError(err error) bool {
	var re *RPCError
	return errors.As(err, &re)
}

// IsCapacityExhausted reports whether err wraps a CapacityExhausted
func IsCapacityExhausted(err error) bool {
	var ce *CapacityExhausted
	return errors.As(err, &ce)
}

// IsInvariantViolation reports whether err wraps an InvariantViolation
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}

// IsPortSetupFailed reports whether err wraps a PortSetupFailed
func IsPortSetupFailed(err error) bool {
	var pe *PortSetupFailed
	return errors.As(err, &pe)
}
