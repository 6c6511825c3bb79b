// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package exc routes host exceptions (fastmem faults) to the handlers that
// claimed interest.  The chain is process wide; handlers run in registration
// order until one consumes the exception.
package exc

import (
	"github.com/driftvm/drift/ir"
)

// Exception describes one host fault delivered from the signal layer.
type Exception struct {
	// PC is the host address of the faulting instruction.
	PC ir.HostAddr

	// FaultAddr is the address whose access faulted.
	FaultAddr ir.HostAddr
}

// Handler consumes an exception or declines it.
type Handler func(ex *Exception) bool

// Registration identifies an installed handler.
type Registration struct {
	handler Handler
}

var handlers []*Registration

// Add installs a handler at the end of the chain.
func Add(h Handler) *Registration {
	reg := &Registration{handler: h}
	handlers = append(handlers, reg)
	return reg
}

// Remove uninstalls a previously added handler.
func Remove(reg *Registration) {
	for i, r := range handlers {
		if r == reg {
			handlers = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

// Dispatch offers the exception to each handler in order.  Returns false if
// nobody consumed it; the caller lets the signal propagate.
func Dispatch(ex *Exception) bool {
	for _, reg := range handlers {
		if reg.handler(ex) {
			return true
		}
	}
	return false
}
