// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pan is the error-panic zone shared by drift's parsers.
package pan

import (
	"import.name/pan"
)

var z = new(pan.Zone)

var Check = z.Check
var Panic = z.Panic
var Wrap = z.Wrap

// Error converts a recovered value back to the error that was panicked
// within the zone.  Panics from outside the zone propagate.
func Error(x any) error {
	return z.Error(x)
}

func Must[T any](x T, err error) T {
	Check(err)
	return x
}
