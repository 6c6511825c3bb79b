// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package exc

import "testing"

func TestDispatchOrder(t *testing.T) {
	var calls []int

	first := Add(func(ex *Exception) bool {
		calls = append(calls, 1)
		return false
	})
	second := Add(func(ex *Exception) bool {
		calls = append(calls, 2)
		return true
	})
	third := Add(func(ex *Exception) bool {
		calls = append(calls, 3)
		return true
	})
	defer Remove(first)
	defer Remove(second)
	defer Remove(third)

	if !Dispatch(&Exception{PC: 1}) {
		t.Fatal("exception not consumed")
	}
	if len(calls) != 2 || calls[0] != 1 || calls[1] != 2 {
		t.Errorf("call order %v", calls)
	}
}

func TestDispatchUnclaimed(t *testing.T) {
	reg := Add(func(ex *Exception) bool { return false })
	defer Remove(reg)

	if Dispatch(&Exception{}) {
		t.Error("unclaimed exception reported as consumed")
	}
}

func TestRemove(t *testing.T) {
	n := 0
	reg := Add(func(ex *Exception) bool {
		n++
		return true
	})
	Remove(reg)

	Dispatch(&Exception{})
	if n != 0 {
		t.Error("removed handler still called")
	}
}
