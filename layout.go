// Copyright 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy
// of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package dtables

import (
	"fmt"
	"strconv"
	"strings"
	"unsafe"
)

// TableHandle describes a located table: where it starts, how many bytes it
// spans, and how many entries it holds. A TableHandle is only a view
// description; it doesn't own any memory.
type TableHandle struct {
	Base  uint64 // (physical or virtual) base address
	Size  int    // size in bytes
	Count int    // number of entries
}

// Layout selects between the 64-bit (“wide”) and 32-bit (“narrow”) layout of
// architecture-dependent tables, most notably the IDT gate descriptors.
type Layout int

const (
	Wide   Layout = iota // 64-bit layout, 16 byte gate descriptors
	Narrow               // 32-bit layout, 8 byte gate descriptors
)

// NativeLayout returns the layout matching the architecture this program
// runs on.
func NativeLayout() Layout {
	if unsafe.Sizeof(uintptr(0)) == 8 {
		return Wide
	}
	return Narrow
}

// ParseLayout returns the layout named by s, which is one of "wide",
// "narrow", or "native" (as well as the empty string).
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(s) {
	case "wide", "64":
		return Wide, nil
	case "narrow", "32":
		return Narrow, nil
	case "native", "":
		return NativeLayout(), nil
	}
	return 0, fmt.Errorf("unknown layout %q", s)
}

// GateSize returns the size in bytes of a single IDT gate descriptor.
func (l Layout) GateSize() int {
	if l == Narrow {
		return 8
	}
	return 16
}

// String returns the name of the layout.
func (l Layout) String() string {
	switch l {
	case Wide:
		return "wide"
	case Narrow:
		return "narrow"
	}
	return "Layout(" + strconv.Itoa(int(l)) + ")"
}
