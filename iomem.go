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
	"bufio"
	"bytes"
	"io"
	"iter"

	"github.com/thediveo/faf"
)

const procIomemPath = "/proc/iomem"

// IOAPICBases returns a single-use iterator over the physical base addresses
// of the I/O APICs the kernel has registered in “/proc/iomem”, in the order
// listed there.
//
// Please note that the kernel shows the resource addresses only to readers
// with CAP_SYS_ADMIN; otherwise, all addresses are zero and IOAPICBases yields
// nothing.
func IOAPICBases() iter.Seq[uint64] {
	contents, ok := faf.ReadFile(procIomemPath, nil)
	if !ok {
		return nothing
	}
	return ioapicBases(bytes.NewReader(contents))
}

// ioapicBases returns an iterator over the I/O APIC resource start addresses
// found in “/proc/iomem” formatted text produced by the specified reader.
//
// Each line has the form “start-end : name”, with start and end in hex and
// nested resources indented by two spaces per level; I/O APIC resources are
// named “IOAPIC n”.
func ioapicBases(r io.Reader) iter.Seq[uint64] {
	sc := bufio.NewScanner(r)
	return func(yield func(uint64) bool) {
		for sc.Scan() {
			bstr := newBytestring(sc.Bytes())
			if bstr.SkipSpace() {
				continue
			}
			start, ok := bstr.Hex64()
			if !ok || !bstr.SkipText("-") {
				continue
			}
			if _, ok := bstr.Hex64(); !ok {
				continue
			}
			if !bstr.SkipText(" : IOAPIC") || start == 0 {
				continue
			}
			if !yield(start) {
				return
			}
		}
	}
}

func nothing(func(uint64) bool) {}
