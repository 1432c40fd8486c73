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
	"encoding/binary"
	"fmt"
)

// bitfield returns the width bits of v starting at bit position lo.
func bitfield(v uint64, lo, width uint) uint64 {
	return (v >> lo) & (1<<width - 1)
}

// span returns the n bytes of b starting at off, or an ErrCorruptTable error
// if b doesn't fully contain them.
func span(b []byte, off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off > len(b) || n > len(b)-off {
		return nil, fmt.Errorf("reading %d bytes at offset 0x%X beyond %d bytes: %w",
			n, off, len(b), ErrCorruptTable)
	}
	return b[off : off+n], nil
}

// u8 reads the byte at off.
func u8(b []byte, off int) (uint8, error) {
	s, err := span(b, off, 1)
	if err != nil {
		return 0, err
	}
	return s[0], nil
}

// u64 reads the little-endian 64 bit word at off.
func u64(b []byte, off int) (uint64, error) {
	s, err := span(b, off, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(s), nil
}
