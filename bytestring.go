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

// bytestring is a parsing cursor over a single text line from a kernel
// pseudo file, such as “/proc/iomem”. It works directly on the byte slice
// handed out by a bufio.Scanner, so parsing a line doesn't allocate.
type bytestring struct {
	b   []byte // line contents
	pos int    // parsing position within the line contents
}

// newBytestring returns a new bytestring for parsing the supplied text line.
func newBytestring(b []byte) *bytestring {
	return &bytestring{b: b}
}

// EOL returns true if the parsing has reached the end of the line.
func (b *bytestring) EOL() (eol bool) { return b.pos >= len(b.b) }

// SkipSpace skips any leading space characters, returning true when this
// reaches EOL.
func (b *bytestring) SkipSpace() (eol bool) {
	for ; b.pos < len(b.b); b.pos++ {
		if b.b[b.pos] != ' ' {
			return false
		}
	}
	return true
}

// SkipText skips the text s at the current position and returns true if
// present, otherwise it leaves the position untouched and returns false.
func (b *bytestring) SkipText(s string) (ok bool) {
	if len(s) > len(b.b)-b.pos || string(b.b[b.pos:b.pos+len(s)]) != s {
		return false
	}
	b.pos += len(s)
	return true
}

// Hex64 parses the hexadecimal number (without any "0x" prefix) starting in
// the buffer at the current position until a character other than 0-9, a-f,
// or A-F is encountered, or EOL. The number must consist of at least a single
// digit and must fit into 64 bits. If successful, Hex64 returns the number and
// true; otherwise zero and false, leaving the parsing position unchanged.
func (b *bytestring) Hex64() (num uint64, ok bool) {
	pos := b.pos
	for ; pos < len(b.b); pos++ {
		digit, isHex := hexDigit(b.b[pos])
		if !isHex {
			break
		}
		if pos-b.pos >= 16 {
			return 0, false
		}
		num = num<<4 | uint64(digit)
	}
	if pos == b.pos {
		return 0, false
	}
	b.pos = pos
	return num, true
}

// hexDigit returns the value of the hexadecimal digit ch and true, otherwise
// false if ch isn't a hexadecimal digit.
func hexDigit(ch byte) (uint8, bool) {
	switch {
	case ch >= '0' && ch <= '9':
		return ch - '0', true
	case ch >= 'a' && ch <= 'f':
		return ch - 'a' + 10, true
	case ch >= 'A' && ch <= 'F':
		return ch - 'A' + 10, true
	}
	return 0, false
}
