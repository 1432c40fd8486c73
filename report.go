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
	"io"
)

// ReportOption tweaks what a table report contains.
type ReportOption func(*reportOptions)

type reportOptions struct {
	decoded bool
	disasm  Mapper // maps IDT handler code for disassembly, if non-nil
}

// WithDecodedFields additionally renders the individual fields of entries
// that otherwise are only shown as raw hex dumps.
func WithDecodedFields() ReportOption {
	return func(o *reportOptions) { o.decoded = true }
}

// WithHandlerDisassembly adds the first instruction of each present IDT
// gate's handler, reading the handler code through mem.
func WithHandlerDisassembly(mem Mapper) ReportOption {
	return func(o *reportOptions) { o.disasm = mem }
}

func newReportOptions(opts []ReportOption) reportOptions {
	var o reportOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// sink writes formatted text to an io.Writer, remembering only the first
// write error and then silently skipping all further output.
type sink struct {
	w   io.Writer
	err error
}

func (s *sink) printf(format string, args ...any) {
	if s.err != nil {
		return
	}
	_, s.err = fmt.Fprintf(s.w, format, args...)
}

// hexdump renders b as rows of four bytes each, prefixed by the offset of
// the row's first byte.
func (s *sink) hexdump(b []byte) {
	for pos := 0; pos < len(b); pos++ {
		if pos%4 == 0 {
			s.printf("\n0x%03X:", pos)
		}
		s.printf(" %02X", b[pos])
	}
	s.printf("\n")
}
