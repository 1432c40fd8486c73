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
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"
)

// IDTR holds the contents of an IDT register: the (virtual) base address of
// the interrupt descriptor table and its limit, that is, its size in bytes
// minus one.
type IDTR struct {
	Base  uint64
	Limit uint16
}

// IDTRReader returns the current contents of an IDT register. [ReadIDTR]
// reads the register of the CPU the caller happens to run on.
type IDTRReader func() (IDTR, error)

// FixedIDTR returns an IDTRReader that always returns the specified base and
// limit, such as when inspecting an IDT in a memory image.
func FixedIDTR(base uint64, limit uint16) IDTRReader {
	return func() (IDTR, error) {
		return IDTR{Base: base, Limit: limit}, nil
	}
}

// GateType is the 4 bit system descriptor type of an IDT gate.
type GateType uint8

// Gate types as used in IDTs; the call gate type can't legally appear in an
// IDT but is listed for completeness.
const (
	GateTask      GateType = 0x5
	GateCall      GateType = 0xC
	GateInterrupt GateType = 0xE
	GateTrap      GateType = 0xF
)

// String returns the display label of the gate type, "other" for types other
// than interrupt, trap, and task gates.
func (t GateType) String() string {
	switch t {
	case GateInterrupt:
		return "interrupt"
	case GateTrap:
		return "trap"
	case GateTask:
		return "task"
	}
	return "other"
}

// Gate is a single decoded IDT gate descriptor.
type Gate struct {
	Index    int      // vector number
	Low      uint64   // low quad word of the descriptor
	High     uint64   // high quad word of the descriptor; always zero in narrow layout
	Offset   uint64   // handler offset, reassembled from its split fields
	Selector uint16   // code segment selector
	Type     GateType // gate type
	DPL      uint8    // descriptor privilege level 0..3
	Present  bool     // segment present flag
	IST      uint8    // interrupt stack table index; wide layout only
}

// IDT is an opened interrupt descriptor table.
type IDT struct {
	TableHandle
	Layout Layout

	mapping Mapping
	walked  bool
}

// LocateIDT reads the IDT register and returns the handle for the table it
// references, with the number of gates based on the gate size of the
// specified layout. LocateIDT fails only when the IDT register cannot be
// read.
func LocateIDT(read IDTRReader, layout Layout) (TableHandle, error) {
	idtr, err := read()
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			err = fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return TableHandle{}, fmt.Errorf("cannot read IDT register: %w", err)
	}
	size := int(idtr.Limit) + 1
	return TableHandle{
		Base:  idtr.Base,
		Size:  size,
		Count: size / layout.GateSize(),
	}, nil
}

// OpenIDT locates the IDT using the IDT register contents returned by read
// and then maps its gates through mem, interpreting them in the specified
// layout.
func OpenIDT(read IDTRReader, mem Mapper, layout Layout) (*IDT, error) {
	h, err := LocateIDT(read, layout)
	if err != nil {
		return nil, err
	}
	m, err := mem.Map(h.Base, h.Count*layout.GateSize(), ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("cannot map IDT at 0x%X: %w", h.Base, err)
	}
	logrus.WithFields(logrus.Fields{
		"base":    fmt.Sprintf("0x%X", h.Base),
		"size":    h.Size,
		"entries": h.Count,
		"layout":  layout,
	}).Debug("located IDT")
	return &IDT{
		TableHandle: h,
		Layout:      layout,
		mapping:     m,
	}, nil
}

// Close releases the IDT mapping. Closing an IDT more than once is fine.
func (t *IDT) Close() error {
	if t.mapping == nil {
		return nil
	}
	err := t.mapping.Close()
	t.mapping = nil
	return err
}

// Entries returns a single-use iterator over the gates of the IDT, in
// ascending vector order.
func (t *IDT) Entries() iter.Seq[Gate] {
	return func(yield func(Gate) bool) {
		if t.walked || t.mapping == nil {
			return
		}
		t.walked = true
		b := t.mapping.Bytes()
		for idx := 0; idx < t.Count; idx++ {
			g, err := decodeGate(b, idx, t.Layout)
			if err != nil {
				return
			}
			if !yield(g) {
				return
			}
		}
	}
}

// decodeGate decodes the idx-th gate descriptor in b.
func decodeGate(b []byte, idx int, layout Layout) (Gate, error) {
	if layout == Narrow {
		low, err := u64(b, idx*8)
		if err != nil {
			return Gate{}, err
		}
		lo, hi := bitfield(low, 0, 32), bitfield(low, 32, 32)
		return Gate{
			Index:    idx,
			Low:      low,
			Offset:   hi&0xFFFF0000 | bitfield(lo, 0, 16),
			Selector: uint16(bitfield(lo, 16, 16)),
			Type:     GateType(bitfield(hi, 8, 4)),
			DPL:      uint8(bitfield(hi, 13, 2)),
			Present:  bitfield(hi, 15, 1) != 0,
		}, nil
	}
	low, err := u64(b, idx*16)
	if err != nil {
		return Gate{}, err
	}
	high, err := u64(b, idx*16+8)
	if err != nil {
		return Gate{}, err
	}
	return Gate{
		Index: idx,
		Low:   low,
		High:  high,
		Offset: bitfield(high, 0, 32)<<32 |
			bitfield(low, 48, 16)<<16 |
			bitfield(low, 0, 16),
		Selector: uint16(bitfield(low, 16, 16)),
		IST:      uint8(bitfield(low, 32, 3)),
		Type:     GateType(bitfield(low, 40, 4)),
		DPL:      uint8(bitfield(low, 45, 2)),
		Present:  bitfield(low, 47, 1) != 0,
	}, nil
}

// Report writes the IDT summary followed by one line per gate to w, and then
// releases the IDT mapping. Report fails with ErrConsumed without writing
// anything if the gates have already been walked or the IDT is closed.
func (t *IDT) Report(w io.Writer, opts ...ReportOption) error {
	defer t.Close()
	if t.walked || t.mapping == nil {
		return fmt.Errorf("IDT at 0x%X: %w", t.Base, ErrConsumed)
	}
	o := newReportOptions(opts)
	s := &sink{w: w}
	s.printf("\nIDT    Size: %d bytes / %d entries    Virt address: 0x%X\n",
		t.Size, t.Count, t.Base)
	if t.Layout == Narrow {
		s.printf("\n      HEX              TYPE      DPL P SEGM OFFSET")
	} else {
		s.printf("\n      HEX                              TYPE      DPL P IST SEGM OFFSET")
	}
	for g := range t.Entries() {
		s.printf("\n0x%02X:", g.Index)
		if t.Layout == Narrow {
			s.printf(" %08X%08X %-9s %X   %c %04X %08X",
				uint32(g.Low>>32), uint32(g.Low),
				g.Type, g.DPL, presence(g.Present), g.Selector, uint32(g.Offset))
		} else {
			s.printf(" %016X%016X %-9s %X   %c %X   %04X %08X%04X%04X",
				g.High, g.Low,
				g.Type, g.DPL, presence(g.Present), g.IST, g.Selector,
				uint32(g.Offset>>32), uint16(g.Offset>>16), uint16(g.Offset))
		}
		if o.disasm != nil && g.Present {
			s.printf(" %s", handlerInstruction(o.disasm, g.Offset, t.Layout))
		}
	}
	s.printf("\n\n")
	return s.err
}

func presence(present bool) byte {
	if present {
		return '+'
	}
	return '-'
}

// maxInstLen is the maximum length of an x86 instruction.
const maxInstLen = 15

// handlerInstruction returns the first instruction at the handler address in
// GNU syntax, or "?" if the code cannot be read or decoded.
func handlerInstruction(mem Mapper, addr uint64, layout Layout) string {
	m, err := mem.Map(addr, maxInstLen, ReadOnly)
	if err != nil {
		return "?"
	}
	defer m.Close()
	mode := 64
	if layout == Narrow {
		mode = 32
	}
	inst, err := x86asm.Decode(m.Bytes(), mode)
	if err != nil {
		return "?"
	}
	return x86asm.GNUSyntax(inst, addr, nil)
}
