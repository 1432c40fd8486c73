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
	"iter"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// DefaultIOAPICBase is the customary physical base address of the first I/O
// APIC.
const DefaultIOAPICBase = 0xFEC00000

// I/O APIC register window layout.
const (
	ioapicWindowSize = 4096 // one page, although only 0x44 bytes are decoded
	ioapicRegSel     = 0x00 // 8 bit register index (write only)
	ioapicWin        = 0x10 // 32 bit data register
	ioapicEOI        = 0x40 // 32 bit EOI register
)

// I/O APIC (logical) registers.
const (
	IOAPICRegID      = 0x00
	IOAPICRegVersion = 0x01
	IOAPICRegArb     = 0x02
	IOAPICRegRedTbl  = 0x10 // first redirection table register
)

// Defined fields of the ID and version registers; any other bit set hints at
// not talking to an I/O APIC.
const (
	ioapicIDMask         = 0x0F000000
	ioapicVersionMask    = 0x000000FF
	ioapicMaxEntriesMask = 0x00FF0000
)

// IOAPICRegisters gives access to the indexed registers of an I/O APIC.
type IOAPICRegisters interface {
	// Read selects the register reg and returns its contents, as a single
	// operation.
	Read(reg uint8) uint32
	// Close releases the register window.
	Close() error
}

// MapIOAPIC maps the register window of the I/O APIC at the physical address
// base. The data register must be 32 bit aligned in the mapping, as it is
// accessed using single 32 bit loads.
func MapIOAPIC(mem Mapper, base uint64) (IOAPICRegisters, error) {
	m, err := mem.Map(base, ioapicWindowSize, Device)
	if err != nil {
		return nil, fmt.Errorf("cannot map I/O APIC registers at 0x%X: %w", base, err)
	}
	if len(m.Bytes()) < ioapicEOI+4 {
		_ = m.Close()
		return nil, fmt.Errorf("I/O APIC register window at 0x%X too small", base)
	}
	if uintptr(unsafe.Pointer(&m.Bytes()[ioapicWin]))%4 != 0 {
		_ = m.Close()
		return nil, fmt.Errorf("I/O APIC data register at 0x%X not 32 bit aligned in memory", base+ioapicWin)
	}
	return &mmioRegisters{mapping: m}, nil
}

// mmioRegisters accesses the I/O APIC index and data registers in a memory
// mapped register window, with single, non-elided loads and stores.
type mmioRegisters struct {
	mu      sync.Mutex // serializes index select and data read
	mapping Mapping
}

func (r *mmioRegisters) Read(reg uint8) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.mapping.Bytes()
	b[ioapicRegSel] = reg
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[ioapicWin])))
}

func (r *mmioRegisters) Close() error {
	return r.mapping.Close()
}

// IOAPIC is an opened I/O APIC with its identification already read.
type IOAPIC struct {
	TableHandle
	ID         uint8 // I/O APIC ID
	Version    uint8 // implementation version
	MaxEntries int   // index of the last redirection table entry

	regs   IOAPICRegisters
	walked bool
}

// OpenIOAPIC maps the register window of the I/O APIC at the physical
// address base and reads its ID and version registers. If these registers
// contain bits set outside their defined fields, OpenIOAPIC releases the
// register window and fails with ErrInvalidRegisterContents, as the base
// address most probably is wrong.
func OpenIOAPIC(mem Mapper, base uint64) (*IOAPIC, error) {
	regs, err := MapIOAPIC(mem, base)
	if err != nil {
		return nil, err
	}
	return NewIOAPIC(regs, base)
}

// NewIOAPIC is like [OpenIOAPIC], but uses the already mapped registers. It
// takes ownership of regs, closing them when failing.
func NewIOAPIC(regs IOAPICRegisters, base uint64) (*IOAPIC, error) {
	id := regs.Read(IOAPICRegID)
	ver := regs.Read(IOAPICRegVersion)
	if err := validateIOAPIC(id, ver); err != nil {
		_ = regs.Close()
		logrus.WithField("base", fmt.Sprintf("0x%X", base)).
			Warn("probably wrong I/O APIC base address")
		return nil, fmt.Errorf("I/O APIC at 0x%X: %w", base, err)
	}
	maxEntries := int(bitfield(uint64(ver), 16, 8))
	a := &IOAPIC{
		TableHandle: TableHandle{
			Base:  base,
			Size:  ioapicWindowSize,
			Count: maxEntries + 1,
		},
		ID:         uint8(bitfield(uint64(id), 24, 4)),
		Version:    uint8(bitfield(uint64(ver), 0, 8)),
		MaxEntries: maxEntries,
		regs:       regs,
	}
	logrus.WithFields(logrus.Fields{
		"base":    fmt.Sprintf("0x%X", base),
		"id":      a.ID,
		"version": fmt.Sprintf("0x%02X", a.Version),
		"entries": a.Count,
	}).Debug("found I/O APIC")
	return a, nil
}

// validateIOAPIC checks the ID and version register values for bits set
// outside of their defined fields.
func validateIOAPIC(id, ver uint32) error {
	if id&^ioapicIDMask != 0 {
		return fmt.Errorf("bad ID register contents 0x%08X: %w",
			id, ErrInvalidRegisterContents)
	}
	if ver&^(ioapicVersionMask|ioapicMaxEntriesMask) != 0 {
		return fmt.Errorf("bad version register contents 0x%08X: %w",
			ver, ErrInvalidRegisterContents)
	}
	return nil
}

// Close releases the register window. Closing more than once is fine.
func (a *IOAPIC) Close() error {
	if a.regs == nil {
		return nil
	}
	err := a.regs.Close()
	a.regs = nil
	return err
}

// Entries returns a single-use iterator over the redirection table entries,
// in ascending pin order from 0 to MaxEntries inclusive. The entries are read
// from the I/O APIC's registers only while iterating.
func (a *IOAPIC) Entries() iter.Seq[RedirectionEntry] {
	return func(yield func(RedirectionEntry) bool) {
		if a.walked || a.regs == nil {
			return
		}
		a.walked = true
		for pin := 0; pin <= a.MaxEntries; pin++ {
			reg := uint8(IOAPICRegRedTbl + 2*pin)
			e := RedirectionEntry{Pin: pin}
			e.Low = a.regs.Read(reg)
			e.High = a.regs.Read(reg + 1)
			if !yield(e) {
				return
			}
		}
	}
}

// Report writes the I/O APIC summary followed by its redirection table
// entries to w and then releases the register window, even when writing
// fails. Report fails with ErrConsumed without writing anything if the
// entries have already been read or the register window is closed.
func (a *IOAPIC) Report(w io.Writer, opts ...ReportOption) error {
	defer a.Close()
	if a.walked || a.regs == nil {
		return fmt.Errorf("I/O APIC at 0x%X: %w", a.Base, ErrConsumed)
	}
	o := newReportOptions(opts)
	s := &sink{w: w}
	s.printf("\nIO-APIC    ID %X    Version: %02X    Max entries: %d\n",
		a.ID, a.Version, a.MaxEntries+1)
	if o.decoded {
		s.printf("\nPIN  HEX              VEC DLVMOD   DST  STAT POL    IRR TRIG  MASK DEST")
	}
	for e := range a.Entries() {
		if o.decoded {
			s.printf("\n%03d: %08X%08X %s", e.Pin, e.High, e.Low, e.decoded())
			continue
		}
		if e.Pin%3 == 0 {
			s.printf("\n")
		} else {
			s.printf("    ")
		}
		s.printf("%03d: %08X%08X", e.Pin, e.High, e.Low)
	}
	s.printf("\n\n")
	return s.err
}

// RedirectionEntry is a single I/O APIC redirection table entry, made from
// two 32 bit registers.
type RedirectionEntry struct {
	Pin  int
	Low  uint32
	High uint32
}

// DeliveryMode is the delivery mode of a redirection table entry.
type DeliveryMode uint8

// Delivery modes of redirection table entries.
const (
	DeliveryFixed          DeliveryMode = 0
	DeliveryLowestPriority DeliveryMode = 1
	DeliverySMI            DeliveryMode = 2
	DeliveryNMI            DeliveryMode = 4
	DeliveryINIT           DeliveryMode = 5
	DeliveryExtINT         DeliveryMode = 7
)

var deliveryModeNames = [...]string{
	"Fixed", "LowPrio", "SMI", "rsvd3", "NMI", "INIT", "rsvd6", "ExtINT",
}

// String returns the short name of the delivery mode.
func (m DeliveryMode) String() string {
	return deliveryModeNames[m&7]
}

// Vector is the interrupt vector delivered to the destination.
func (e RedirectionEntry) Vector() uint8 { return uint8(bitfield(uint64(e.Low), 0, 8)) }

// DeliveryMode returns how the interrupt is delivered to the destination.
func (e RedirectionEntry) DeliveryMode() DeliveryMode {
	return DeliveryMode(bitfield(uint64(e.Low), 8, 3))
}

// LogicalDestination is true when Destination is a set of processors rather
// than an APIC ID.
func (e RedirectionEntry) LogicalDestination() bool { return bitfield(uint64(e.Low), 11, 1) != 0 }

// Pending is the delivery status: true while an interrupt waits for delivery.
func (e RedirectionEntry) Pending() bool { return bitfield(uint64(e.Low), 12, 1) != 0 }

// ActiveLow is true for low-active interrupt input pins.
func (e RedirectionEntry) ActiveLow() bool { return bitfield(uint64(e.Low), 13, 1) != 0 }

// RemoteIRR is set for level-triggered interrupts accepted by a local APIC
// until it sends an EOI.
func (e RedirectionEntry) RemoteIRR() bool { return bitfield(uint64(e.Low), 14, 1) != 0 }

// LevelTriggered is true for level-triggered, false for edge-triggered pins.
func (e RedirectionEntry) LevelTriggered() bool { return bitfield(uint64(e.Low), 15, 1) != 0 }

// Masked is true when the interrupt pin is masked.
func (e RedirectionEntry) Masked() bool { return bitfield(uint64(e.Low), 16, 1) != 0 }

// Destination is the APIC ID or, in logical mode, the set of processors to
// deliver the interrupt to.
func (e RedirectionEntry) Destination() uint8 { return uint8(bitfield(uint64(e.High), 24, 8)) }

func (e RedirectionEntry) decoded() string {
	return fmt.Sprintf("%02X  %-8s %-4s %-4s %-6s %-3d %-5s %-4s %02X",
		e.Vector(), e.DeliveryMode(),
		choose(e.LogicalDestination(), "log", "phys"),
		choose(e.Pending(), "pend", "idle"),
		choose(e.ActiveLow(), "low", "high"),
		bitfield(uint64(e.Low), 14, 1),
		choose(e.LevelTriggered(), "level", "edge"),
		choose(e.Masked(), "yes", "no"),
		e.Destination())
}

func choose(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}
