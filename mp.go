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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/sirupsen/logrus"
)

// Signatures of the MP floating pointer structure and the MP configuration
// table.
const (
	MPFloatingSignature = "_MP_"
	MPTableSignature    = "PCMP"
)

const (
	// BIOS ROM range scanned for the MP floating pointer structure.
	mpScanStart = 0xF0000
	mpScanEnd   = 0xFFFFF
	mpScanAlign = 16

	mpFloatingSize       = 16
	mpHeaderSize         = 44
	mpProcessorEntrySize = 20
	mpDefaultEntrySize   = 8
)

// ScanSignature returns the offset of the first occurrence of sig in window,
// probing only at multiples of align. It fails with ErrNotFound if there is
// no such occurrence. align must be positive.
func ScanSignature(window []byte, sig string, align int) (int, error) {
	if align <= 0 {
		return -1, fmt.Errorf("invalid signature scan alignment %d", align)
	}
	for off := 0; off+len(sig) <= len(window); off += align {
		if string(window[off:off+len(sig)]) == sig {
			return off, nil
		}
	}
	return -1, fmt.Errorf("no %q signature: %w", sig, ErrNotFound)
}

// MPFloatingPointer is the MP floating pointer structure that firmware
// places into one of the well-known memory areas.
type MPFloatingPointer struct {
	Address      uint64   // physical address of this structure
	Raw          [16]byte // raw structure bytes
	TableAddress uint32   // physical address of the MP configuration table
	Length       uint8    // length in 16 byte units
	Revision     uint8    // MP specification revision, 1 or 4
	Checksum     uint8
	Features     [5]byte // MP feature information bytes
}

// ChecksumOK returns true if the bytes of the floating pointer structure sum
// up to zero.
func (f *MPFloatingPointer) ChecksumOK() bool {
	return checksum(f.Raw[:]) == 0
}

// MPHeader is the header of an MP configuration table.
type MPHeader struct {
	Address               uint64   // physical address of the table
	Raw                   [44]byte // raw header bytes
	BaseTableLength       uint16   // length of the base table, including this header
	Revision              uint8
	Checksum              uint8
	OEMID                 string
	ProductID             string
	OEMTablePointer       uint32
	OEMTableSize          uint16
	EntryCount            uint16 // number of base table entries as claimed by firmware
	LocalAPICAddress      uint32
	ExtendedTableLength   uint16
	ExtendedTableChecksum uint8
}

// MPEntryType is the type of a base MP configuration table entry.
type MPEntryType uint8

const (
	MPProcessor MPEntryType = iota
	MPBus
	MPIOAPIC
	MPIOInterrupt
	MPLocalInterrupt
)

var mpEntryTypeNames = [...]string{
	"processor", "bus", "I/O APIC", "I/O interrupt", "local interrupt",
}

// String returns the name of the entry type.
func (t MPEntryType) String() string {
	if int(t) < len(mpEntryTypeNames) {
		return mpEntryTypeNames[t]
	}
	return fmt.Sprintf("type %d", uint8(t))
}

// MPEntry is a single entry of the base MP configuration table.
type MPEntry struct {
	Offset int         // offset from the start of the table
	Type   MPEntryType // entry type (the first byte)
	Raw    []byte      // entry bytes: 20 for processor entries, otherwise 8
}

// MPTable is an opened MP configuration table.
type MPTable struct {
	TableHandle
	Floating MPFloatingPointer
	Header   MPHeader

	mapping    Mapping // the whole base table, header included
	walked     bool
	checksumOK bool
}

// OpenMP scans the BIOS ROM for the MP floating pointer structure, follows it
// to the MP configuration table and checks the table's signature and entry
// boundaries. It fails with ErrNotFound if there's no floating pointer,
// ErrInvalidSignature if the configuration table signature doesn't match, and
// ErrCorruptTable if the table's entries don't exactly fill the base table.
//
// The entry count of the returned table is the number of entries actually
// fitting the base table, which might differ from the entry count claimed in
// the header.
func OpenMP(mem Mapper) (*MPTable, error) {
	fp, err := locateMPFloatingPointer(mem)
	if err != nil {
		return nil, err
	}
	hdr, err := readMPHeader(mem, uint64(fp.TableAddress))
	if err != nil {
		return nil, err
	}
	m, err := mem.Map(hdr.Address, int(hdr.BaseTableLength), ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("cannot map MP configuration table at 0x%X: %w",
			hdr.Address, err)
	}
	count := 0
	for _, err := range walkMPEntries(m.Bytes()) {
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("MP configuration table at 0x%X: %w", hdr.Address, err)
		}
		count++
	}
	if count != int(hdr.EntryCount) {
		logrus.WithFields(logrus.Fields{
			"address": fmt.Sprintf("0x%X", hdr.Address),
			"claimed": hdr.EntryCount,
			"actual":  count,
		}).Warn("MP configuration table entry count mismatch")
	}
	logrus.WithFields(logrus.Fields{
		"address": fmt.Sprintf("0x%X", hdr.Address),
		"size":    hdr.BaseTableLength,
		"entries": count,
	}).Debug("found MP configuration table")
	return &MPTable{
		TableHandle: TableHandle{
			Base:  hdr.Address,
			Size:  int(hdr.BaseTableLength),
			Count: count,
		},
		Floating:   fp,
		Header:     hdr,
		mapping:    m,
		checksumOK: checksum(m.Bytes()) == 0,
	}, nil
}

// locateMPFloatingPointer scans the BIOS ROM for the MP floating pointer
// structure and decodes it.
func locateMPFloatingPointer(mem Mapper) (MPFloatingPointer, error) {
	win, err := mem.Map(mpScanStart, mpScanEnd-mpScanStart+1, ReadOnly)
	if err != nil {
		return MPFloatingPointer{}, fmt.Errorf("cannot map BIOS ROM: %w", err)
	}
	defer win.Close()
	off, err := ScanSignature(win.Bytes(), MPFloatingSignature, mpScanAlign)
	if err != nil {
		return MPFloatingPointer{}, fmt.Errorf("MP floating pointer structure: %w", err)
	}
	raw, err := span(win.Bytes(), off, mpFloatingSize)
	if err != nil {
		return MPFloatingPointer{}, fmt.Errorf("MP floating pointer structure: %w", err)
	}
	fp := MPFloatingPointer{Address: mpScanStart + uint64(off)}
	copy(fp.Raw[:], raw)
	fp.TableAddress = binary.LittleEndian.Uint32(fp.Raw[4:])
	fp.Length = fp.Raw[8]
	fp.Revision = fp.Raw[9]
	fp.Checksum = fp.Raw[10]
	copy(fp.Features[:], fp.Raw[11:])
	logrus.WithField("address", fmt.Sprintf("0x%X", fp.Address)).
		Debug("found MP floating pointer structure")
	if fp.TableAddress == 0 {
		return MPFloatingPointer{}, fmt.Errorf(
			"MP floating pointer structure at 0x%X specifies default configuration %d without table: %w",
			fp.Address, fp.Features[0], ErrNotFound)
	}
	return fp, nil
}

// readMPHeader maps and decodes the MP configuration table header at the
// physical address addr.
func readMPHeader(mem Mapper, addr uint64) (MPHeader, error) {
	m, err := mem.Map(addr, mpHeaderSize, ReadOnly)
	if err != nil {
		return MPHeader{}, fmt.Errorf("cannot map MP configuration table header at 0x%X: %w",
			addr, err)
	}
	defer m.Close()
	raw, err := span(m.Bytes(), 0, mpHeaderSize)
	if err != nil {
		return MPHeader{}, err
	}
	hdr := MPHeader{Address: addr}
	copy(hdr.Raw[:], raw)
	if sig := string(hdr.Raw[0:4]); sig != MPTableSignature {
		logrus.WithField("address", fmt.Sprintf("0x%X", addr)).
			Warn("MP configuration table signature doesn't match")
		return MPHeader{}, fmt.Errorf("MP configuration table at 0x%X has signature %q instead of %q: %w",
			addr, sig, MPTableSignature, ErrInvalidSignature)
	}
	le := binary.LittleEndian
	hdr.BaseTableLength = le.Uint16(hdr.Raw[4:])
	hdr.Revision = hdr.Raw[6]
	hdr.Checksum = hdr.Raw[7]
	hdr.OEMID = asciiz(hdr.Raw[8:16])
	hdr.ProductID = asciiz(hdr.Raw[16:28])
	hdr.OEMTablePointer = le.Uint32(hdr.Raw[28:])
	hdr.OEMTableSize = le.Uint16(hdr.Raw[32:])
	hdr.EntryCount = le.Uint16(hdr.Raw[34:])
	hdr.LocalAPICAddress = le.Uint32(hdr.Raw[36:])
	hdr.ExtendedTableLength = le.Uint16(hdr.Raw[40:])
	hdr.ExtendedTableChecksum = hdr.Raw[42]
	if hdr.BaseTableLength < mpHeaderSize {
		return MPHeader{}, fmt.Errorf("MP configuration table at 0x%X with base table length %d shorter than its header: %w",
			addr, hdr.BaseTableLength, ErrCorruptTable)
	}
	return hdr, nil
}

// walkMPEntries returns an iterator over the base table entries in b, which
// must contain the whole base table, header included. An entry crossing the
// end of b ends the iteration with an ErrCorruptTable error.
func walkMPEntries(b []byte) iter.Seq2[MPEntry, error] {
	return func(yield func(MPEntry, error) bool) {
		for pos := mpHeaderSize; pos < len(b); {
			typ, err := u8(b, pos)
			if err != nil {
				yield(MPEntry{}, err)
				return
			}
			size := mpDefaultEntrySize
			if MPEntryType(typ) == MPProcessor {
				size = mpProcessorEntrySize
			}
			raw, err := span(b, pos, size)
			if err != nil {
				yield(MPEntry{}, fmt.Errorf("%s entry at offset 0x%03X: %w",
					MPEntryType(typ), pos, err))
				return
			}
			if !yield(MPEntry{Offset: pos, Type: MPEntryType(typ), Raw: raw}, nil) {
				return
			}
			pos += size
		}
	}
}

// Close releases the table mapping. Closing more than once is fine.
func (t *MPTable) Close() error {
	if t.mapping == nil {
		return nil
	}
	err := t.mapping.Close()
	t.mapping = nil
	return err
}

// Entries returns a single-use iterator over the base MP configuration table
// entries, in ascending offset order. If an entry crosses the end of the base
// table the iterator yields an ErrCorruptTable error and stops.
func (t *MPTable) Entries() iter.Seq2[MPEntry, error] {
	return func(yield func(MPEntry, error) bool) {
		if t.walked || t.mapping == nil {
			return
		}
		t.walked = true
		for e, err := range walkMPEntries(t.mapping.Bytes()) {
			if !yield(e, err) {
				return
			}
		}
	}
}

// ChecksumOK returns true if the bytes of the base table sum up to zero, as
// checked when opening the table.
func (t *MPTable) ChecksumOK() bool {
	return t.checksumOK
}

// Report writes hex dumps of the MP floating pointer structure, the MP
// configuration table header and the base table entries to w, and then
// releases the table mapping. Report fails with ErrConsumed without writing
// anything if the entries have already been walked or the table is closed.
func (t *MPTable) Report(w io.Writer, opts ...ReportOption) error {
	defer t.Close()
	if t.walked || t.mapping == nil {
		return fmt.Errorf("MP configuration table at 0x%X: %w", t.Base, ErrConsumed)
	}
	o := newReportOptions(opts)
	s := &sink{w: w}
	s.printf("\nMP Floating Pointer Structure:\n")
	s.hexdump(t.Floating.Raw[:])
	if o.decoded {
		fp := &t.Floating
		s.printf("\nAddress: 0x%05X    Table: 0x%08X    Revision: 1.%d    Features: % X    Checksum: %s\n",
			fp.Address, fp.TableAddress, fp.Revision, fp.Features[:],
			choose(fp.ChecksumOK(), "ok", "bad"))
	}
	s.printf("\nMP Configuration Table Header:\n")
	s.hexdump(t.Header.Raw[:])
	if o.decoded {
		h := &t.Header
		s.printf("\nOEM: %q    Product: %q    Revision: 1.%d    Entries: %d    Local APIC: 0x%08X    Checksum: %s\n",
			h.OEMID, h.ProductID, h.Revision, h.EntryCount, h.LocalAPICAddress,
			choose(t.ChecksumOK(), "ok", "bad"))
	}
	s.printf("\nBase MP Configuration Table:\n")
	var walkErr error
	for e, err := range t.Entries() {
		if err != nil {
			walkErr = err
			break
		}
		s.printf("\n0x%03X:", e.Offset)
		for _, b := range e.Raw {
			s.printf(" %02X", b)
		}
		if o.decoded {
			s.printf("    %s", e.describe())
		}
	}
	s.printf("\n")
	if walkErr != nil {
		return walkErr
	}
	return s.err
}

// MPProcessorEntry is a decoded processor entry.
type MPProcessorEntry struct {
	LocalAPICID      uint8
	LocalAPICVersion uint8
	Enabled          bool
	Bootstrap        bool
	Signature        uint32 // CPU signature: stepping, model, family
	Features         uint32 // CPUID feature flags
}

// Processor decodes a processor entry; ok is false for other entry types.
func (e MPEntry) Processor() (p MPProcessorEntry, ok bool) {
	if e.Type != MPProcessor || len(e.Raw) < mpProcessorEntrySize {
		return
	}
	return MPProcessorEntry{
		LocalAPICID:      e.Raw[1],
		LocalAPICVersion: e.Raw[2],
		Enabled:          e.Raw[3]&0x01 != 0,
		Bootstrap:        e.Raw[3]&0x02 != 0,
		Signature:        binary.LittleEndian.Uint32(e.Raw[4:]),
		Features:         binary.LittleEndian.Uint32(e.Raw[8:]),
	}, true
}

// MPBusEntry is a decoded bus entry.
type MPBusEntry struct {
	BusID   uint8
	BusType string // such as "ISA", "PCI"
}

// Bus decodes a bus entry; ok is false for other entry types.
func (e MPEntry) Bus() (b MPBusEntry, ok bool) {
	if e.Type != MPBus || len(e.Raw) < mpDefaultEntrySize {
		return
	}
	return MPBusEntry{
		BusID:   e.Raw[1],
		BusType: strings.TrimRight(asciiz(e.Raw[2:8]), " "),
	}, true
}

// MPIOAPICEntry is a decoded I/O APIC entry.
type MPIOAPICEntry struct {
	ID      uint8
	Version uint8
	Enabled bool
	Address uint32 // physical base address of the I/O APIC register window
}

// IOAPIC decodes an I/O APIC entry; ok is false for other entry types.
func (e MPEntry) IOAPIC() (a MPIOAPICEntry, ok bool) {
	if e.Type != MPIOAPIC || len(e.Raw) < mpDefaultEntrySize {
		return
	}
	return MPIOAPICEntry{
		ID:      e.Raw[1],
		Version: e.Raw[2],
		Enabled: e.Raw[3]&0x01 != 0,
		Address: binary.LittleEndian.Uint32(e.Raw[4:]),
	}, true
}

// MPInterruptEntry is a decoded I/O or local interrupt assignment entry. For
// local interrupt assignments, the destination is a local APIC and its LINTIN
// pin.
type MPInterruptEntry struct {
	InterruptType    uint8 // 0=INT, 1=NMI, 2=SMI, 3=ExtINT
	Flags            uint16
	SourceBusID      uint8
	SourceBusIRQ     uint8
	DestinationID    uint8
	DestinationINTIN uint8
}

// Interrupt decodes an I/O or local interrupt assignment entry; ok is false
// for other entry types.
func (e MPEntry) Interrupt() (i MPInterruptEntry, ok bool) {
	if (e.Type != MPIOInterrupt && e.Type != MPLocalInterrupt) || len(e.Raw) < mpDefaultEntrySize {
		return
	}
	return MPInterruptEntry{
		InterruptType:    e.Raw[1],
		Flags:            binary.LittleEndian.Uint16(e.Raw[2:]),
		SourceBusID:      e.Raw[4],
		SourceBusIRQ:     e.Raw[5],
		DestinationID:    e.Raw[6],
		DestinationINTIN: e.Raw[7],
	}, true
}

var mpInterruptTypeNames = [...]string{"INT", "NMI", "SMI", "ExtINT"}

func (e MPEntry) describe() string {
	if p, ok := e.Processor(); ok {
		return fmt.Sprintf("processor: APIC ID %d, version 0x%02X%s%s, signature 0x%08X, features 0x%08X",
			p.LocalAPICID, p.LocalAPICVersion,
			choose(p.Enabled, ", enabled", ", disabled"),
			choose(p.Bootstrap, ", BSP", ""),
			p.Signature, p.Features)
	}
	if b, ok := e.Bus(); ok {
		return fmt.Sprintf("bus: ID %d, type %s", b.BusID, b.BusType)
	}
	if a, ok := e.IOAPIC(); ok {
		return fmt.Sprintf("I/O APIC: ID %d, version 0x%02X%s, address 0x%08X",
			a.ID, a.Version, choose(a.Enabled, ", enabled", ", disabled"), a.Address)
	}
	if i, ok := e.Interrupt(); ok {
		typ := "?"
		if int(i.InterruptType) < len(mpInterruptTypeNames) {
			typ = mpInterruptTypeNames[i.InterruptType]
		}
		return fmt.Sprintf("%s: %s, flags 0x%04X, bus %d IRQ %d -> APIC %d pin %d",
			e.Type, typ, i.Flags, i.SourceBusID, i.SourceBusIRQ,
			i.DestinationID, i.DestinationINTIN)
	}
	return e.Type.String()
}

// checksum returns the 8 bit sum of all bytes in b.
func checksum(b []byte) uint8 {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return sum
}

// asciiz returns the text in b up to (excluding) the first NUL, if any.
func asciiz(b []byte) string {
	if idx := bytes.IndexByte(b, 0); idx >= 0 {
		b = b[:idx]
	}
	return string(b)
}
