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
	"slices"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/thediveo/success"
)

var (
	processorEntry = []byte{
		0x00, 0x01, 0x14, 0x03, // type, local APIC ID, version, flags
		0xA9, 0x06, 0x03, 0x00, // signature
		0xFF, 0xFB, 0xEB, 0xBF, // features
		0, 0, 0, 0, 0, 0, 0, 0,
	}
	busEntry            = []byte{0x01, 0x00, 'P', 'C', 'I', ' ', ' ', ' '}
	ioapicEntry         = []byte{0x02, 0x02, 0x20, 0x01, 0x00, 0x00, 0xC0, 0xFE}
	ioInterruptEntry    = []byte{0x03, 0x00, 0x05, 0x00, 0x00, 0x09, 0x02, 0x09}
	localInterruptEntry = []byte{0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x01}
)

// fixChecksum sets b[at] so that all bytes in b sum up to zero.
func fixChecksum(b []byte, at int) {
	b[at] = 0
	b[at] = -checksum(b)
}

// mpTable returns an MP configuration table with the specified entries,
// claiming the base table length to be the header plus the entries.
func mpTable(sig string, entries ...[]byte) []byte {
	body := slices.Concat(entries...)
	hdr := make([]byte, mpHeaderSize)
	copy(hdr, sig)
	binary.LittleEndian.PutUint16(hdr[4:], uint16(mpHeaderSize+len(body)))
	hdr[6] = 4
	copy(hdr[8:], "DTABLES ")
	copy(hdr[16:], "TESTBOARD   ")
	binary.LittleEndian.PutUint16(hdr[34:], uint16(len(entries)))
	binary.LittleEndian.PutUint32(hdr[36:], 0xFEE00000)
	table := slices.Concat(hdr, body)
	fixChecksum(table, 7)
	return table
}

const (
	mpFloatingOffset = 0x0F60
	mpTableOffset    = 0x1000
)

// mpROM returns a BIOS ROM image for the scan window with an MP floating
// pointer structure referencing the specified table, placed inside the
// ROM.
func mpROM(table []byte) []byte {
	rom := make([]byte, mpScanEnd-mpScanStart+1)
	fp := rom[mpFloatingOffset : mpFloatingOffset+mpFloatingSize]
	copy(fp, MPFloatingSignature)
	if table != nil {
		binary.LittleEndian.PutUint32(fp[4:], mpScanStart+mpTableOffset)
		copy(rom[mpTableOffset:], table)
	}
	fp[8] = 1
	fp[9] = 4
	fixChecksum(fp, 10)
	return rom
}

func mpImage(table []byte) *Image {
	return NewImage().Add(mpScanStart, mpROM(table))
}

var _ = Describe("MP configuration table", func() {

	When("scanning for signatures", func() {

		It("finds aligned signatures only", func() {
			window := make([]byte, 0x100)
			copy(window[0x05:], "_MP_")
			copy(window[0x30:], "_MP_")
			Expect(Successful(ScanSignature(window, "_MP_", 16))).To(Equal(0x30))
		})

		It("finds a signature at the very end", func() {
			window := make([]byte, 0x24)
			copy(window[0x20:], "PCMP")
			Expect(Successful(ScanSignature(window, "PCMP", 16))).To(Equal(0x20))
		})

		It("rejects non-positive alignments", func() {
			window := make([]byte, 32)
			copy(window, "_MP_")
			for _, align := range []int{0, -16} {
				_, err := ScanSignature(window, "_MP_", align)
				Expect(err).To(HaveOccurred(), "alignment %d", align)
				Expect(err).NotTo(MatchError(ErrNotFound))
			}
		})

		It("reports missing signatures", func() {
			window := make([]byte, 0x100)
			copy(window[0xFE:], "_MP_")
			Expect(ScanSignature(window, "_MP_", 16)).Error().To(MatchError(ErrNotFound))
			Expect(ScanSignature(nil, "_MP_", 16)).Error().To(MatchError(ErrNotFound))
		})

	})

	When("opening", func() {

		It("locates and decodes the floating pointer and header", func() {
			table := mpTable("PCMP", processorEntry, busEntry)
			mp := Successful(OpenMP(mpImage(table)))
			defer mp.Close()

			Expect(mp.Floating.Address).To(Equal(uint64(mpScanStart + mpFloatingOffset)))
			Expect(mp.Floating.TableAddress).To(Equal(uint32(mpScanStart + mpTableOffset)))
			Expect(mp.Floating.Length).To(Equal(uint8(1)))
			Expect(mp.Floating.Revision).To(Equal(uint8(4)))
			Expect(mp.Floating.ChecksumOK()).To(BeTrue())

			h := mp.Header
			Expect(h.Address).To(Equal(uint64(mpScanStart + mpTableOffset)))
			Expect(h.BaseTableLength).To(Equal(uint16(44 + 20 + 8)))
			Expect(h.Revision).To(Equal(uint8(4)))
			Expect(h.OEMID).To(Equal("DTABLES "))
			Expect(h.ProductID).To(Equal("TESTBOARD   "))
			Expect(h.EntryCount).To(Equal(uint16(2)))
			Expect(h.LocalAPICAddress).To(Equal(uint32(0xFEE00000)))

			Expect(mp.TableHandle).To(Equal(TableHandle{
				Base:  mpScanStart + mpTableOffset,
				Size:  72,
				Count: 2,
			}))
			Expect(mp.ChecksumOK()).To(BeTrue())
		})

		It("counts the entries actually present", func() {
			table := mpTable("PCMP", processorEntry, busEntry, ioapicEntry)
			binary.LittleEndian.PutUint16(table[34:], 7)
			mp := Successful(OpenMP(mpImage(table)))
			defer mp.Close()
			Expect(mp.Header.EntryCount).To(Equal(uint16(7)))
			Expect(mp.Size).To(Equal(80))
			Expect(mp.Count).To(Equal(3))
			n := 0
			for _, err := range mp.Entries() {
				Expect(err).NotTo(HaveOccurred())
				n++
			}
			Expect(n).To(Equal(mp.Count))
		})

		It("fails without floating pointer", func() {
			img := NewImage().Add(mpScanStart, make([]byte, mpScanEnd-mpScanStart+1))
			Expect(OpenMP(img)).Error().To(MatchError(ErrNotFound))
		})

		It("fails without BIOS ROM", func() {
			Expect(OpenMP(NewImage())).Error().To(MatchError(ErrNotFound))
		})

		It("fails for default configurations without table", func() {
			Expect(OpenMP(mpImage(nil))).Error().To(MatchError(ErrNotFound))
		})

		It("rejects a wrong table signature", func() {
			Expect(OpenMP(mpImage(mpTable("PCMQ", busEntry)))).Error().
				To(MatchError(ErrInvalidSignature))
		})

		It("rejects a base table shorter than its header", func() {
			table := mpTable("PCMP")
			binary.LittleEndian.PutUint16(table[4:], 40)
			Expect(OpenMP(mpImage(table))).Error().To(MatchError(ErrCorruptTable))
		})

		It("rejects a truncated trailing entry", func() {
			table := mpTable("PCMP", busEntry, processorEntry)
			binary.LittleEndian.PutUint16(table[4:], uint16(len(table)-4))
			Expect(OpenMP(mpImage(table))).Error().To(MatchError(ErrCorruptTable))
		})

	})

	When("walking", func() {

		It("walks entries of all types using their strides", func() {
			table := mpTable("PCMP",
				processorEntry, processorEntry, busEntry, ioapicEntry,
				ioInterruptEntry, localInterruptEntry)
			mp := Successful(OpenMP(mpImage(table)))
			defer mp.Close()
			var offsets []int
			var types []MPEntryType
			for e, err := range mp.Entries() {
				Expect(err).NotTo(HaveOccurred())
				offsets = append(offsets, e.Offset)
				types = append(types, e.Type)
			}
			Expect(offsets).To(HaveExactElements(44, 64, 84, 92, 100, 108))
			Expect(types).To(HaveExactElements(
				MPProcessor, MPProcessor, MPBus, MPIOAPIC, MPIOInterrupt, MPLocalInterrupt))

			for range mp.Entries() {
				Fail("entries must be walked only once")
			}
		})

		It("walks default width entries only", func() {
			table := mpTable("PCMP", busEntry, busEntry, ioapicEntry)
			var offsets []int
			for e, err := range walkMPEntries(table) {
				Expect(err).NotTo(HaveOccurred())
				offsets = append(offsets, e.Offset)
				Expect(e.Raw).To(HaveLen(8))
			}
			Expect(offsets).To(HaveExactElements(44, 52, 60))
		})

		It("yields nothing for an empty base table", func() {
			for range walkMPEntries(mpTable("PCMP")) {
				Fail("unexpected entry")
			}
		})

		It("reports an entry crossing the end of the base table", func() {
			table := mpTable("PCMP", busEntry, processorEntry)
			var errs []error
			count := 0
			for _, err := range walkMPEntries(table[:len(table)-1]) {
				if err != nil {
					errs = append(errs, err)
					continue
				}
				count++
			}
			Expect(count).To(Equal(1))
			Expect(errs).To(HaveExactElements(MatchError(ErrCorruptTable)))
		})

	})

	When("decoding entries", func() {

		It("decodes processor entries", func() {
			p, ok := MPEntry{Type: MPProcessor, Raw: processorEntry}.Processor()
			Expect(ok).To(BeTrue())
			Expect(p).To(Equal(MPProcessorEntry{
				LocalAPICID:      1,
				LocalAPICVersion: 0x14,
				Enabled:          true,
				Bootstrap:        true,
				Signature:        0x000306A9,
				Features:         0xBFEBFBFF,
			}))
			_, ok = MPEntry{Type: MPBus, Raw: busEntry}.Processor()
			Expect(ok).To(BeFalse())
		})

		It("decodes bus entries", func() {
			b, ok := MPEntry{Type: MPBus, Raw: busEntry}.Bus()
			Expect(ok).To(BeTrue())
			Expect(b).To(Equal(MPBusEntry{BusID: 0, BusType: "PCI"}))
		})

		It("decodes I/O APIC entries", func() {
			a, ok := MPEntry{Type: MPIOAPIC, Raw: ioapicEntry}.IOAPIC()
			Expect(ok).To(BeTrue())
			Expect(a).To(Equal(MPIOAPICEntry{
				ID: 2, Version: 0x20, Enabled: true, Address: DefaultIOAPICBase,
			}))
		})

		It("decodes interrupt assignment entries", func() {
			i, ok := MPEntry{Type: MPIOInterrupt, Raw: ioInterruptEntry}.Interrupt()
			Expect(ok).To(BeTrue())
			Expect(i).To(Equal(MPInterruptEntry{
				InterruptType:    0,
				Flags:            0x0005,
				SourceBusID:      0,
				SourceBusIRQ:     9,
				DestinationID:    2,
				DestinationINTIN: 9,
			}))
			i, ok = MPEntry{Type: MPLocalInterrupt, Raw: localInterruptEntry}.Interrupt()
			Expect(ok).To(BeTrue())
			Expect(i.InterruptType).To(Equal(uint8(1)))
			Expect(i.DestinationID).To(Equal(uint8(0xFF)))
			Expect(i.DestinationINTIN).To(Equal(uint8(1)))
		})

		It("names entry types", func() {
			Expect(MPIOAPIC.String()).To(Equal("I/O APIC"))
			Expect(MPEntryType(42).String()).To(Equal("type 42"))
		})

	})

	When("reporting", func() {

		It("dumps the structures and entries", func() {
			table := mpTable("PCMP", processorEntry, busEntry)
			mp := Successful(OpenMP(mpImage(table)))
			var sb strings.Builder
			Expect(mp.Report(&sb)).To(Succeed())
			out := sb.String()
			Expect(out).To(HavePrefix(
				"\nMP Floating Pointer Structure:\n" +
					"\n0x000: 5F 4D 50 5F" +
					"\n0x004: 00 10 0F 00"))
			Expect(out).To(ContainSubstring("\nMP Configuration Table Header:\n\n0x000: 50 43 4D 50\n0x004: 48 00 04"))
			Expect(out).To(HaveSuffix(
				"\nBase MP Configuration Table:\n" +
					"\n0x02C: 00 01 14 03 A9 06 03 00 FF FB EB BF 00 00 00 00 00 00 00 00" +
					"\n0x040: 01 00 50 43 49 20 20 20" +
					"\n"))
			Expect(mp.mapping).To(BeNil())
		})

		It("adds decoded fields", func() {
			table := mpTable("PCMP", processorEntry, busEntry, ioapicEntry, ioInterruptEntry)
			mp := Successful(OpenMP(mpImage(table)))
			var sb strings.Builder
			Expect(mp.Report(&sb, WithDecodedFields())).To(Succeed())
			out := sb.String()
			Expect(out).To(ContainSubstring("Revision: 1.4"))
			Expect(out).To(ContainSubstring(`OEM: "DTABLES "`))
			Expect(out).To(ContainSubstring("Checksum: ok"))
			Expect(out).To(ContainSubstring("processor: APIC ID 1, version 0x14, enabled, BSP"))
			Expect(out).To(ContainSubstring("bus: ID 0, type PCI"))
			Expect(out).To(ContainSubstring("I/O APIC: ID 2, version 0x20, enabled, address 0xFEC00000"))
			Expect(out).To(ContainSubstring("I/O interrupt: INT, flags 0x0005, bus 0 IRQ 9 -> APIC 2 pin 9"))
		})

		It("renders identical reports for an unchanged table", func() {
			img := mpImage(mpTable("PCMP", processorEntry, busEntry, ioapicEntry))
			report := func() string {
				mp := Successful(OpenMP(img))
				var sb strings.Builder
				Expect(mp.Report(&sb, WithDecodedFields())).To(Succeed())
				return sb.String()
			}
			Expect(report()).To(Equal(report()))
		})

		It("keeps the checksum verdict after reporting", func() {
			mp := Successful(OpenMP(mpImage(mpTable("PCMP", busEntry))))
			Expect(mp.Report(&strings.Builder{})).To(Succeed())
			Expect(mp.ChecksumOK()).To(BeTrue())
		})

		It("refuses to report already walked entries", func() {
			mp := Successful(OpenMP(mpImage(mpTable("PCMP", busEntry))))
			for range mp.Entries() {
			}
			var sb strings.Builder
			Expect(mp.Report(&sb)).To(MatchError(ErrConsumed))
			Expect(sb.String()).To(BeEmpty())
			Expect(mp.mapping).To(BeNil())
			Expect(mp.Report(&sb)).To(MatchError(ErrConsumed))
		})

		It("reports bad checksums", func() {
			table := mpTable("PCMP", busEntry)
			table[7]++
			mp := Successful(OpenMP(mpImage(table)))
			Expect(mp.ChecksumOK()).To(BeFalse())
			var sb strings.Builder
			Expect(mp.Report(&sb, WithDecodedFields())).To(Succeed())
			Expect(sb.String()).To(MatchRegexp(`Entries: 1 .* Checksum: bad`))
		})

	})

})
