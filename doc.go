/*
Package dtables locates, maps, decodes, and renders three low-level x86
descriptor tables: the interrupt descriptor table (IDT), the redirection table
of I/O APICs, and the Intel MultiProcessor (MP) configuration table.

All tables are accessed through a [Mapper] that maps ranges of physical
memory. On Linux, [DevMem] maps through “/dev/mem” and thus requires
CAP_SYS_RAWIO and a kernel not restricting “/dev/mem” access; in contrast,
[Image] maps from in-memory copies, such as memory dumps or test fixtures.

Each table comes with an Open function returning a table object embedding a
[TableHandle] with the table's base address, size, and entry count. The table
objects then hand out their entries using single-use iterators and render
textual reports. Rendering a report releases the table's mapping.

# The IDT

The IDT register (IDTR) holds the linear base address of the IDT and its limit,
that is, its size in bytes minus one. [ReadIDTR] reads the IDTR of the CPU the
caller currently runs on using the unprivileged SIDT instruction; please note
that on systems with UMIP enabled, SIDT returns a dummy value instead of
faulting.

The gate descriptors come in two layouts:

  - “wide” 16 byte descriptors in 64-bit mode: offset bits 0-15 in bytes 0-1,
    the code segment selector in bytes 2-3, the IST index in bits 32-34, the
    gate type in bits 40-43, the DPL in bits 45-46, the present flag in bit
    47, offset bits 16-31 in bytes 6-7, and offset bits 32-63 in bytes 8-11.
  - “narrow” 8 byte descriptors in 32-bit protected mode, which are the lower
    quad word of wide descriptors without the IST index; offset bits 16-31 are
    in the upper 16 bits of the high double word.

As the IDT base address is a linear (virtual) address, mapping it via
“/dev/mem” only works when the kernel's direct mapping places the IDT at an
identical physical address, which modern kernels don't do. Memory images
don't care.

# I/O APICs

I/O APICs are accessed indirectly via two memory-mapped registers: an 8 bit
index register at offset 0x00 and a 32 bit data window at offset 0x10, with
the EOI register at offset 0x40. Register 0x00 is the ID register with the ID
in bits 24-27, register 0x01 is the version register with the version in bits
0-7 and the index of the last redirection entry in bits 16-23. The 64 bit
redirection table entries then start at register 0x10, using two registers
each.

The first I/O APIC customarily sits at 0xFEC00000; [IOAPICBases] lists the
I/O APICs the kernel has found, as registered in “/proc/iomem”.

# The MP Configuration Table

The MP floating pointer structure starts with the signature “_MP_” on a 16
byte boundary, usually in the BIOS ROM area 0xF0000-0xFFFFF. It points to the
MP configuration table, which starts with a 44 byte header with the signature
“PCMP”, immediately followed by the base table entries. Processor entries are
20 bytes long, all other entry types are 8 bytes long.

See also: [Intel MultiProcessor Specification], [82093AA I/O APIC datasheet].

[Intel MultiProcessor Specification]: https://web.archive.org/web/20121002210153/http://download.intel.com/design/archives/processors/pro/docs/24201606.pdf
[82093AA I/O APIC datasheet]: https://web.archive.org/web/20161130153145/http://download.intel.com/design/chipsets/datashts/29056601.pdf
*/
package dtables
