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

//go:build linux

package dtables

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DefaultDevMemPath is the path of the Linux physical memory device.
const DefaultDevMemPath = "/dev/mem"

// DevMem maps physical memory through a Linux “/dev/mem”-like device, which
// requires CAP_SYS_RAWIO and (depending on CONFIG_STRICT_DEVMEM) may restrict
// access to the legacy BIOS area and device register windows.
type DevMem struct {
	Path string // defaults to DefaultDevMemPath when empty
}

// Map maps the requested physical range. Device mappings are opened with
// O_SYNC, which makes the kernel map them uncached.
func (d *DevMem) Map(phys uint64, length int, access Access) (Mapping, error) {
	path := d.Path
	if path == "" {
		path = DefaultDevMemPath
	}
	flags, prot := unix.O_RDONLY, unix.PROT_READ
	if access == Device {
		flags, prot = unix.O_RDWR|unix.O_SYNC, unix.PROT_READ|unix.PROT_WRITE
	}
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", path, err)
	}
	// The mapping stays valid after closing its file descriptor.
	defer unix.Close(fd)

	pagesize := uint64(unix.Getpagesize())
	start := phys &^ (pagesize - 1)
	delta := int(phys - start)
	size := (uint64(delta+length) + pagesize - 1) &^ (pagesize - 1)
	mem, err := unix.Mmap(fd, int64(start), int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("cannot map physical range 0x%X+0x%X from %s: %w",
			phys, length, path, err)
	}
	return &devMemMapping{mem: mem, view: mem[delta : delta+length]}, nil
}

type devMemMapping struct {
	mem  []byte // page-aligned mapping as returned by mmap
	view []byte // requested range within mem
}

func (m *devMemMapping) Bytes() []byte { return m.view }

func (m *devMemMapping) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem, m.view = nil, nil
	return err
}
