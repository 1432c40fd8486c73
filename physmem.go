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

	"github.com/thediveo/faf"
)

// Access specifies how a physical address range is to be mapped.
type Access int

const (
	// ReadOnly maps ordinary (firmware or RAM) memory for reading.
	ReadOnly Access = iota
	// Device maps a device register window uncached for reading and writing.
	Device
)

// Mapper maps ranges of physical memory so that they can be accessed.
type Mapper interface {
	// Map the length bytes of physical memory starting at phys.
	Map(phys uint64, length int, access Access) (Mapping, error)
}

// Mapping gives access to a mapped physical address range. Callers must
// Close a Mapping after use, and must not use the bytes afterwards.
type Mapping interface {
	Bytes() []byte
	Close() error
}

// Image is a Mapper over in-memory copies of physical memory regions, such as
// memory dumps or synthesized tables.
type Image struct {
	regions []imageRegion
}

type imageRegion struct {
	base uint64
	data []byte
}

// NewImage returns a new Image without any regions.
func NewImage() *Image {
	return &Image{}
}

// LoadImage returns a new Image with the contents of the file at path placed
// at the physical address base.
func LoadImage(path string, base uint64) (*Image, error) {
	data, ok := faf.ReadFile(path, nil)
	if !ok {
		return nil, fmt.Errorf("cannot read memory image %q", path)
	}
	return NewImage().Add(base, data), nil
}

// Add places data at the physical address base and returns the Image, so
// that calls can be chained. Regions should not overlap; when they do, the
// region added first wins.
func (i *Image) Add(base uint64, data []byte) *Image {
	i.regions = append(i.regions, imageRegion{base: base, data: data})
	return i
}

// Map returns a view into the region fully containing the requested range.
// Writes to the bytes of Device mappings go into the image.
func (i *Image) Map(phys uint64, length int, access Access) (Mapping, error) {
	if length < 0 {
		return nil, fmt.Errorf("mapping negative length %d", length)
	}
	for _, r := range i.regions {
		if phys < r.base {
			continue
		}
		off := phys - r.base
		if off > uint64(len(r.data)) || uint64(length) > uint64(len(r.data))-off {
			continue
		}
		return imageMapping(r.data[off : off+uint64(length) : off+uint64(length)]), nil
	}
	return nil, fmt.Errorf("physical range 0x%X+0x%X not in image: %w",
		phys, length, ErrNotFound)
}

type imageMapping []byte

func (m imageMapping) Bytes() []byte { return m }
func (m imageMapping) Close() error  { return nil }
