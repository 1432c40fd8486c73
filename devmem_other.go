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

//go:build !linux

package dtables

import (
	"errors"
	"runtime"
)

// DefaultDevMemPath is the path of the physical memory device.
const DefaultDevMemPath = "/dev/mem"

// DevMem maps physical memory through a “/dev/mem”-like device; this is only
// supported on Linux.
type DevMem struct {
	Path string
}

// Map always fails on this operating system.
func (d *DevMem) Map(phys uint64, length int, access Access) (Mapping, error) {
	return nil, errors.New("physical memory mapping not supported on " + runtime.GOOS)
}
