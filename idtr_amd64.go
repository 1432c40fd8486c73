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

//go:build amd64

package dtables

import "encoding/binary"

// sidt stores the IDTR register contents (16 bit limit, followed by 64 bit
// base address) into dtr; implemented in idtr_amd64.s.
//
//go:noescape
func sidt(dtr *[10]byte)

// ReadIDTR returns the contents of the current CPU's IDT register, as stored
// by the SIDT instruction. When the kernel has enabled user-mode instruction
// prevention (UMIP), the kernel emulates SIDT and returns a dummy value
// instead.
func ReadIDTR() (IDTR, error) {
	var dtr [10]byte
	sidt(&dtr)
	return IDTR{
		Limit: binary.LittleEndian.Uint16(dtr[0:2]),
		Base:  binary.LittleEndian.Uint64(dtr[2:10]),
	}, nil
}
