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

import "errors"

// Errors returned when opening or walking a table. They are always wrapped
// with some context, so use [errors.Is] to check for them.
var (
	// ErrNotFound indicates that a table could not be located at all, such
	// as an exhausted signature scan or an unavailable table register.
	ErrNotFound = errors.New("table not found")

	// ErrInvalidSignature indicates that a table pointed to by another
	// structure doesn't carry its expected signature.
	ErrInvalidSignature = errors.New("invalid table signature")

	// ErrInvalidRegisterContents indicates reserved bits set in a device
	// register, which almost always means a wrong device base address.
	ErrInvalidRegisterContents = errors.New("invalid register contents")

	// ErrCorruptTable indicates that the table contents don't add up, such
	// as entries crossing the declared end of the table.
	ErrCorruptTable = errors.New("corrupt table")

	// ErrConsumed indicates that a table's entries have already been walked,
	// or the table closed, so that a report would lack its entries.
	ErrConsumed = errors.New("table entries already consumed")
)
