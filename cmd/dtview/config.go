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

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/thediveo/dtables"
	"github.com/thediveo/faf"
	"gopkg.in/yaml.v3"
)

// Config is the contents of a dtview YAML configuration file. Command line
// flags override configured values.
type Config struct {
	// Physical base address of the (first) I/O APIC, defaults to 0xFEC00000.
	PrimaryControllerBase Address `yaml:"primary_controller_base"`
	// Physical base address of an optional second I/O APIC.
	SecondaryControllerBase *Address `yaml:"secondary_controller_base"`
	// Physical memory device, defaults to /dev/mem.
	Memory string `yaml:"memory"`
	// IDT gate layout: native, wide, or narrow.
	Layout string `yaml:"layout"`
}

// defaultConfig returns the configuration in effect when there is no
// configuration file.
func defaultConfig() Config {
	return Config{
		PrimaryControllerBase: dtables.DefaultIOAPICBase,
		Memory:                dtables.DefaultDevMemPath,
	}
}

// LoadConfig reads the YAML configuration file at path on top of the default
// configuration. An empty file is fine; unknown keys are not.
func LoadConfig(path string) (Config, error) {
	contents, ok := faf.ReadFile(path, nil)
	if !ok {
		return Config{}, fmt.Errorf("cannot read configuration file %q", path)
	}
	return parseConfig(bytes.NewReader(contents))
}

func parseConfig(r io.Reader) (Config, error) {
	cfg := defaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Memory == "" {
		cfg.Memory = dtables.DefaultDevMemPath
	}
	return cfg, nil
}

// Address is a physical address, written in hex with a "0x" prefix, in octal
// with a "0o" or "0" prefix, or in decimal.
type Address uint64

// ParseAddress parses the textual address s.
func ParseAddress(s string) (Address, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Address(v), nil
}

// UnmarshalYAML decodes an address from a YAML scalar, regardless of whether
// YAML considers the scalar to be an integer or a string.
func (a *Address) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", n.Line)
	}
	v, err := ParseAddress(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*a = v
	return nil
}

func (a Address) String() string { return fmt.Sprintf("0x%X", uint64(a)) }
