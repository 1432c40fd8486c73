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
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/thediveo/dtables"
)

// Globals are the flags common to all commands.
type Globals struct {
	Config    string `help:"YAML configuration file." type:"path" placeholder:"FILE"`
	Mem       string `help:"Physical memory device, overriding the configuration (default /dev/mem)." placeholder:"PATH" xor:"source"`
	Image     string `help:"Read the tables from this memory image file instead of physical memory." type:"path" placeholder:"FILE" xor:"source"`
	ImageBase string `help:"Physical address of the first byte of the memory image." default:"0" placeholder:"ADDR"`
	LogLevel  string `help:"Log level." enum:"trace,debug,info,warn,error" default:"warn"`
	Profile   string `help:"Write a CPU profile into this directory." type:"path" placeholder:"DIR"`
	Verbose   bool   `short:"v" help:"Decode the individual entry fields."`
}

// CLI is the dtview command line.
type CLI struct {
	Globals

	IDT    IDTCmd    `cmd:"" name:"idt" help:"Show the interrupt descriptor table."`
	IOAPIC IOAPICCmd `cmd:"" name:"ioapic" help:"Show the I/O APIC redirection tables."`
	MP     MPCmd     `cmd:"" name:"mp" help:"Show the MP configuration table."`
}

// env is what a command needs to open and report a table.
type env struct {
	cfg  Config
	mem  dtables.Mapper
	opts []dtables.ReportOption
}

// environment configures logging, loads the configuration, and sets up the
// physical memory access.
func (g *Globals) environment() (*env, error) {
	level, err := logrus.ParseLevel(g.LogLevel)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	cfg := defaultConfig()
	if g.Config != "" {
		if cfg, err = LoadConfig(g.Config); err != nil {
			return nil, err
		}
		logrus.WithField("path", g.Config).Debug("loaded configuration")
	}
	e := &env{cfg: cfg}
	switch {
	case g.Image != "":
		base, err := ParseAddress(g.ImageBase)
		if err != nil {
			return nil, err
		}
		img, err := dtables.LoadImage(g.Image, uint64(base))
		if err != nil {
			return nil, err
		}
		e.mem = img
	case g.Mem != "":
		e.mem = &dtables.DevMem{Path: g.Mem}
	default:
		e.mem = &dtables.DevMem{Path: cfg.Memory}
	}
	if g.Verbose {
		e.opts = append(e.opts, dtables.WithDecodedFields())
	}
	return e, nil
}

// IDTCmd reports the IDT.
type IDTCmd struct {
	Base   string `help:"IDT base address to use instead of the current CPU's IDT register; requires --limit." placeholder:"ADDR"`
	Limit  string `help:"IDT limit, that is, the IDT size in bytes minus one; requires --base." placeholder:"N"`
	Layout string `help:"Gate descriptor layout: native, wide, or narrow (default from configuration, otherwise native)." placeholder:"LAYOUT"`
	Disasm bool   `help:"Disassemble the first instruction of each present gate's handler."`
}

// Run opens the IDT and writes its report to w.
func (c *IDTCmd) Run(g *Globals, w io.Writer) error {
	e, err := g.environment()
	if err != nil {
		return err
	}
	layoutName := c.Layout
	if layoutName == "" {
		layoutName = e.cfg.Layout
	}
	layout, err := dtables.ParseLayout(layoutName)
	if err != nil {
		return err
	}
	read, err := c.idtrReader()
	if err != nil {
		return err
	}
	idt, err := dtables.OpenIDT(read, e.mem, layout)
	if err != nil {
		return err
	}
	opts := e.opts
	if c.Disasm {
		opts = append(opts, dtables.WithHandlerDisassembly(e.mem))
	}
	return idt.Report(w, opts...)
}

// idtrReader returns either a reader for the fixed IDT base and limit given
// on the command line, or otherwise the native IDT register reader.
func (c *IDTCmd) idtrReader() (dtables.IDTRReader, error) {
	if c.Base == "" && c.Limit == "" {
		return dtables.ReadIDTR, nil
	}
	if c.Base == "" || c.Limit == "" {
		return nil, errors.New("--base and --limit must be used together")
	}
	base, err := ParseAddress(c.Base)
	if err != nil {
		return nil, err
	}
	limit, err := strconv.ParseUint(c.Limit, 0, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid IDT limit %q: %w", c.Limit, err)
	}
	return dtables.FixedIDTR(uint64(base), uint16(limit)), nil
}

// IOAPICCmd reports the redirection tables of one or more I/O APICs.
type IOAPICCmd struct {
	Primary   string `help:"Physical base address of the first I/O APIC (default from configuration, otherwise 0xFEC00000)." placeholder:"ADDR"`
	Secondary string `help:"Physical base address of a second I/O APIC." placeholder:"ADDR"`
	Discover  bool   `help:"Report all I/O APICs listed in /proc/iomem instead."`
}

// Run opens and reports each I/O APIC in turn, even if opening or reporting
// another I/O APIC fails.
func (c *IOAPICCmd) Run(g *Globals, w io.Writer) error {
	e, err := g.environment()
	if err != nil {
		return err
	}
	bases, err := c.bases(e.cfg)
	if err != nil {
		return err
	}
	var errs []error
	for _, base := range bases {
		apic, err := dtables.OpenIOAPIC(e.mem, base)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := apic.Report(w, e.opts...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// bases returns the I/O APIC base addresses to report, in order.
func (c *IOAPICCmd) bases(cfg Config) ([]uint64, error) {
	if c.Discover {
		var bases []uint64
		for base := range dtables.IOAPICBases() {
			bases = append(bases, base)
		}
		if len(bases) == 0 {
			return nil, errors.New("no I/O APICs found in /proc/iomem, missing CAP_SYS_ADMIN?")
		}
		return bases, nil
	}
	primary := cfg.PrimaryControllerBase
	if c.Primary != "" {
		addr, err := ParseAddress(c.Primary)
		if err != nil {
			return nil, err
		}
		primary = addr
	}
	bases := []uint64{uint64(primary)}
	secondary := cfg.SecondaryControllerBase
	if c.Secondary != "" {
		addr, err := ParseAddress(c.Secondary)
		if err != nil {
			return nil, err
		}
		secondary = &addr
	}
	if secondary != nil {
		bases = append(bases, uint64(*secondary))
	}
	return bases, nil
}

// MPCmd reports the MP configuration table.
type MPCmd struct{}

// Run opens the MP configuration table and writes its report to w.
func (c *MPCmd) Run(g *Globals, w io.Writer) error {
	e, err := g.environment()
	if err != nil {
		return err
	}
	mp, err := dtables.OpenMP(e.mem)
	if err != nil {
		return err
	}
	return mp.Report(w, e.opts...)
}
