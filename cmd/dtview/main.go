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

// Command dtview shows the IDT, I/O APIC redirection tables, and the MP
// configuration table, either of the running system or from memory images.
package main

import (
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run parses the command line args, runs the selected command writing its
// report to w, and returns the exit code.
func run(args []string, w io.Writer) int {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("dtview"),
		kong.Description("dtview shows x86 descriptor tables: IDT, I/O APIC redirection tables, and the MP configuration table"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))
	if err != nil {
		panic(err)
	}
	ctx, err := parser.Parse(args)
	parser.FatalIfErrorf(err)

	if cli.Profile != "" {
		defer profile.Start(
			profile.CPUProfile,
			profile.ProfilePath(cli.Profile),
			profile.Quiet).Stop()
	}

	ctx.BindTo(w, (*io.Writer)(nil))
	if err := ctx.Run(&cli.Globals); err != nil {
		logrus.Error(err)
		return 1
	}
	return 0
}
