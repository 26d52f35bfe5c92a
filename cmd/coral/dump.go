// Copyright 2026 The Coral Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"coralos.dev/coral/pkg/config"
	"coralos.dev/coral/pkg/hostfile"
	"coralos.dev/coral/pkg/mm"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	populate bool
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "map a file into a fresh address space and render its page table"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [flags] <file>`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.populate, "populate", true, "fault every mapped page in before rendering")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg := args[0].(config.Config)
	path := f.Arg(0)

	fi, err := os.Stat(path)
	if err != nil {
		logrus.WithError(err).Fatal("stat")
	}
	if fi.Size() == 0 {
		logrus.Fatal("refusing to map an empty file")
	}

	alloc, arena, err := newMachine(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("building machine")
	}
	defer alloc.Destroy()

	as, err := mm.NewAddressSpace(alloc, arena, 0)
	if err != nil {
		logrus.WithError(err).Fatal("creating address space")
	}
	defer as.Destroy()

	file, err := hostfile.Open(path, true, false)
	if err != nil {
		logrus.WithError(err).Fatal("opening file")
	}
	defer file.Close()

	start, err := as.MMap(uint64(fi.Size()), mm.ProtRead, mm.MapPrivate, file, 0)
	if err != nil {
		logrus.WithError(err).Fatal("mapping file")
	}
	end := start + uint64(fi.Size())
	fmt.Printf("mapped %s at [%#x, %#x)\n", path, start, end)

	if d.populate {
		for va := start; va < end; va += mm.PageSize {
			if err := as.HandleFault(va); err != nil {
				logrus.WithError(err).WithField("va", fmt.Sprintf("%#x", va)).Fatal("fault")
			}
		}
	}

	if err := as.Table().Render(os.Stdout); err != nil {
		logrus.WithError(err).Fatal("rendering page table")
	}
	return subcommands.ExitSuccess
}
