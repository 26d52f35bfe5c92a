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

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"coralos.dev/coral/pkg/config"
	"coralos.dev/coral/pkg/frame"
)

// Stress implements subcommands.Command for the "stress" command: one
// goroutine per core hammers the frame allocator and the conservation law
// is checked at the end.
type Stress struct {
	iters int
	batch int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "hammer the frame allocator from all cores and verify conservation"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags]`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.iters, "iters", 10000, "allocate/release rounds per core")
	f.IntVar(&s.batch, "batch", 32, "frames held live per round")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	cfg := args[0].(config.Config)

	alloc, _, err := newMachine(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("building machine")
	}
	defer alloc.Destroy()

	var g errgroup.Group
	for core := 0; core < cfg.Cores; core++ {
		core := core
		g.Go(func() error {
			held := make([]frame.Addr, 0, s.batch)
			for i := 0; i < s.iters; i++ {
				for len(held) < s.batch {
					pa, err := alloc.Allocate(core)
					if err != nil {
						break // exhaustion is fine under contention
					}
					held = append(held, pa)
				}
				for _, pa := range held {
					alloc.Release(core, pa)
				}
				held = held[:0]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logrus.WithError(err).Fatal("stress")
	}

	free, total := alloc.FreeFrames(), alloc.TotalFrames()
	fmt.Printf("%d cores x %d rounds: %d/%d frames free\n", cfg.Cores, s.iters, free, total)
	if free != total {
		fmt.Println("conservation violated: some frames leaked")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
