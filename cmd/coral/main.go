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

// Command coral exercises the Coral memory subsystem from the host:
// rendering page tables for mapped files, demonstrating copy-on-write
// forks, and stress-testing the frame allocator.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"coralos.dev/coral/pkg/config"
	"coralos.dev/coral/pkg/frame"
	"coralos.dev/coral/pkg/mm"
)

var (
	configPath = flag.String("config", "", "path to a TOML machine configuration")
	debug      = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Dump), "")
	subcommands.Register(new(Fork), "")
	subcommands.Register(new(Stress), "")

	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			logrus.WithError(err).Fatal("loading configuration")
		}
	}
	if *debug || cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background(), cfg)))
}

// newMachine builds the allocator and VMA arena described by cfg.
func newMachine(cfg config.Config) (*frame.Allocator, *mm.Arena, error) {
	alloc, err := frame.New(cfg.MemoryBytes, cfg.Cores)
	if err != nil {
		return nil, nil, err
	}
	return alloc, mm.NewArena(cfg.VMASlots), nil
}
