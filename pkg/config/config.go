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

// Package config holds the machine configuration for the Coral memory
// subsystem tooling.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config describes the simulated machine.
type Config struct {
	// MemoryBytes is the size of the physical region; must be a multiple
	// of the 4 KiB frame size.
	MemoryBytes uint64 `toml:"memory_bytes"`

	// Cores is the number of per-core frame pools.
	Cores int `toml:"cores"`

	// VMASlots is the capacity of the global VMA arena.
	VMASlots int `toml:"vma_slots"`

	// Debug enables per-fault debug logging.
	Debug bool `toml:"debug"`
}

// Default returns a machine comfortable for the demo commands.
func Default() Config {
	return Config{
		MemoryBytes: 16 << 20,
		Cores:       4,
		VMASlots:    64,
	}
}

// Load reads a TOML config from path on top of the defaults.
func Load(path string) (Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, c.Validate()
}

// Validate rejects configurations the allocator or arena cannot be built
// from.
func (c Config) Validate() error {
	if c.MemoryBytes == 0 || c.MemoryBytes%4096 != 0 {
		return fmt.Errorf("config: memory_bytes %d is not a positive multiple of 4096", c.MemoryBytes)
	}
	if c.Cores <= 0 {
		return fmt.Errorf("config: cores must be positive, got %d", c.Cores)
	}
	if c.VMASlots <= 0 {
		return fmt.Errorf("config: vma_slots must be positive, got %d", c.VMASlots)
	}
	return nil
}
