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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.toml")
	data := `
memory_bytes = 8388608
cores = 2
debug = true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile got err %v want nil", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load got err %v want nil", err)
	}
	if c.MemoryBytes != 8<<20 {
		t.Errorf("MemoryBytes got %d want %d", c.MemoryBytes, 8<<20)
	}
	if c.Cores != 2 {
		t.Errorf("Cores got %d want 2", c.Cores)
	}
	if !c.Debug {
		t.Error("Debug got false want true")
	}
	// Unset keys keep their defaults.
	if c.VMASlots != Default().VMASlots {
		t.Errorf("VMASlots got %d want default %d", c.VMASlots, Default().VMASlots)
	}
}

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		name string
		mut  func(*Config)
		ok   bool
	}{
		{name: "default", mut: func(*Config) {}, ok: true},
		{name: "zero memory", mut: func(c *Config) { c.MemoryBytes = 0 }},
		{name: "unaligned memory", mut: func(c *Config) { c.MemoryBytes = 5000 }},
		{name: "no cores", mut: func(c *Config) { c.Cores = 0 }},
		{name: "no vma slots", mut: func(c *Config) { c.VMASlots = -1 }},
	} {
		c := Default()
		test.mut(&c)
		if err := c.Validate(); (err == nil) != test.ok {
			t.Errorf("%s: Validate got err %v want ok=%v", test.name, err, test.ok)
		}
	}
}
