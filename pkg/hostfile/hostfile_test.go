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

package hostfile

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestReadWriteAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backing")
	if err := os.WriteFile(path, []byte("hello, coral"), 0o644); err != nil {
		t.Fatalf("WriteFile got err %v want nil", err)
	}
	f, err := Open(path, true, true)
	if err != nil {
		t.Fatalf("Open got err %v want nil", err)
	}
	defer f.Close()

	buf := make([]byte, 5)
	f.Lock()
	n, err := f.ReadAt(buf, 7)
	f.Unlock()
	if err != nil || n != 5 {
		t.Fatalf("ReadAt got (%d, %v) want (5, nil)", n, err)
	}
	if string(buf) != "coral" {
		t.Errorf("ReadAt got %q want %q", buf, "coral")
	}

	f.Lock()
	if _, err := f.WriteAt([]byte("CORAL"), 7); err != nil {
		t.Fatalf("WriteAt got err %v want nil", err)
	}
	f.Unlock()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile got err %v want nil", err)
	}
	if string(got) != "hello, CORAL" {
		t.Errorf("file contents got %q want %q", got, "hello, CORAL")
	}
}

func TestShortReadReturnsEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatalf("WriteFile got err %v want nil", err)
	}
	f, err := Open(path, true, false)
	if err != nil {
		t.Fatalf("Open got err %v want nil", err)
	}
	defer f.Close()

	buf := make([]byte, 8)
	f.Lock()
	n, err := f.ReadAt(buf, 0)
	f.Unlock()
	if n != 3 || err != io.EOF {
		t.Errorf("ReadAt got (%d, %v) want (3, %v)", n, err, io.EOF)
	}
}

func TestDupSharesDescriptor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dup")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile got err %v want nil", err)
	}
	f, err := Open(path, true, false)
	if err != nil {
		t.Fatalf("Open got err %v want nil", err)
	}
	d := f.Dup()
	if err := f.Close(); err != nil {
		t.Fatalf("Close got err %v want nil", err)
	}
	// The dup keeps the descriptor alive.
	buf := make([]byte, 1)
	d.Lock()
	_, err = d.ReadAt(buf, 0)
	d.Unlock()
	if err != nil {
		t.Errorf("ReadAt through dup after Close got err %v want nil", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("final Close got err %v want nil", err)
	}
}

func TestOpenRequiresMode(t *testing.T) {
	if _, err := Open("/dev/null", false, false); err == nil {
		t.Error("Open with no access mode got nil err want error")
	}
}
