package mirror

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMirror(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "mirror")
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	var got []string
	ok, err := m.Get("rca_form_data", &got)
	if err != nil || ok {
		t.Fatalf("Get(missing) = %v, %v, want false, nil", ok, err)
	}

	want := []string{"a", "b"}
	if err := m.Put("rca_form_data", want); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	ok, err = m.Get("rca_form_data", &got)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Get() = %v, want %v", got, want)
	}
	if _, err := os.Stat(filepath.Join(dir, "rca_form_data.json")); err != nil {
		t.Errorf("file not at expected path: %v", err)
	}

	// No temp files are left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1", len(entries))
	}

	if err := m.Delete("rca_form_data"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := m.Delete("rca_form_data"); err != nil {
		t.Errorf("Delete(missing) failed: %v", err)
	}
	if ok, _ := m.Get("rca_form_data", &got); ok {
		t.Error("Get() after Delete() found the key")
	}
}

func TestMirror_invalidKey(t *testing.T) {
	t.Parallel()
	m, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"", "../x", "a/b", ".hidden"} {
		if err := m.Put(key, 1); err == nil {
			t.Errorf("Put(%q) succeeded", key)
		}
	}
}

func TestMirror_corrupted(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "k.json"), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	m, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	var v []int
	if _, err := m.Get("k", &v); err == nil {
		t.Error("Get(corrupted) succeeded")
	}
}

func TestSlot(t *testing.T) {
	t.Parallel()
	m, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := m.Slot("rca_jsonbin_id")
	if v, err := s.Load(); err != nil || v != "" {
		t.Fatalf("Load() = %q, %v, want empty", v, err)
	}
	if err := s.Store("bin1"); err != nil {
		t.Fatal(err)
	}
	if v, err := m.Slot("rca_jsonbin_id").Load(); err != nil || v != "bin1" {
		t.Errorf("Load() = %q, %v, want bin1", v, err)
	}
}
