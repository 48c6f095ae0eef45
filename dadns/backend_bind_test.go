/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testBINDBackend(t *testing.T) (*BINDBackend, *[][]string) {
	t.Helper()
	dir := t.TempDir()
	backend, err := NewBINDBackend("bind-test", BackendConf{
		ZonesDir:  filepath.Join(dir, "zones"),
		NamedConf: filepath.Join(dir, "named.conf.local"),
	})
	if err != nil {
		t.Fatalf("NewBINDBackend() failed: %v", err)
	}
	b := backend.(*BINDBackend)

	var calls [][]string
	b.run = func(name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{name}, args...))
		return []byte("ok"), nil
	}
	return b, &calls
}

func TestBINDWriteDeleteZone(t *testing.T) {
	b, _ := testBINDBackend(t)

	if err := b.WriteZone("example.com", testZone); err != nil {
		t.Fatalf("WriteZone() failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(b.zonesDir, "example.com.db"))
	if err != nil || string(data) != testZone {
		t.Fatalf("zone file content wrong: %v", err)
	}
	if ok, _ := b.ZoneExists("example.com"); !ok {
		t.Error("ZoneExists() = false after write")
	}

	if err := b.DeleteZone("example.com"); err != nil {
		t.Fatalf("DeleteZone() failed: %v", err)
	}
	if ok, _ := b.ZoneExists("example.com"); ok {
		t.Error("zone still exists after delete")
	}
	if err := b.DeleteZone("example.com"); err == nil {
		t.Error("deleting a missing zone must error")
	}
}

func TestBINDReloadZone(t *testing.T) {
	b, calls := testBINDBackend(t)

	if err := b.ReloadZone("example.com"); err != nil {
		t.Fatalf("ReloadZone() failed: %v", err)
	}
	if err := b.ReloadZone(""); err != nil {
		t.Fatalf("full ReloadZone() failed: %v", err)
	}

	if len(*calls) != 2 {
		t.Fatalf("rndc invoked %d times, want 2", len(*calls))
	}
	if got := (*calls)[0]; got[0] != "rndc" || got[1] != "reload" || got[2] != "example.com" {
		t.Errorf("per-zone reload = %v", got)
	}
	if got := (*calls)[1]; len(got) != 2 || got[1] != "reload" {
		t.Errorf("full reload = %v", got)
	}
}

func TestBINDSyncZoneList(t *testing.T) {
	b, _ := testBINDBackend(t)

	if err := b.SyncZoneList([]string{"example.com", "example.org"}); err != nil {
		t.Fatalf("SyncZoneList() failed: %v", err)
	}
	data, err := os.ReadFile(b.namedConf)
	if err != nil {
		t.Fatalf("reading named conf: %v", err)
	}
	conf := string(data)
	if !strings.Contains(conf, `zone "example.com"`) || !strings.Contains(conf, `zone "example.org"`) {
		t.Errorf("named conf missing zones:\n%s", conf)
	}

	// A second sync with fewer zones replaces the file outright.
	if err := b.SyncZoneList([]string{"example.org"}); err != nil {
		t.Fatalf("SyncZoneList() failed: %v", err)
	}
	data, _ = os.ReadFile(b.namedConf)
	if strings.Contains(string(data), "example.com") {
		t.Error("removed zone still present in named conf")
	}
}
