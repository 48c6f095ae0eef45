/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"path/filepath"
	"testing"
	"time"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(DatastoreConf{
		Type:       "sqlite",
		DbLocation: filepath.Join(t.TempDir(), "catalog.db"),
	})
	if err != nil {
		t.Fatalf("NewCatalog() failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCatalogPutGet(t *testing.T) {
	c := testCatalog(t)

	rec, err := c.Get("example.com")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec != nil {
		t.Fatalf("Get() on empty catalog returned %+v", rec)
	}

	err = c.PutIfAbsent(&DomainRecord{Domain: "Example.COM.", OwnerHost: "da1", OwnerUser: "alice"})
	if err != nil {
		t.Fatalf("PutIfAbsent() failed: %v", err)
	}

	// Canonicalization: lookups are case-insensitive and dot-insensitive.
	rec, err = c.Get("EXAMPLE.com")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec == nil {
		t.Fatal("Get() did not find inserted domain")
	}
	if rec.Domain != "example.com" || rec.OwnerHost != "da1" || rec.OwnerUser != "alice" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.HasPayload {
		t.Error("fresh record should have no payload")
	}

	// Second insert is a no-op, not an overwrite.
	err = c.PutIfAbsent(&DomainRecord{Domain: "example.com", OwnerHost: "da2"})
	if err != nil {
		t.Fatalf("PutIfAbsent() failed: %v", err)
	}
	rec, _ = c.Get("example.com")
	if rec.OwnerHost != "da1" {
		t.Errorf("PutIfAbsent overwrote owner: %q", rec.OwnerHost)
	}
}

func TestCatalogUpdateOwner(t *testing.T) {
	c := testCatalog(t)
	c.PutIfAbsent(&DomainRecord{Domain: "example.com", OwnerHost: "da-old", OwnerUser: "alice"})

	if err := c.UpdateOwner("example.com", "da-new", "bob"); err != nil {
		t.Fatalf("UpdateOwner() failed: %v", err)
	}
	rec, _ := c.Get("example.com")
	if rec.OwnerHost != "da-new" || rec.OwnerUser != "bob" {
		t.Errorf("migration did not stick: %+v", rec)
	}
}

func TestCatalogUpdatePayload(t *testing.T) {
	c := testCatalog(t)
	c.PutIfAbsent(&DomainRecord{Domain: "example.com", OwnerHost: "da1"})

	ts := time.Now().UTC().Truncate(time.Millisecond)
	if err := c.UpdatePayload("example.com", "zone body", ts); err != nil {
		t.Fatalf("UpdatePayload() failed: %v", err)
	}

	rec, _ := c.Get("example.com")
	if !rec.HasPayload || rec.Payload != "zone body" {
		t.Errorf("payload not stored: %+v", rec)
	}
	if !rec.PayloadTS.Equal(ts) {
		t.Errorf("PayloadTS = %v, want %v", rec.PayloadTS, ts)
	}
}

func TestCatalogGetParent(t *testing.T) {
	c := testCatalog(t)
	c.PutIfAbsent(&DomainRecord{Domain: "example.com", OwnerHost: "da1", OwnerUser: "alice"})

	parent, err := c.GetParent("sub.example.com")
	if err != nil {
		t.Fatalf("GetParent() failed: %v", err)
	}
	if parent == nil || parent.Domain != "example.com" {
		t.Fatalf("GetParent() = %+v, want example.com", parent)
	}

	// Only the immediate parent is checked, nothing recursive.
	parent, err = c.GetParent("a.b.example.com")
	if err != nil {
		t.Fatalf("GetParent() failed: %v", err)
	}
	if parent != nil {
		t.Errorf("GetParent(a.b.example.com) = %+v, want nil", parent)
	}

	if parent, _ := c.GetParent("com"); parent != nil {
		t.Errorf("GetParent(com) = %+v, want nil", parent)
	}
}

func TestCatalogListWithPayload(t *testing.T) {
	c := testCatalog(t)
	c.PutIfAbsent(&DomainRecord{Domain: "synced.com", OwnerHost: "da1"})
	c.PutIfAbsent(&DomainRecord{Domain: "pending.com", OwnerHost: "da1"})
	c.UpdatePayload("synced.com", "body", time.Now())

	all, err := c.ListAll()
	if err != nil {
		t.Fatalf("ListAll() failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListAll() returned %d records, want 2", len(all))
	}

	synced, err := c.ListWithPayload()
	if err != nil {
		t.Fatalf("ListWithPayload() failed: %v", err)
	}
	if len(synced) != 1 || synced[0].Domain != "synced.com" {
		t.Errorf("ListWithPayload() = %+v, want just synced.com", synced)
	}

	if n, _ := c.Count(); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}
}

func TestCatalogDelete(t *testing.T) {
	c := testCatalog(t)
	c.PutIfAbsent(&DomainRecord{Domain: "example.com", OwnerHost: "da1"})

	if err := c.Delete("example.com"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	rec, _ := c.Get("example.com")
	if rec != nil {
		t.Errorf("record survived delete: %+v", rec)
	}
}

func TestCatalogMigrationIdempotent(t *testing.T) {
	// Opening the same database twice must not fail on the additive
	// column migrations.
	dir := t.TempDir()
	dcfg := DatastoreConf{Type: "sqlite", DbLocation: filepath.Join(dir, "catalog.db")}

	c1, err := NewCatalog(dcfg)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	c1.PutIfAbsent(&DomainRecord{Domain: "example.com"})
	c1.Close()

	c2, err := NewCatalog(dcfg)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	defer c2.Close()
	rec, err := c2.Get("example.com")
	if err != nil || rec == nil {
		t.Fatalf("data lost across reopen: rec=%+v err=%v", rec, err)
	}
}
