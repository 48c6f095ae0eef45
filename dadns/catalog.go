/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// DomainRecord is one row of the zone catalog: the domain, the upstream
// control panel that owns it and the last zone body we accepted for it.
type DomainRecord struct {
	Domain    string
	OwnerHost string // empty = unknown (not yet backfilled)
	OwnerUser string

	Payload    string
	HasPayload bool      // distinguishes NULL zone_data from an empty body
	PayloadTS  time.Time // zero = never synced
}

var catalogBaseTables = map[string]string{
	"sqlite3": `CREATE TABLE IF NOT EXISTS domains (
id		INTEGER PRIMARY KEY,
domain		TEXT NOT NULL UNIQUE,
hostname	TEXT,
username	TEXT
)`,
	"mysql": `CREATE TABLE IF NOT EXISTS domains (
id		INT AUTO_INCREMENT PRIMARY KEY,
domain		VARCHAR(255) NOT NULL UNIQUE,
hostname	VARCHAR(255),
username	VARCHAR(255)
)`,
}

// Columns added after the initial schema. Applied one by one on open; the
// probe-then-ALTER sequence is idempotent so older databases upgrade in
// place.
var catalogMigrations = []struct {
	column string
	ddl    string
}{
	{"zone_data", "ALTER TABLE domains ADD COLUMN zone_data TEXT"},
	{"zone_updated_at", "ALTER TABLE domains ADD COLUMN zone_updated_at TEXT"},
}

// Catalog is the durable per-node record of known zones. Writes serialize on
// the mutex; reads go straight to the database.
type Catalog struct {
	DB     *sql.DB
	driver string
	mu     sync.Mutex
}

// NewCatalog opens (and if needed creates) the catalog database described by
// the datastore config. Supported types: "sqlite" and "mysql".
func NewCatalog(dcfg DatastoreConf) (*Catalog, error) {
	var driver, dsn string

	switch dcfg.Type {
	case "sqlite":
		if dcfg.DbLocation == "" {
			return nil, fmt.Errorf("datastore type is sqlite but db_location is not defined")
		}
		if dir := filepath.Dir(dcfg.DbLocation); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("NewCatalog: creating %s: %w", dir, err)
			}
		}
		driver = "sqlite3"
		dsn = dcfg.DbLocation + "?_busy_timeout=5000"
	case "mysql":
		if dcfg.Host == "" || dcfg.User == "" || dcfg.Name == "" {
			return nil, fmt.Errorf("datastore type is mysql but host/user/name are not populated")
		}
		driver = "mysql"
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", dcfg.User, dcfg.Pass, dcfg.Host, dcfg.Port, dcfg.Name)
	default:
		return nil, fmt.Errorf("unknown datastore type: %s", dcfg.Type)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("NewCatalog: sql.Open: %w", err)
	}

	c := &Catalog{DB: db, driver: driver}
	if err := c.setupSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Close() error {
	return c.DB.Close()
}

func (c *Catalog) setupSchema() error {
	if _, err := c.DB.Exec(catalogBaseTables[c.driver]); err != nil {
		return fmt.Errorf("setupSchema: creating domains table: %w", err)
	}

	for _, m := range catalogMigrations {
		if c.columnExists("domains", m.column) {
			continue
		}
		if _, err := c.DB.Exec(m.ddl); err != nil {
			// Proceed with the old schema; operations needing the
			// column will surface the failure.
			log.Printf("setupSchema: migration for column %s failed: %v", m.column, err)
			continue
		}
		log.Printf("setupSchema: added column domains.%s", m.column)
	}
	return nil
}

func (c *Catalog) columnExists(table, column string) bool {
	var query string
	switch c.driver {
	case "sqlite3":
		query = fmt.Sprintf("PRAGMA table_info(%s)", table)
		rows, err := c.DB.Query(query)
		if err != nil {
			return false
		}
		defer rows.Close()
		for rows.Next() {
			var cid int
			var name, ctype string
			var notnull, pk int
			var dflt sql.NullString
			if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				continue
			}
			if name == column {
				return true
			}
		}
		return false
	case "mysql":
		query = fmt.Sprintf("SHOW COLUMNS FROM %s LIKE '%s'", table, column)
		var field string
		row := c.DB.QueryRow(query)
		var rest [5]interface{}
		for i := range rest {
			rest[i] = new(sql.RawBytes)
		}
		if err := row.Scan(append([]interface{}{&field}, rest[:]...)...); err != nil {
			return false
		}
		return field == column
	}
	return false
}

// CanonicalDomain lowercases and strips whitespace and the trailing dot, the
// single presentation form the whole catalog is keyed on.
func CanonicalDomain(domain string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
}

const domainCols = "domain, hostname, username, zone_data, zone_updated_at"

func (c *Catalog) scanRecord(row *sql.Row) (*DomainRecord, error) {
	var rec DomainRecord
	var hostname, username, payload, ts sql.NullString
	err := row.Scan(&rec.Domain, &hostname, &username, &payload, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.OwnerHost = hostname.String
	rec.OwnerUser = username.String
	rec.Payload = payload.String
	rec.HasPayload = payload.Valid
	if ts.Valid && ts.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts.String); err == nil {
			rec.PayloadTS = t
		}
	}
	return &rec, nil
}

// Get returns the record for domain, or nil if the domain is unknown.
func (c *Catalog) Get(domain string) (*DomainRecord, error) {
	row := c.DB.QueryRow(
		"SELECT "+domainCols+" FROM domains WHERE domain = ?", CanonicalDomain(domain))
	return c.scanRecord(row)
}

// GetParent strips the first label and looks up the immediate parent
// exactly. "sub.example.com" checks "example.com"; nothing recursive.
func (c *Catalog) GetParent(domain string) (*DomainRecord, error) {
	domain = CanonicalDomain(domain)
	idx := strings.Index(domain, ".")
	if idx < 0 || idx == len(domain)-1 {
		return nil, nil
	}
	return c.Get(domain[idx+1:])
}

// PutIfAbsent inserts a new record, ignoring the insert if the domain is
// already known (first-sight path from an ingress push).
func (c *Catalog) PutIfAbsent(rec *DomainRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.Get(rec.Domain)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	_, err = c.DB.Exec(
		"INSERT INTO domains (domain, hostname, username) VALUES (?, ?, ?)",
		CanonicalDomain(rec.Domain), nullable(rec.OwnerHost), nullable(rec.OwnerUser))
	return err
}

// UpdateOwner overwrites the ownership columns (the migration path).
func (c *Catalog) UpdateOwner(domain, ownerHost, ownerUser string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.DB.Exec(
		"UPDATE domains SET hostname = ?, username = ? WHERE domain = ?",
		nullable(ownerHost), nullable(ownerUser), CanonicalDomain(domain))
	return err
}

// UpdatePayload stores a new zone body and its timestamp atomically. A zero
// ts stores NULL (used by peer sync when the peer has no timestamp either).
func (c *Catalog) UpdatePayload(domain, payload string, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var tsval interface{}
	if !ts.IsZero() {
		tsval = ts.UTC().Format(time.RFC3339Nano)
	}
	_, err := c.DB.Exec(
		"UPDATE domains SET zone_data = ?, zone_updated_at = ? WHERE domain = ?",
		payload, tsval, CanonicalDomain(domain))
	return err
}

func (c *Catalog) Delete(domain string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.DB.Exec("DELETE FROM domains WHERE domain = ?", CanonicalDomain(domain))
	return err
}

func (c *Catalog) list(where string) ([]DomainRecord, error) {
	rows, err := c.DB.Query("SELECT " + domainCols + " FROM domains" + where + " ORDER BY domain")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []DomainRecord
	for rows.Next() {
		var rec DomainRecord
		var hostname, username, payload, ts sql.NullString
		if err := rows.Scan(&rec.Domain, &hostname, &username, &payload, &ts); err != nil {
			return nil, err
		}
		rec.OwnerHost = hostname.String
		rec.OwnerUser = username.String
		rec.Payload = payload.String
		rec.HasPayload = payload.Valid
		if ts.Valid && ts.String != "" {
			if t, err := time.Parse(time.RFC3339Nano, ts.String); err == nil {
				rec.PayloadTS = t
			}
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (c *Catalog) ListAll() ([]DomainRecord, error) {
	return c.list("")
}

func (c *Catalog) ListWithPayload() ([]DomainRecord, error) {
	return c.list(" WHERE zone_data IS NOT NULL")
}

func (c *Catalog) Count() (int, error) {
	var n int
	err := c.DB.QueryRow("SELECT COUNT(*) FROM domains").Scan(&n)
	return n, err
}

// Domains returns just the domain names, the shape the zone-file backends
// need for include-file rewrites.
func (c *Catalog) Domains() ([]string, error) {
	recs, err := c.ListAll()
	if err != nil {
		return nil, err
	}
	domains := make([]string, 0, len(recs))
	for _, r := range recs {
		domains = append(domains, r.Domain)
	}
	return domains, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
