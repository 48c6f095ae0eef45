/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

// SQLRecordBackend serves the record-database variants (powerdns_mysql,
// coredns_mysql): zones live as one row per resource record in the PowerDNS
// gmysql schema, which the CoreDNS mysql plugin reads as well. Writes are a
// diff-apply against rows keyed on (name, type) so unchanged records keep
// their ids.
type SQLRecordBackend struct {
	typ      string
	instance string
	driver   string
	table    string
	db       *sql.DB
}

var recordSchemaTables = map[string][]string{
	"mysql": {
		`CREATE TABLE IF NOT EXISTS domains (
id		INT AUTO_INCREMENT PRIMARY KEY,
name		VARCHAR(255) NOT NULL UNIQUE,
master		VARCHAR(128),
last_check	INT,
type		VARCHAR(6) NOT NULL DEFAULT 'NATIVE',
notified_serial	INT,
account		VARCHAR(40)
)`,
		`CREATE TABLE IF NOT EXISTS %s (
id		INT AUTO_INCREMENT PRIMARY KEY,
domain_id	INT NOT NULL,
name		VARCHAR(255) NOT NULL,
type		VARCHAR(10) NOT NULL,
content		TEXT NOT NULL,
ttl		INT,
prio		INT,
change_date	INT,
disabled	TINYINT NOT NULL DEFAULT 0,
ordername	VARCHAR(255),
auth		TINYINT NOT NULL DEFAULT 1,
INDEX (domain_id),
INDEX (name)
)`,
	},
	"sqlite3": {
		`CREATE TABLE IF NOT EXISTS domains (
id		INTEGER PRIMARY KEY,
name		TEXT NOT NULL UNIQUE,
master		TEXT,
last_check	INTEGER,
type		TEXT NOT NULL DEFAULT 'NATIVE',
notified_serial	INTEGER,
account		TEXT
)`,
		`CREATE TABLE IF NOT EXISTS %s (
id		INTEGER PRIMARY KEY,
domain_id	INTEGER NOT NULL,
name		TEXT NOT NULL,
type		TEXT NOT NULL,
content		TEXT NOT NULL,
ttl		INTEGER,
prio		INTEGER,
change_date	INTEGER,
disabled	INTEGER NOT NULL DEFAULT 0,
ordername	TEXT,
auth		INTEGER NOT NULL DEFAULT 1
)`,
	},
}

func NewSQLRecordBackend(instance string, cfg BackendConf) (DNSBackend, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "mysql"
	}

	var dsn string
	switch driver {
	case "mysql":
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
			cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	case "sqlite3":
		dsn = cfg.Database
	default:
		return nil, fmt.Errorf("record backend %s: unsupported driver %q", instance, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("record backend %s: sql.Open: %w", instance, err)
	}

	table := cfg.TableName
	if table == "" {
		table = "records"
	}

	b := &SQLRecordBackend{
		typ:      cfg.Type,
		instance: instance,
		driver:   driver,
		table:    table,
		db:       db,
	}
	if b.typ == "" {
		b.typ = instance
	}

	for _, ddl := range recordSchemaTables[driver] {
		stmt := ddl
		if containsTablePlaceholder(ddl) {
			stmt = fmt.Sprintf(ddl, table)
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("record backend %s: schema setup: %w", instance, err)
		}
	}

	log.Printf("record backend %s: initialized (%s, table %s)", instance, driver, table)
	return b, nil
}

func containsTablePlaceholder(ddl string) bool {
	for i := 0; i+1 < len(ddl); i++ {
		if ddl[i] == '%' && ddl[i+1] == 's' {
			return true
		}
	}
	return false
}

func (b *SQLRecordBackend) Name() string     { return b.typ }
func (b *SQLRecordBackend) Instance() string { return b.instance }

func (b *SQLRecordBackend) Available() bool {
	if err := b.db.Ping(); err != nil {
		log.Printf("record backend %s: database not reachable: %v", b.instance, err)
		return false
	}
	return true
}

func (b *SQLRecordBackend) domainID(zoneName string) (int64, error) {
	var id int64
	err := b.db.QueryRow("SELECT id FROM domains WHERE name = ?", zoneName).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

type recordRow struct {
	id      int64
	content string
	ttl     sql.NullInt64
	prio    sql.NullInt64
}

func (b *SQLRecordBackend) WriteZone(zoneName, zoneData string) error {
	records, err := ParseZoneRecords(zoneData, zoneName)
	if err != nil {
		return err
	}

	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	domainID, err := b.domainID(zoneName)
	if err != nil {
		return err
	}
	if domainID == 0 {
		res, err := tx.Exec("INSERT INTO domains (name, type) VALUES (?, 'NATIVE')", zoneName)
		if err != nil {
			return fmt.Errorf("creating domain %s: %w", zoneName, err)
		}
		domainID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		log.Printf("record backend %s: created new domain %s", b.instance, zoneName)
	}

	rows, err := tx.Query(
		"SELECT id, name, type, content, ttl, prio FROM "+b.table+" WHERE domain_id = ?", domainID)
	if err != nil {
		return err
	}
	existing := map[string]recordRow{}
	for rows.Next() {
		var row recordRow
		var name, rtype string
		if err := rows.Scan(&row.id, &name, &rtype, &row.content, &row.ttl, &row.prio); err != nil {
			rows.Close()
			return err
		}
		existing[name+"|"+rtype] = row
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	now := time.Now().Unix()
	current := map[string]bool{}
	var added, updated, removed int

	for _, rec := range records {
		key := rec.Key()
		current[key] = true

		var prio interface{}
		if rec.Prio != nil {
			prio = *rec.Prio
		}

		if row, ok := existing[key]; ok {
			samePrio := (rec.Prio == nil && !row.prio.Valid) ||
				(rec.Prio != nil && row.prio.Valid && int64(*rec.Prio) == row.prio.Int64)
			if row.content == rec.Content && row.ttl.Valid && row.ttl.Int64 == int64(rec.TTL) && samePrio {
				continue
			}
			_, err = tx.Exec(
				"UPDATE "+b.table+" SET content = ?, ttl = ?, prio = ?, change_date = ?, disabled = 0 WHERE id = ?",
				rec.Content, rec.TTL, prio, now, row.id)
			if err != nil {
				return err
			}
			updated++
		} else {
			_, err = tx.Exec(
				"INSERT INTO "+b.table+" (domain_id, name, type, content, ttl, prio, change_date, disabled, auth) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1)",
				domainID, rec.Name, rec.Type, rec.Content, rec.TTL, prio, now)
			if err != nil {
				return err
			}
			added++
		}
	}

	for key, row := range existing {
		if current[key] {
			continue
		}
		if _, err := tx.Exec("DELETE FROM "+b.table+" WHERE id = ?", row.id); err != nil {
			return err
		}
		removed++
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("record backend %s: zone %s updated: +%d ~%d -%d",
		b.instance, zoneName, added, updated, removed)
	return nil
}

func (b *SQLRecordBackend) DeleteZone(zoneName string) error {
	domainID, err := b.domainID(zoneName)
	if err != nil {
		return err
	}
	if domainID == 0 {
		return fmt.Errorf("domain %s not found for deletion", zoneName)
	}

	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM "+b.table+" WHERE domain_id = ?", domainID)
	if err != nil {
		return err
	}
	count, _ := res.RowsAffected()
	if _, err := tx.Exec("DELETE FROM domains WHERE id = ?", domainID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("record backend %s: deleted domain %s with %d records", b.instance, zoneName, count)
	return nil
}

// ReloadZone is a no-op: the resolver reads the tables live.
func (b *SQLRecordBackend) ReloadZone(zoneName string) error {
	return nil
}

func (b *SQLRecordBackend) ZoneExists(zoneName string) (bool, error) {
	id, err := b.domainID(zoneName)
	if err != nil {
		return false, err
	}
	return id != 0, nil
}

func (b *SQLRecordBackend) VerifyRecordCount(zoneName string, expected int) (bool, int, error) {
	domainID, err := b.domainID(zoneName)
	if err != nil {
		return false, 0, err
	}
	if domainID == 0 {
		return expected == 0, 0, nil
	}
	var actual int
	err = b.db.QueryRow(
		"SELECT COUNT(*) FROM "+b.table+" WHERE domain_id = ? AND disabled = 0", domainID).Scan(&actual)
	if err != nil {
		return false, 0, err
	}
	return actual == expected, actual, nil
}

// ReconcileRecords removes every row whose (name, type) is not present in
// the authoritative zone body.
func (b *SQLRecordBackend) ReconcileRecords(zoneName, zoneData string) (int, error) {
	records, err := ParseZoneRecords(zoneData, zoneName)
	if err != nil {
		return 0, err
	}
	allowed := map[string]bool{}
	for _, rec := range records {
		allowed[rec.Key()] = true
	}

	domainID, err := b.domainID(zoneName)
	if err != nil || domainID == 0 {
		return 0, err
	}

	rows, err := b.db.Query(
		"SELECT id, name, type FROM "+b.table+" WHERE domain_id = ?", domainID)
	if err != nil {
		return 0, err
	}
	var extra []int64
	for rows.Next() {
		var id int64
		var name, rtype string
		if err := rows.Scan(&id, &name, &rtype); err != nil {
			rows.Close()
			return 0, err
		}
		if !allowed[name+"|"+rtype] {
			extra = append(extra, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range extra {
		if _, err := b.db.Exec("DELETE FROM "+b.table+" WHERE id = ?", id); err != nil {
			return 0, err
		}
	}
	return len(extra), nil
}
