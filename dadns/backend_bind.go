/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// BINDBackend manages zone files for a BIND/named daemon: one file per zone
// under zonesDir, a full named.conf.local rewrite for the zone list and
// rndc for reloads.
type BINDBackend struct {
	instance  string
	zonesDir  string
	namedConf string

	// run is the exec seam; tests replace it.
	run func(name string, args ...string) ([]byte, error)
}

func runCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

func NewBINDBackend(instance string, cfg BackendConf) (DNSBackend, error) {
	b := &BINDBackend{
		instance:  instance,
		zonesDir:  cfg.ZonesDir,
		namedConf: cfg.NamedConf,
		run:       runCommand,
	}
	if b.zonesDir == "" || b.namedConf == "" {
		return nil, fmt.Errorf("bind backend %s: zones_dir and named_conf are required", instance)
	}
	if err := os.MkdirAll(b.zonesDir, 0755); err != nil {
		return nil, fmt.Errorf("bind backend %s: creating zones dir: %w", instance, err)
	}
	if _, err := os.Stat(b.namedConf); os.IsNotExist(err) {
		log.Printf("bind backend %s: named conf not found at %s, creating empty file", instance, b.namedConf)
		if err := os.WriteFile(b.namedConf, nil, 0644); err != nil {
			return nil, fmt.Errorf("bind backend %s: creating named conf: %w", instance, err)
		}
	}
	return b, nil
}

func (b *BINDBackend) Name() string     { return "bind" }
func (b *BINDBackend) Instance() string { return b.instance }

func (b *BINDBackend) Available() bool {
	out, err := b.run("named", "-v")
	if err != nil {
		log.Printf("bind backend %s: named not available: %v", b.instance, err)
		return false
	}
	if line, _, found := strings.Cut(string(out), "\n"); found || line != "" {
		log.Printf("bind backend %s: %s", b.instance, strings.TrimSpace(line))
	}
	return true
}

func (b *BINDBackend) zoneFile(zoneName string) string {
	return filepath.Join(b.zonesDir, zoneName+".db")
}

func (b *BINDBackend) WriteZone(zoneName, zoneData string) error {
	zf := b.zoneFile(zoneName)
	if err := os.WriteFile(zf, []byte(zoneData), 0644); err != nil {
		return fmt.Errorf("failed to write zone file %s: %w", zf, err)
	}
	return nil
}

func (b *BINDBackend) DeleteZone(zoneName string) error {
	zf := b.zoneFile(zoneName)
	if _, err := os.Stat(zf); os.IsNotExist(err) {
		return fmt.Errorf("zone file not found: %s", zf)
	}
	if err := os.Remove(zf); err != nil {
		return fmt.Errorf("failed to delete zone file %s: %w", zf, err)
	}
	return nil
}

func (b *BINDBackend) ReloadZone(zoneName string) error {
	args := []string{"reload"}
	if zoneName != "" {
		args = append(args, zoneName)
	}
	out, err := b.run("rndc", args...)
	if err != nil {
		return fmt.Errorf("rndc reload failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *BINDBackend) ZoneExists(zoneName string) (bool, error) {
	_, err := os.Stat(b.zoneFile(zoneName))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SyncZoneList rewrites named.conf.local with exactly the given zones. Full
// replacement from a known-good source list, never an incremental patch.
func (b *BINDBackend) SyncZoneList(zones []string) error {
	var sb strings.Builder
	for _, zone := range zones {
		fmt.Fprintf(&sb, "zone \"%s\" { type master; file \"%s\"; };\n", zone, b.zoneFile(zone))
	}
	if err := os.WriteFile(b.namedConf, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to update %s: %w", b.namedConf, err)
	}
	return nil
}
