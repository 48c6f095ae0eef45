/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// NSDBackend manages zone files for NLnet Labs NSD. Zone files are plain
// RFC 1035 like BIND; zone registration lives in a dedicated include file so
// the main nsd.conf is never touched. Reloads go through nsd-control.
type NSDBackend struct {
	instance string
	zonesDir string
	nsdConf  string

	run func(name string, args ...string) ([]byte, error)
}

func NewNSDBackend(instance string, cfg BackendConf) (DNSBackend, error) {
	b := &NSDBackend{
		instance: instance,
		zonesDir: cfg.ZonesDir,
		nsdConf:  cfg.NsdConf,
		run:      runCommand,
	}
	if b.zonesDir == "" || b.nsdConf == "" {
		return nil, fmt.Errorf("nsd backend %s: zones_dir and nsd_conf are required", instance)
	}
	if err := os.MkdirAll(b.zonesDir, 0755); err != nil {
		return nil, fmt.Errorf("nsd backend %s: creating zones dir: %w", instance, err)
	}
	if err := os.MkdirAll(filepath.Dir(b.nsdConf), 0755); err != nil {
		return nil, fmt.Errorf("nsd backend %s: creating conf dir: %w", instance, err)
	}
	if _, err := os.Stat(b.nsdConf); os.IsNotExist(err) {
		if err := os.WriteFile(b.nsdConf, nil, 0644); err != nil {
			return nil, fmt.Errorf("nsd backend %s: creating zone conf: %w", instance, err)
		}
		log.Printf("nsd backend %s: created empty zone conf %s", instance, b.nsdConf)
	}
	return b, nil
}

func (b *NSDBackend) Name() string     { return "nsd" }
func (b *NSDBackend) Instance() string { return b.instance }

func (b *NSDBackend) Available() bool {
	// nsd-control exits non-zero when NSD is down; a found binary is
	// enough for availability.
	_, err := b.run("nsd-control", "status")
	if err != nil && strings.Contains(err.Error(), "executable file not found") {
		log.Printf("nsd backend %s: nsd-control not found in PATH", b.instance)
		return false
	}
	return true
}

func (b *NSDBackend) zoneFile(zoneName string) string {
	return filepath.Join(b.zonesDir, zoneName+".db")
}

func (b *NSDBackend) zoneStanza(zoneName string) string {
	return fmt.Sprintf("\nzone:\n    name: \"%s\"\n    zonefile: \"%s\"\n", zoneName, b.zoneFile(zoneName))
}

func (b *NSDBackend) WriteZone(zoneName, zoneData string) error {
	zf := b.zoneFile(zoneName)
	if err := os.WriteFile(zf, []byte(zoneData), 0644); err != nil {
		return fmt.Errorf("failed to write zone file %s: %w", zf, err)
	}
	return b.ensureZoneInConf(zoneName)
}

func (b *NSDBackend) DeleteZone(zoneName string) error {
	zf := b.zoneFile(zoneName)
	if _, err := os.Stat(zf); os.IsNotExist(err) {
		return fmt.Errorf("zone file not found: %s", zf)
	}
	if err := os.Remove(zf); err != nil {
		return fmt.Errorf("failed to delete zone file %s: %w", zf, err)
	}
	return b.removeZoneFromConf(zoneName)
}

func (b *NSDBackend) ReloadZone(zoneName string) error {
	args := []string{"reload"}
	if zoneName != "" {
		args = append(args, zoneName)
	}
	out, err := b.run("nsd-control", args...)
	if err != nil {
		return fmt.Errorf("nsd-control reload failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *NSDBackend) ZoneExists(zoneName string) (bool, error) {
	_, err := os.Stat(b.zoneFile(zoneName))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SyncZoneList rewrites the include file with exactly the given zone list.
func (b *NSDBackend) SyncZoneList(zones []string) error {
	var sb strings.Builder
	for _, zone := range zones {
		sb.WriteString(b.zoneStanza(zone))
	}
	if err := os.WriteFile(b.nsdConf, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to update %s: %w", b.nsdConf, err)
	}
	return nil
}

func (b *NSDBackend) ensureZoneInConf(zoneName string) error {
	content, err := os.ReadFile(b.nsdConf)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if strings.Contains(string(content), fmt.Sprintf("name: \"%s\"", zoneName)) {
		return nil
	}
	f, err := os.OpenFile(b.nsdConf, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.zoneStanza(zoneName))
	return err
}

func (b *NSDBackend) removeZoneFromConf(zoneName string) error {
	content, err := os.ReadFile(b.nsdConf)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	pattern := regexp.MustCompile(
		`\nzone:\n    name: "` + regexp.QuoteMeta(zoneName) + `"\n    zonefile: "[^"]+"\n`)
	updated := pattern.ReplaceAllString(string(content), "")
	if updated == string(content) {
		return nil
	}
	return os.WriteFile(b.nsdConf, []byte(updated), 0644)
}
