/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/joeig/go-powerdns/v3"
)

// zoneNotFoundMsg is the error text the PowerDNS API client returns for a
// missing zone.
const zoneNotFoundMsg = "Not Found"

const pdnsAPITimeout = 30 * time.Second

// PowerDNSAPIBackend pushes zones to a PowerDNS authoritative server over
// its HTTP API instead of writing its database directly. RRsets are
// diff-applied by (name, type); priority stays inside the record content,
// which is how the API expects MX/SRV data.
type PowerDNSAPIBackend struct {
	instance string
	vhost    string
	client   *powerdns.Client
}

func NewPowerDNSAPIBackend(instance string, cfg BackendConf) (DNSBackend, error) {
	if cfg.ApiUrl == "" || cfg.ApiKey == "" {
		return nil, fmt.Errorf("powerdns_api backend %s: api_url and api_key are required", instance)
	}
	vhost := cfg.Vhost
	if vhost == "" {
		vhost = "localhost"
	}

	httpClient := &http.Client{Timeout: pdnsAPITimeout}
	if cfg.SkipVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	b := &PowerDNSAPIBackend{
		instance: instance,
		vhost:    vhost,
		client: powerdns.New(cfg.ApiUrl, vhost,
			powerdns.WithAPIKey(cfg.ApiKey), powerdns.WithHTTPClient(httpClient)),
	}
	return b, nil
}

func (b *PowerDNSAPIBackend) Name() string     { return "powerdns_api" }
func (b *PowerDNSAPIBackend) Instance() string { return b.instance }

func (b *PowerDNSAPIBackend) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), pdnsAPITimeout)
	defer cancel()
	if _, err := b.client.Zones.List(ctx); err != nil {
		log.Printf("powerdns_api backend %s: API not reachable: %v", b.instance, err)
		return false
	}
	return true
}

func makeCanonical(name string) string {
	return strings.TrimSuffix(name, ".") + "."
}

func (b *PowerDNSAPIBackend) getZone(ctx context.Context, zoneName string) (*powerdns.Zone, error) {
	zone, err := b.client.Zones.Get(ctx, zoneName)
	if err != nil {
		if err.Error() == zoneNotFoundMsg {
			return nil, nil
		}
		return nil, err
	}
	return zone, nil
}

func (b *PowerDNSAPIBackend) WriteZone(zoneName, zoneData string) error {
	ctx, cancel := context.WithTimeout(context.Background(), pdnsAPITimeout)
	defer cancel()

	records, err := ParseZoneRecords(zoneData, zoneName)
	if err != nil {
		return err
	}

	zone, err := b.getZone(ctx, zoneName)
	if err != nil {
		return err
	}
	if zone == nil {
		kind := powerdns.ZoneKind("Native")
		_, err = b.client.Zones.Add(ctx, &powerdns.Zone{
			Name: powerdns.String(makeCanonical(zoneName)),
			Kind: &kind,
		})
		if err != nil {
			return fmt.Errorf("creating zone %s: %w", zoneName, err)
		}
		log.Printf("powerdns_api backend %s: created zone %s", b.instance, zoneName)
		zone, err = b.getZone(ctx, zoneName)
		if err != nil {
			return err
		}
	}

	// Group the parsed records into RRsets; the API replaces one
	// (name, type) pair per change.
	type rrsetKey struct {
		name  string
		rtype string
	}
	grouped := map[rrsetKey][]string{}
	ttls := map[rrsetKey]uint32{}
	for _, rec := range records {
		content := rec.Content
		if rec.Prio != nil {
			content = fmt.Sprintf("%d %s", *rec.Prio, content)
		}
		key := rrsetKey{makeCanonical(rec.Name), rec.Type}
		grouped[key] = append(grouped[key], content)
		ttls[key] = rec.TTL
	}

	for key, contents := range grouped {
		err := b.client.Records.Change(ctx, makeCanonical(zoneName),
			key.name, powerdns.RRType(key.rtype), ttls[key], contents)
		if err != nil {
			return fmt.Errorf("changing %s %s in %s: %w", key.name, key.rtype, zoneName, err)
		}
	}

	// Drop RRsets the authoritative body no longer has.
	if zone != nil {
		for _, rrset := range zone.RRsets {
			if rrset.Name == nil || rrset.Type == nil {
				continue
			}
			key := rrsetKey{*rrset.Name, string(*rrset.Type)}
			if _, keep := grouped[key]; keep {
				continue
			}
			err := b.client.Records.Delete(ctx, makeCanonical(zoneName), *rrset.Name, *rrset.Type)
			if err != nil {
				return fmt.Errorf("deleting %s %s in %s: %w", *rrset.Name, *rrset.Type, zoneName, err)
			}
		}
	}

	return nil
}

func (b *PowerDNSAPIBackend) DeleteZone(zoneName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), pdnsAPITimeout)
	defer cancel()

	err := b.client.Zones.Delete(ctx, zoneName)
	if err != nil {
		if err.Error() == zoneNotFoundMsg {
			return fmt.Errorf("zone %s not found for deletion", zoneName)
		}
		return err
	}
	return nil
}

// ReloadZone is a no-op; the API server serves changes immediately.
func (b *PowerDNSAPIBackend) ReloadZone(zoneName string) error {
	return nil
}

func (b *PowerDNSAPIBackend) ZoneExists(zoneName string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pdnsAPITimeout)
	defer cancel()

	zone, err := b.getZone(ctx, zoneName)
	if err != nil {
		return false, err
	}
	return zone != nil, nil
}

func (b *PowerDNSAPIBackend) VerifyRecordCount(zoneName string, expected int) (bool, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pdnsAPITimeout)
	defer cancel()

	zone, err := b.getZone(ctx, zoneName)
	if err != nil {
		return false, 0, err
	}
	if zone == nil {
		return expected == 0, 0, nil
	}
	actual := 0
	for _, rrset := range zone.RRsets {
		actual += len(rrset.Records)
	}
	return actual == expected, actual, nil
}
