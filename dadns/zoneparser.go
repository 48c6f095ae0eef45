/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// ValidateAndNormalizeZone ensures the zone body carries $ORIGIN and $TTL
// directives and parses cleanly. DirectAdmin rawsave bodies frequently omit
// both. Returns the normalized zone text.
func ValidateAndNormalizeZone(zoneData, domain string) (string, error) {
	origin := dns.Fqdn(strings.ToLower(strings.TrimSpace(domain)))

	if !strings.Contains(zoneData, "$ORIGIN") {
		zoneData = fmt.Sprintf("$ORIGIN %s\n%s", origin, zoneData)
	}
	if !strings.Contains(zoneData, "$TTL") {
		zoneData = fmt.Sprintf("$TTL 300\n%s", zoneData)
	}

	zp := dns.NewZoneParser(strings.NewReader(zoneData), origin, "")
	for _, ok := zp.Next(); ok; _, ok = zp.Next() {
	}
	if err := zp.Err(); err != nil {
		return "", fmt.Errorf("invalid zone data: %w", err)
	}
	return zoneData, nil
}

// CountZoneRecords returns the number of individual IN records in the zone
// body, counted the way the record-db backends store them (one row per
// record). Returns -1 if the body does not parse.
func CountZoneRecords(zoneData, domain string) int {
	origin := dns.Fqdn(strings.ToLower(strings.TrimSpace(domain)))

	zp := dns.NewZoneParser(strings.NewReader(zoneData), origin, "")
	count := 0
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		if rr.Header().Class == dns.ClassINET {
			count++
		}
	}
	if err := zp.Err(); err != nil {
		log.Printf("CountZoneRecords: failed to parse zone %s: %v", domain, err)
		return -1
	}
	return count
}

// ZoneRecord is one resource record in the normalized shape the record-db
// backends store: FQDN without trailing dot, rdata as presentation text,
// MX/SRV priority split out of the content.
type ZoneRecord struct {
	Name    string
	Type    string
	Content string
	TTL     uint32
	Prio    *int
}

// Key identifies the row the diff-apply pass operates on.
func (zr ZoneRecord) Key() string {
	return zr.Name + "|" + zr.Type
}

// ParseZoneRecords parses a zone body into individual normalized records.
func ParseZoneRecords(zoneData, zoneName string) ([]ZoneRecord, error) {
	zoneName = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(zoneName), "."))
	origin := dns.Fqdn(zoneName)

	var records []ZoneRecord
	zp := dns.NewZoneParser(strings.NewReader(zoneData), origin, "")
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		hdr := rr.Header()
		if hdr.Class != dns.ClassINET {
			continue
		}

		rec := ZoneRecord{
			Name:    EnsureFQDN(strings.ToLower(hdr.Name), zoneName),
			Type:    dns.TypeToString[hdr.Rrtype],
			Content: rdataText(rr),
			TTL:     hdr.Ttl,
		}

		switch rec.Type {
		case "MX":
			// "10 mail.example.com." -> prio 10, content "mail.example.com."
			parts := strings.SplitN(rec.Content, " ", 2)
			if len(parts) == 2 {
				if prio, err := strconv.Atoi(parts[0]); err == nil {
					rec.Prio = &prio
					rec.Content = parts[1]
				}
			}
		case "SRV":
			// "10 5 5060 sip.example.com." -> prio 10, rest stays together
			parts := strings.SplitN(rec.Content, " ", 4)
			if len(parts) == 4 {
				if prio, err := strconv.Atoi(parts[0]); err == nil {
					rec.Prio = &prio
					rec.Content = strings.Join(parts[1:], " ")
				}
			}
		}

		records = append(records, rec)
	}
	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse zone %s: %w", zoneName, err)
	}
	return records, nil
}

// EnsureFQDN qualifies a record owner name against its zone: the apex ("@",
// empty) becomes the zone name, absolute names lose the trailing dot and
// bare labels get the zone suffixed.
func EnsureFQDN(name, zoneName string) string {
	zoneName = strings.TrimSuffix(zoneName, ".")
	switch {
	case name == "@" || name == "":
		return zoneName
	case strings.HasSuffix(name, "."):
		return strings.TrimSuffix(name, ".")
	case name == zoneName:
		return name
	default:
		return name + "." + zoneName
	}
}

// rdataText strips the owner/TTL/class/type header from a record's
// presentation form, leaving just the rdata.
func rdataText(rr dns.RR) string {
	return strings.TrimPrefix(rr.String(), rr.Header().String())
}
