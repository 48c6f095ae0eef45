/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"errors"
	"log"
	"sort"
)

// ErrNotSupported is returned by optional backend capabilities that a
// particular backend does not implement.
var ErrNotSupported = errors.New("not supported by this backend")

// DNSBackend is the capability surface every authoritative backend provides.
type DNSBackend interface {
	// Name is the backend type ("bind", "nsd", "powerdns_mysql", ...).
	Name() string
	// Instance is the config key identifying this particular instance.
	Instance() string
	// Available probes the backend's dependencies (binary on PATH,
	// database reachable).
	Available() bool

	// WriteZone is an idempotent overwrite of the full zone.
	WriteZone(zoneName, zoneData string) error
	// DeleteZone removes the zone; it errors when nothing existed.
	DeleteZone(zoneName string) error
	// ReloadZone signals the daemon; zoneName == "" means a full reload.
	ReloadZone(zoneName string) error
	ZoneExists(zoneName string) (bool, error)
}

// RecordCounter is implemented by backends that can enumerate their per-zone
// records (the record databases).
type RecordCounter interface {
	// VerifyRecordCount reports whether the backend holds exactly
	// expected records for the zone, and the actual count.
	VerifyRecordCount(zoneName string, expected int) (bool, int, error)
}

// RecordReconciler is implemented by backends that can forcibly remove
// records not present in the authoritative zone body.
type RecordReconciler interface {
	// ReconcileRecords returns the number of extra records removed.
	ReconcileRecords(zoneName, zoneData string) (int, error)
}

// ZoneListSyncer is implemented by the zone-file backends whose daemon needs
// a zone-list include file kept in agreement with the catalog. The pipeline
// rewrites the full list after every write or delete rather than patching it
// incrementally, which keeps the file from drifting.
type ZoneListSyncer interface {
	SyncZoneList(zones []string) error
}

// BackendRegistry holds the enabled, available backend instances built from
// the dns.backends config section.
type BackendRegistry struct {
	backends map[string]DNSBackend
}

type backendConstructor func(instance string, cfg BackendConf) (DNSBackend, error)

var backendTypes = map[string]backendConstructor{
	"bind":           NewBINDBackend,
	"nsd":            NewNSDBackend,
	"powerdns_mysql": NewSQLRecordBackend,
	"coredns_mysql":  NewSQLRecordBackend,
	"powerdns_api":   NewPowerDNSAPIBackend,
}

// NewBackendRegistry instantiates every enabled backend from the config,
// skipping unknown types and instances whose dependencies are missing.
func NewBackendRegistry(dnsconf DnsConf) *BackendRegistry {
	registry := &BackendRegistry{backends: map[string]DNSBackend{}}

	for instance, cfg := range dnsconf.Backends {
		btype := cfg.Type
		if btype == "" {
			btype = instance
		}
		constructor, known := backendTypes[btype]
		if !known {
			log.Printf("BackendRegistry: unknown backend type %q for instance %s", btype, instance)
			continue
		}
		if !cfg.Enabled {
			continue
		}
		backend, err := constructor(instance, cfg)
		if err != nil {
			log.Printf("BackendRegistry: failed to initialize backend instance %s: %v", instance, err)
			continue
		}
		if !backend.Available() {
			log.Printf("BackendRegistry: backend %s is not available for instance %s", btype, instance)
			continue
		}
		registry.backends[instance] = backend
		log.Printf("BackendRegistry: initialized backend instance %s (type %s)", instance, btype)
	}

	return registry
}

// NewTestRegistry builds a registry from pre-constructed backends (tests and
// embedding callers).
func NewTestRegistry(backends ...DNSBackend) *BackendRegistry {
	registry := &BackendRegistry{backends: map[string]DNSBackend{}}
	for _, b := range backends {
		registry.backends[b.Instance()] = b
	}
	return registry
}

// Enabled returns all registered backend instances keyed by instance name.
func (r *BackendRegistry) Enabled() map[string]DNSBackend {
	out := make(map[string]DNSBackend, len(r.backends))
	for k, v := range r.backends {
		out[k] = v
	}
	return out
}

// Names returns the sorted instance names.
func (r *BackendRegistry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for k := range r.backends {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
