/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// PanelClient is the slice of the DirectAdmin client the reconciler needs.
type PanelClient interface {
	Host() string
	ListDomains(ipp int) (map[string]bool, error)
	EnsureExtraDNSServer(ip string, port int, user, passwd string, ssl bool) bool
}

// Reconciler periodically polls the configured control panels and brings the
// catalog and the backends back into agreement: orphaned zones are queued
// for deletion, missing or stale ownership is repaired, and backends that
// drifted (lost zones) are healed from stored payloads.
//
// Safety rules:
//   - an unreachable panel contributes nothing, so its zones are never
//     classified as orphans
//   - only zones present in the catalog are touched; foreign zones on a
//     backend are left alone
//   - orphan deletes go through the delete queue so the full delete path
//     (ownership guard included) is exercised
type Reconciler struct {
	Catalog  *Catalog
	Workers  *WorkerManager
	Registry *BackendRegistry

	// NewClient builds the per-panel client; tests substitute a fake.
	NewClient func(cfg DAServerConf, verifySSL bool) PanelClient

	conf    ReconciliationConf
	appconf AppConf

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	alive   atomic.Bool

	mu      sync.Mutex
	lastRun map[string]interface{}
}

func NewReconciler(catalog *Catalog, workers *WorkerManager, registry *BackendRegistry,
	conf ReconciliationConf, appconf AppConf) *Reconciler {
	return &Reconciler{
		Catalog:  catalog,
		Workers:  workers,
		Registry: registry,
		NewClient: func(cfg DAServerConf, verifySSL bool) PanelClient {
			return NewDAClient(cfg, verifySSL)
		},
		conf:    conf,
		appconf: appconf,
		stopCh:  make(chan struct{}),
		lastRun: map[string]interface{}{},
	}
}

// Start launches the reconciliation loop. A disabled or unconfigured
// reconciler is a no-op.
func (r *Reconciler) Start() {
	if !r.conf.Enabled {
		log.Printf("Reconciler: disabled, skipping")
		return
	}
	if len(r.conf.DirectadminServers) == 0 {
		log.Printf("Reconciler: enabled but no directadmin_servers configured")
		return
	}

	mode := "LIVE"
	if r.conf.DryRun {
		mode = "DRY-RUN"
	}
	log.Printf("Reconciler: started [%s], interval %dm, initial delay %dm, %d server(s)",
		mode, r.interval(), r.conf.InitialDelayMinutes, len(r.conf.DirectadminServers))
	if r.conf.DryRun {
		log.Printf("Reconciler: DRY-RUN mode active, orphans will be logged but NOT queued for deletion")
	}

	r.started.Store(true)
	r.wg.Add(1)
	go r.run()
}

func (r *Reconciler) Stop() {
	// The goroutine flips alive asynchronously, so Stop gates on the
	// started flag set in Start. CAS also makes a second Stop a no-op.
	if !r.started.CompareAndSwap(true, false) {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
	log.Printf("Reconciler: stopped")
}

func (r *Reconciler) IsAlive() bool {
	return r.alive.Load()
}

func (r *Reconciler) interval() int {
	if r.conf.IntervalMinutes <= 0 {
		return 60
	}
	return r.conf.IntervalMinutes
}

// Status returns reconciler configuration and last-run statistics for the
// status endpoint.
func (r *Reconciler) Status() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	last := map[string]interface{}{}
	for k, v := range r.lastRun {
		last[k] = v
	}
	return map[string]interface{}{
		"enabled":          r.conf.Enabled,
		"alive":            r.alive.Load(),
		"dry_run":          r.conf.DryRun,
		"interval_minutes": r.interval(),
		"last_run":         last,
	}
}

func (r *Reconciler) run() {
	defer r.wg.Done()
	r.alive.Store(true)
	defer r.alive.Store(false)

	if r.conf.InitialDelayMinutes > 0 {
		log.Printf("Reconciler: initial delay %dm, first pass deferred", r.conf.InitialDelayMinutes)
		select {
		case <-r.stopCh:
			return
		case <-time.After(time.Duration(r.conf.InitialDelayMinutes) * time.Minute):
		}
	}

	if r.conf.RegisterSelf {
		r.registerSelf()
	}

	log.Printf("Reconciler: running initial pass now")
	r.reconcileAll()

	ticker := time.NewTicker(time.Duration(r.interval()) * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reconcileAll()
		}
	}
}

// registerSelf asks every configured panel to add this node as an Extra DNS
// server with dns=yes and domain_check=yes so pushes start flowing without
// manual panel setup.
func (r *Reconciler) registerSelf() {
	ip := r.appconf.AdvertiseIP
	if ip == "" {
		log.Printf("Reconciler: register_self enabled but app.advertise_ip is empty, skipping")
		return
	}
	for _, server := range r.conf.DirectadminServers {
		client := r.NewClient(server, r.conf.VerifySsl)
		if client.EnsureExtraDNSServer(ip, r.appconf.ListenPort,
			r.appconf.AuthUsername, r.appconf.AuthPassword, r.appconf.SslEnable) {
			log.Printf("Reconciler: registered with panel %s as %s:%d",
				server.Hostname, ip, r.appconf.ListenPort)
		}
	}
}

func (r *Reconciler) reconcileAll() {
	startedAt := time.Now().UTC()
	r.setLastRun(map[string]interface{}{
		"status":     "running",
		"started_at": startedAt.Format(time.RFC3339),
	})
	log.Printf("Reconciler: starting pass across %d server(s)", len(r.conf.DirectadminServers))

	var (
		polled      int
		unreachable int
		backfilled  int
		migrated    int
		orphans     int
		queued      int
		zonesInDB   int
	)

	// Map of every domain reported by every reachable panel, domain to
	// reporting host.
	panelDomains := map[string]string{}
	// Panels that answered this pass. Zones owned by anyone else are
	// off-limits for orphan deletion.
	reachedServers := map[string]bool{}
	for _, server := range r.conf.DirectadminServers {
		if server.Hostname == "" {
			log.Printf("Reconciler: server config missing hostname, skipping")
			continue
		}
		client := r.NewClient(server, r.conf.VerifySsl)
		polled++
		domains, err := client.ListDomains(r.conf.Ipp)
		if err != nil {
			log.Printf("Reconciler: %s unreachable: %v", server.Hostname, err)
			unreachable++
			continue
		}
		reachedServers[server.Hostname] = true
		for d := range domains {
			panelDomains[d] = server.Hostname
		}
		log.Printf("Reconciler: %s reports %d active domain(s)", server.Hostname, len(domains))
	}

	records, err := r.Catalog.ListAll()
	if err != nil {
		log.Printf("Reconciler: listing catalog failed, aborting pass: %v", err)
		r.setLastRun(map[string]interface{}{
			"status":     "error",
			"started_at": startedAt.Format(time.RFC3339),
		})
		return
	}
	zonesInDB = len(records)

	for _, rec := range records {
		reportedBy, present := panelDomains[rec.Domain]
		if present {
			if rec.OwnerHost == "" {
				log.Printf("Reconciler: %s hostname backfilled: %q", rec.Domain, reportedBy)
				if err := r.Catalog.UpdateOwner(rec.Domain, reportedBy, rec.OwnerUser); err != nil {
					log.Printf("Reconciler: %s backfill failed: %v", rec.Domain, err)
					continue
				}
				backfilled++
			} else if rec.OwnerHost != reportedBy {
				log.Printf("Reconciler: %s migrated: %q -> %q, updating catalog",
					rec.Domain, rec.OwnerHost, reportedBy)
				if err := r.Catalog.UpdateOwner(rec.Domain, reportedBy, rec.OwnerUser); err != nil {
					log.Printf("Reconciler: %s migration failed: %v", rec.Domain, err)
					continue
				}
				migrated++
			}
			continue
		}

		// Absent from every reachable panel. Delete only when the
		// recorded owner is a panel we actually polled successfully;
		// an unreachable owner means uncertainty, and uncertainty
		// never deletes.
		if !reachedServers[rec.OwnerHost] {
			continue
		}
		orphans++
		if r.conf.DryRun {
			log.Printf("Reconciler: [DRY-RUN] would delete orphan %s (owner %s)",
				rec.Domain, rec.OwnerHost)
			continue
		}
		item := &QueueItem{
			Domain:   rec.Domain,
			Hostname: rec.OwnerHost,
			Username: rec.OwnerUser,
			Source:   SourceReconcilerOrphan,
		}
		if err := r.Workers.EnqueueDelete(item); err != nil {
			log.Printf("Reconciler: queueing orphan delete for %s failed: %v", rec.Domain, err)
			continue
		}
		queued++
		log.Printf("Reconciler: queued delete for orphan %s (owner %s)", rec.Domain, rec.OwnerHost)
	}

	if r.conf.DryRun {
		log.Printf("Reconciler: pass complete [DRY-RUN], %d orphan(s) identified (none deleted)", orphans)
	} else {
		log.Printf("Reconciler: pass complete, %d domain(s) queued for deletion", queued)
	}

	healed := 0
	if r.Workers != nil && r.Registry != nil {
		healed = r.healBackends()
	}

	if n, err := r.Catalog.Count(); err == nil {
		metricZonesTotal.Set(float64(n))
	}
	metricReconcilerRuns.Inc()

	completedAt := time.Now().UTC()
	r.setLastRun(map[string]interface{}{
		"status":                 "ok",
		"started_at":             startedAt.Format(time.RFC3339),
		"completed_at":           completedAt.Format(time.RFC3339),
		"duration_seconds":       completedAt.Sub(startedAt).Round(100 * time.Millisecond).Seconds(),
		"da_servers_polled":      polled,
		"da_servers_unreachable": unreachable,
		"zones_in_da":            len(panelDomains),
		"zones_in_db":            zonesInDB,
		"orphans_found":          orphans,
		"orphans_queued":         queued,
		"hostnames_backfilled":   backfilled,
		"hostnames_migrated":     migrated,
		"zones_healed":           healed,
		"dry_run":                r.conf.DryRun,
	})
}

// healBackends re-queues every stored zone that one or more backends have
// lost, targeting only the missing backends. This recovers backends that
// missed pushes during downtime without waiting for the panel to re-send.
func (r *Reconciler) healBackends() int {
	backends := r.Registry.Enabled()
	if len(backends) == 0 {
		return 0
	}

	records, err := r.Catalog.ListWithPayload()
	if err != nil {
		log.Printf("Reconciler: heal: listing catalog failed: %v", err)
		return 0
	}
	if len(records) == 0 {
		return 0
	}

	healed := 0
	for _, rec := range records {
		var missing []string
		for name, backend := range backends {
			exists, err := backend.ZoneExists(rec.Domain)
			if err != nil {
				log.Printf("Reconciler: heal: zone_exists check failed for %s on %s: %v",
					rec.Domain, name, err)
				continue
			}
			if !exists {
				missing = append(missing, name)
			}
		}
		if len(missing) == 0 {
			continue
		}

		if r.conf.DryRun {
			log.Printf("Reconciler: [DRY-RUN] would heal %s, missing from %v", rec.Domain, missing)
			continue
		}
		log.Printf("Reconciler: healing %s, missing from %v, re-queuing with stored zone body",
			rec.Domain, missing)
		item := &QueueItem{
			Domain:         rec.Domain,
			ZoneData:       rec.Payload,
			Hostname:       rec.OwnerHost,
			Username:       rec.OwnerUser,
			TargetBackends: missing,
			Source:         SourceReconcilerHeal,
		}
		if err := r.Workers.EnqueueSave(item); err != nil {
			log.Printf("Reconciler: heal: queueing %s failed: %v", rec.Domain, err)
			continue
		}
		healed++
	}

	if healed > 0 {
		log.Printf("Reconciler: healing pass complete, %d zone(s) re-queued for backend recovery", healed)
	}
	return healed
}

func (r *Reconciler) setLastRun(stats map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRun = stats
}
