/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// MaxRetries is the retry ceiling; items that fail on their final
	// attempt are counted as dead letters and discarded.
	MaxRetries = 5

	// QueuePollTimeout bounds the blocking dequeue so workers can observe
	// the stop channel.
	QueuePollTimeout = 5 * time.Second

	// RetryDrainInterval is how often the retry queue is scanned for items
	// whose backoff has elapsed.
	RetryDrainInterval = 30 * time.Second
)

// RetryBackoff is the escalation table indexed by attempt-1. Attempts past
// the end of the table reuse the last entry.
var RetryBackoff = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
}

// QueueStatus is the queue-depth snapshot served by /status and
// /queue_status.
type QueueStatus struct {
	Save        int64 `json:"save"`
	Delete      int64 `json:"delete"`
	Retry       int64 `json:"retry"`
	DeadLetters int64 `json:"dead_letters"`
}

// WorkerManager owns the save, delete and retry queues and the three worker
// goroutines draining them. Ingress handlers and the reconciler only ever
// enqueue; all backend I/O happens on the workers.
type WorkerManager struct {
	Catalog  *Catalog
	Registry *BackendRegistry

	SaveQ   *DiskQueue
	DeleteQ *DiskQueue
	RetryQ  *DiskQueue

	stopCh chan struct{}
	wg     sync.WaitGroup

	saveAlive   atomic.Bool
	deleteAlive atomic.Bool
	retryAlive  atomic.Bool

	deadLetters atomic.Int64
}

// NewWorkerManager opens the three durable queues under queueRoot and wires
// them to the catalog and the backend registry. Call Start to launch the
// workers.
func NewWorkerManager(catalog *Catalog, registry *BackendRegistry, queueRoot string) (*WorkerManager, error) {
	wm := &WorkerManager{
		Catalog:  catalog,
		Registry: registry,
		stopCh:   make(chan struct{}),
	}

	var err error
	if wm.SaveQ, err = NewDiskQueue(queueRoot, "save"); err != nil {
		return nil, err
	}
	if wm.DeleteQ, err = NewDiskQueue(queueRoot, "delete"); err != nil {
		return nil, err
	}
	if wm.RetryQ, err = NewDiskQueue(queueRoot, "retry"); err != nil {
		return nil, err
	}
	return wm, nil
}

// Start launches the save, delete and retry-drain workers.
func (wm *WorkerManager) Start() {
	wm.wg.Add(3)
	go wm.saveWorker()
	go wm.deleteWorker()
	go wm.retryDrainWorker()
	log.Printf("WorkerManager: save, delete and retry-drain workers started")
}

// Stop signals the workers, waits for them (bounded), then closes the
// queues. Undelivered items stay on disk for the next start.
func (wm *WorkerManager) Stop() {
	close(wm.stopCh)

	done := make(chan struct{})
	go func() {
		wm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Printf("WorkerManager: timeout waiting for workers to stop")
	}

	wm.SaveQ.Close()
	wm.DeleteQ.Close()
	wm.RetryQ.Close()
	log.Printf("WorkerManager: stopped")
}

// EnqueueSave appends a save item; called by the ingress handler and the
// reconciler heal pass.
func (wm *WorkerManager) EnqueueSave(item *QueueItem) error {
	return wm.SaveQ.Put(item)
}

// EnqueueDelete appends a delete item.
func (wm *WorkerManager) EnqueueDelete(item *QueueItem) error {
	return wm.DeleteQ.Put(item)
}

// QueueStatus returns current queue depths and the dead-letter count.
func (wm *WorkerManager) QueueStatus() QueueStatus {
	return QueueStatus{
		Save:        wm.SaveQ.Depth(),
		Delete:      wm.DeleteQ.Depth(),
		Retry:       wm.RetryQ.Depth(),
		DeadLetters: wm.deadLetters.Load(),
	}
}

// WorkersAlive reports per-worker liveness for the status endpoint.
func (wm *WorkerManager) WorkersAlive() map[string]bool {
	return map[string]bool{
		"save":        wm.saveAlive.Load(),
		"delete":      wm.deleteAlive.Load(),
		"retry_drain": wm.retryAlive.Load(),
	}
}

func (wm *WorkerManager) DeadLetters() int64 {
	return wm.deadLetters.Load()
}

// saveWorker is the single consumer of the save queue. Items are processed
// in batch windows: once an item arrives the window stays open until the
// queue transitions empty, so throughput is logged per batch instead of per
// item.
func (wm *WorkerManager) saveWorker() {
	defer wm.wg.Done()
	wm.saveAlive.Store(true)
	defer wm.saveAlive.Store(false)

	for {
		select {
		case <-wm.stopCh:
			return
		default:
		}

		metricQueueDepth.WithLabelValues("save").Set(float64(wm.SaveQ.Depth()))

		item, ok := wm.SaveQ.Get(QueuePollTimeout)
		if !ok {
			continue
		}

		batchStart := time.Now()
		processed := 0
		for {
			wm.processSaveItem(item)
			processed++

			if wm.SaveQ.Depth() == 0 {
				break
			}
			item, ok = wm.SaveQ.Get(QueuePollTimeout)
			if !ok {
				break
			}
		}
		log.Printf("saveWorker: batch done: %d zone(s) in %v", processed,
			time.Since(batchStart).Round(time.Millisecond))
	}
}

func (wm *WorkerManager) processSaveItem(item *QueueItem) {
	domain := CanonicalDomain(item.Domain)

	// Retry and heal items carry an explicit backend subset and have
	// already been through owner normalization on first pass.
	if !item.IsRetry() {
		if err := wm.normalizeOwner(domain, item); err != nil {
			log.Printf("saveWorker: %s: catalog update failed: %v", domain, err)
		}
	}

	targets := wm.targetBackends(item)
	if len(targets) == 0 {
		log.Printf("saveWorker: %s: no enabled backends match item targets %v, nothing to do",
			domain, item.TargetBackends)
		return
	}

	var failed []string
	if len(targets) > 1 {
		failed = wm.fanOut(targets, func(b DNSBackend) error {
			return wm.saveSingleBackend(b, domain, item.ZoneData)
		})
	} else {
		for name, b := range targets {
			if err := wm.saveSingleBackend(b, domain, item.ZoneData); err != nil {
				log.Printf("saveWorker: %s: backend %s: %v", domain, name, err)
				failed = append(failed, name)
			}
		}
	}

	if len(failed) > 0 {
		wm.scheduleRetry(item, failed)
		return
	}

	if err := wm.Catalog.UpdatePayload(domain, item.ZoneData, time.Now()); err != nil {
		log.Printf("saveWorker: %s: storing zone body in catalog failed: %v", domain, err)
	}
}

// normalizeOwner inserts first-seen domains and migrates ownership when a
// different panel starts pushing the zone.
func (wm *WorkerManager) normalizeOwner(domain string, item *QueueItem) error {
	rec, err := wm.Catalog.Get(domain)
	if err != nil {
		return err
	}
	if rec == nil {
		return wm.Catalog.PutIfAbsent(&DomainRecord{
			Domain:    domain,
			OwnerHost: item.Hostname,
			OwnerUser: item.Username,
		})
	}
	if item.Hostname != "" && rec.OwnerHost != item.Hostname {
		log.Printf("saveWorker: %s: ownership migration %q -> %q (user %q)",
			domain, rec.OwnerHost, item.Hostname, item.Username)
		return wm.Catalog.UpdateOwner(domain, item.Hostname, item.Username)
	}
	return nil
}

// targetBackends resolves the item's backend subset against the registry.
// An empty subset means all enabled backends.
func (wm *WorkerManager) targetBackends(item *QueueItem) map[string]DNSBackend {
	enabled := wm.Registry.Enabled()
	if len(item.TargetBackends) == 0 {
		return enabled
	}
	targets := map[string]DNSBackend{}
	for _, name := range item.TargetBackends {
		if b, ok := enabled[name]; ok {
			targets[name] = b
		} else {
			log.Printf("WorkerManager: target backend %s is no longer enabled, skipping", name)
		}
	}
	return targets
}

// fanOut runs op against every backend in parallel, one goroutine per
// backend, and returns the instance names that failed.
func (wm *WorkerManager) fanOut(targets map[string]DNSBackend, op func(DNSBackend) error) []string {
	var (
		mu     sync.Mutex
		failed []string
		fwg    sync.WaitGroup
	)
	for name, backend := range targets {
		fwg.Add(1)
		go func(name string, b DNSBackend) {
			defer fwg.Done()
			if err := op(b); err != nil {
				log.Printf("WorkerManager: backend %s: %v", name, err)
				mu.Lock()
				failed = append(failed, name)
				mu.Unlock()
			}
		}(name, backend)
	}
	fwg.Wait()
	return failed
}

// saveSingleBackend writes one zone to one backend, keeps the backend's
// zone-list include in step with the catalog, reloads, and verifies the
// record count where the backend supports it.
func (wm *WorkerManager) saveSingleBackend(backend DNSBackend, domain, zoneData string) error {
	if err := backend.WriteZone(domain, zoneData); err != nil {
		metricBackendOps.WithLabelValues(backend.Instance(), "write", "error").Inc()
		return fmt.Errorf("write_zone: %w", err)
	}

	if syncer, ok := backend.(ZoneListSyncer); ok {
		// Full rewrite from the catalog after every write, never an
		// incremental patch.
		zones, err := wm.Catalog.Domains()
		if err != nil {
			metricBackendOps.WithLabelValues(backend.Instance(), "write", "error").Inc()
			return fmt.Errorf("listing zones for include rewrite: %w", err)
		}
		if !containsString(zones, domain) {
			zones = append(zones, domain)
		}
		if err := syncer.SyncZoneList(zones); err != nil {
			metricBackendOps.WithLabelValues(backend.Instance(), "write", "error").Inc()
			return fmt.Errorf("zone list sync: %w", err)
		}
		if err := backend.ReloadZone(""); err != nil {
			metricBackendOps.WithLabelValues(backend.Instance(), "write", "error").Inc()
			return fmt.Errorf("reload: %w", err)
		}
	} else {
		if err := backend.ReloadZone(domain); err != nil {
			metricBackendOps.WithLabelValues(backend.Instance(), "write", "error").Inc()
			return fmt.Errorf("reload: %w", err)
		}
	}

	wm.verifyRecordCount(backend, domain, zoneData)
	metricBackendOps.WithLabelValues(backend.Instance(), "write", "ok").Inc()
	return nil
}

// verifyRecordCount cross-checks the backend's record count against the zone
// body and removes extra rows where the backend can reconcile. Verification
// problems are logged, never escalated to a save failure.
func (wm *WorkerManager) verifyRecordCount(backend DNSBackend, domain, zoneData string) {
	counter, ok := backend.(RecordCounter)
	if !ok {
		return
	}
	expected := CountZoneRecords(zoneData, domain)
	if expected < 0 {
		return
	}
	matches, actual, err := counter.VerifyRecordCount(domain, expected)
	if errors.Is(err, ErrNotSupported) {
		return
	}
	if err != nil {
		log.Printf("WorkerManager: %s: record count check on %s failed: %v",
			domain, backend.Instance(), err)
		return
	}
	if matches {
		return
	}
	log.Printf("WorkerManager: %s: record count mismatch on %s: expected %d, got %d",
		domain, backend.Instance(), expected, actual)
	if actual > expected {
		if rec, ok := backend.(RecordReconciler); ok {
			removed, err := rec.ReconcileRecords(domain, zoneData)
			if err != nil {
				log.Printf("WorkerManager: %s: record reconcile on %s failed: %v",
					domain, backend.Instance(), err)
				return
			}
			log.Printf("WorkerManager: %s: removed %d stale record(s) from %s",
				domain, removed, backend.Instance())
		}
	}
}

// scheduleRetry emits a retry-save item carrying only the failed backends so
// retries never repeat work on backends that already succeeded. Past the
// ceiling the item is dropped and counted.
func (wm *WorkerManager) scheduleRetry(item *QueueItem, failed []string) {
	attempt := item.RetryCount + 1
	if attempt > MaxRetries {
		wm.deadLetters.Add(1)
		metricDeadLetters.Inc()
		log.Printf("WorkerManager: %s: giving up after %d attempts, failed backends: %v",
			item.Domain, item.RetryCount, failed)
		return
	}

	backoff := RetryBackoff[len(RetryBackoff)-1]
	if attempt-1 < len(RetryBackoff) {
		backoff = RetryBackoff[attempt-1]
	}

	retry := *item
	retry.TargetBackends = failed
	retry.RetryCount = attempt
	retry.RetryAfter = time.Now().Add(backoff).Unix()
	retry.Source = SourceRetry

	if err := wm.RetryQ.Put(&retry); err != nil {
		log.Printf("WorkerManager: %s: enqueueing retry failed: %v", item.Domain, err)
		return
	}
	log.Printf("WorkerManager: %s: retry %d/%d scheduled in %v for backends %v",
		item.Domain, attempt, MaxRetries, backoff, failed)
}

// deleteWorker is the single consumer of the delete queue.
func (wm *WorkerManager) deleteWorker() {
	defer wm.wg.Done()
	wm.deleteAlive.Store(true)
	defer wm.deleteAlive.Store(false)

	for {
		select {
		case <-wm.stopCh:
			return
		default:
		}

		metricQueueDepth.WithLabelValues("delete").Set(float64(wm.DeleteQ.Depth()))

		item, ok := wm.DeleteQ.Get(QueuePollTimeout)
		if !ok {
			continue
		}
		wm.processDeleteItem(item)
	}
}

func (wm *WorkerManager) processDeleteItem(item *QueueItem) {
	domain := CanonicalDomain(item.Domain)

	rec, err := wm.Catalog.Get(domain)
	if err != nil {
		log.Printf("deleteWorker: %s: catalog lookup failed: %v", domain, err)
		return
	}
	if rec == nil {
		log.Printf("deleteWorker: %s: unknown domain, dropping delete (source %s)",
			domain, item.Source)
		return
	}

	// Ownership guard. An unset recorded owner is the bootstrap case for
	// zones that predate ownership tracking and must not block deletes.
	if rec.OwnerHost != "" && rec.OwnerHost != item.Hostname {
		log.Printf("deleteWorker: %s: delete from %q rejected, owner is %q",
			domain, item.Hostname, rec.OwnerHost)
		return
	}

	targets := wm.Registry.Enabled()
	var failed []string
	if len(targets) > 1 {
		failed = wm.fanOut(targets, func(b DNSBackend) error {
			return wm.deleteSingleBackend(b, domain)
		})
	} else {
		for name, b := range targets {
			if err := wm.deleteSingleBackend(b, domain); err != nil {
				log.Printf("deleteWorker: %s: backend %s: %v", domain, name, err)
				failed = append(failed, name)
			}
		}
	}

	if len(failed) > 0 {
		// Keep the catalog record so a later delete (or the reconciler
		// orphan pass) can finish the job.
		log.Printf("deleteWorker: %s: delete incomplete, failed backends: %v", domain, failed)
		return
	}

	if err := wm.Catalog.Delete(domain); err != nil {
		log.Printf("deleteWorker: %s: removing catalog record failed: %v", domain, err)
		return
	}
	log.Printf("deleteWorker: %s: zone removed from %d backend(s) and catalog", domain, len(targets))
}

// deleteSingleBackend removes one zone from one backend. A zone the backend
// never had counts as success.
func (wm *WorkerManager) deleteSingleBackend(backend DNSBackend, domain string) error {
	exists, err := backend.ZoneExists(domain)
	if err != nil {
		metricBackendOps.WithLabelValues(backend.Instance(), "delete", "error").Inc()
		return fmt.Errorf("zone_exists: %w", err)
	}
	if exists {
		if err := backend.DeleteZone(domain); err != nil {
			metricBackendOps.WithLabelValues(backend.Instance(), "delete", "error").Inc()
			return fmt.Errorf("delete_zone: %w", err)
		}
	}

	if syncer, ok := backend.(ZoneListSyncer); ok {
		zones, err := wm.Catalog.Domains()
		if err != nil {
			metricBackendOps.WithLabelValues(backend.Instance(), "delete", "error").Inc()
			return fmt.Errorf("listing zones for include rewrite: %w", err)
		}
		// The record is still in the catalog at this point; the include
		// list must not resurrect the zone being deleted.
		zones = removeString(zones, domain)
		if err := syncer.SyncZoneList(zones); err != nil {
			metricBackendOps.WithLabelValues(backend.Instance(), "delete", "error").Inc()
			return fmt.Errorf("zone list sync: %w", err)
		}
		if err := backend.ReloadZone(""); err != nil {
			metricBackendOps.WithLabelValues(backend.Instance(), "delete", "error").Inc()
			return fmt.Errorf("reload: %w", err)
		}
	}

	metricBackendOps.WithLabelValues(backend.Instance(), "delete", "ok").Inc()
	return nil
}

// retryDrainWorker wakes on a fixed tick and moves due retry items back to
// the save queue. Items not yet due are re-deposited, which preserves
// first-ready-first-out among due items.
func (wm *WorkerManager) retryDrainWorker() {
	defer wm.wg.Done()
	wm.retryAlive.Store(true)
	defer wm.retryAlive.Store(false)

	ticker := time.NewTicker(RetryDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wm.stopCh:
			return
		case <-ticker.C:
			wm.drainRetryQueue()
		}
	}
}

func (wm *WorkerManager) drainRetryQueue() {
	depth := wm.RetryQ.Depth()
	metricQueueDepth.WithLabelValues("retry").Set(float64(depth))
	if depth == 0 {
		return
	}

	now := time.Now().Unix()
	moved := 0
	for i := int64(0); i < depth; i++ {
		item, ok := wm.RetryQ.Get(time.Second)
		if !ok {
			break
		}
		if item.RetryAfter > now {
			if err := wm.RetryQ.Put(item); err != nil {
				log.Printf("retryDrainWorker: %s: re-deposit failed: %v", item.Domain, err)
			}
			continue
		}
		if err := wm.SaveQ.Put(item); err != nil {
			log.Printf("retryDrainWorker: %s: moving to save queue failed: %v", item.Domain, err)
			continue
		}
		moved++
	}
	if moved > 0 {
		log.Printf("retryDrainWorker: %d item(s) due, moved to save queue", moved)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
