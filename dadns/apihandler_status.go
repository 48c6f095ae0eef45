/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"encoding/json"
	"net/http"
)

// APIstatus aggregates queue depths, worker liveness, reconciler and
// peer-sync state into one document a monitoring system can poll.
//
// The overall status field:
//   - "error"    a core worker is not alive
//   - "degraded" retries pending, dead letters present, or a peer unhealthy
//   - "ok"       everything else
func APIstatus(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		wm := conf.Internal.Workers
		qs := wm.QueueStatus()
		workers := wm.WorkersAlive()

		reconciler := map[string]interface{}{"enabled": false}
		if conf.Internal.Reconciler != nil {
			reconciler = conf.Internal.Reconciler.Status()
		}
		peerSync := map[string]interface{}{"enabled": false}
		peerDegraded := false
		if conf.Internal.PeerSync != nil {
			peerSync = conf.Internal.PeerSync.Status()
			peerDegraded = !conf.Internal.PeerSync.AllHealthy()
		}

		overall := "ok"
		switch {
		case !workers["save"] || !workers["delete"] || !workers["retry_drain"]:
			overall = "error"
		case qs.Retry > 0 || qs.DeadLetters > 0 || peerDegraded:
			overall = "degraded"
		}

		zoneCount, err := conf.Internal.Catalog.Count()
		if err != nil {
			zoneCount = 0
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     overall,
			"queues":     qs,
			"workers":    workers,
			"reconciler": reconciler,
			"peer_sync":  peerSync,
			"zones":      map[string]int{"total": zoneCount},
		})
	}
}

// APIhealth reports per-backend availability.
func APIhealth(registry *BackendRegistry) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		type backendHealth struct {
			Name   string `json:"name"`
			Type   string `json:"type"`
			Status string `json:"status"`
		}

		backends := []backendHealth{}
		for name, backend := range registry.Enabled() {
			status := "active"
			if !backend.Available() {
				status = "unavailable"
			}
			backends = append(backends, backendHealth{
				Name:   name,
				Type:   backend.Name(),
				Status: status,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "OK",
			"backends": backends,
		})
	}
}

// APIqueueStatus is the queue-depth debug endpoint.
func APIqueueStatus(wm *WorkerManager) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(wm.QueueStatus())
	}
}
