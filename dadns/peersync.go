/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// PeerFailureThreshold is the number of consecutive failures before a peer
// is logged as degraded.
const PeerFailureThreshold = 3

// PeerSyncWorker periodically compares zone lists with all known sibling
// nodes and pulls any zone body that is newer or absent locally. It only
// updates the catalog; backend writes remain the sole responsibility of the
// save worker, via the reconciler heal pass that picks up freshly synced
// payloads.
//
// Mesh behavior is gossip-lite: each pass also asks every peer for its own
// peer list and adopts unknown URLs with credentials inherited from the
// introducing peer, so a linear chain of initial connections converges to a
// full mesh on the first pass.
type PeerSyncWorker struct {
	Catalog *Catalog

	conf PeerSyncConf

	mu    sync.Mutex
	peers []PeerConf

	health cmap.ConcurrentMap[string, PeerHealth]
	client *http.Client

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	alive   atomic.Bool
}

// NewPeerSyncWorker builds the worker from config plus env-var peer
// injection: DADNS_PEER_SYNC_PEER_URL/_USERNAME/_PASSWORD for a single peer
// and DADNS_PEER_SYNC_PEER_<N>_URL (N = 1..9) for numbered peers.
func NewPeerSyncWorker(catalog *Catalog, conf PeerSyncConf) *PeerSyncWorker {
	w := &PeerSyncWorker{
		Catalog: catalog,
		conf:    conf,
		peers:   append([]PeerConf{}, conf.Peers...),
		health:  cmap.New[PeerHealth](),
		client:  &http.Client{Timeout: 10 * time.Second},
		stopCh:  make(chan struct{}),
	}

	known := map[string]bool{}
	for _, p := range w.peers {
		known[p.Url] = true
	}

	addEnvPeer := func(prefix string) {
		u := strings.TrimSpace(os.Getenv(prefix + "_URL"))
		if u == "" || known[u] {
			return
		}
		username := os.Getenv(prefix + "_USERNAME")
		if username == "" {
			username = "peersync"
		}
		w.peers = append(w.peers, PeerConf{
			Url:      u,
			Username: username,
			Password: os.Getenv(prefix + "_PASSWORD"),
		})
		known[u] = true
		log.Printf("PeerSync: added peer from env vars: %s", u)
	}

	addEnvPeer("DADNS_PEER_SYNC_PEER")
	for i := 1; i <= 9; i++ {
		prefix := fmt.Sprintf("DADNS_PEER_SYNC_PEER_%d", i)
		if strings.TrimSpace(os.Getenv(prefix+"_URL")) == "" {
			break
		}
		addEnvPeer(prefix)
	}

	return w
}

func (w *PeerSyncWorker) Start() {
	if !w.conf.Enabled {
		log.Printf("PeerSync: disabled, skipping")
		return
	}
	if len(w.peers) == 0 {
		log.Printf("PeerSync: enabled but no peers configured")
		return
	}

	log.Printf("PeerSync: worker started, interval %dm, peers: %v",
		w.interval(), w.PeerURLs())
	w.started.Store(true)
	w.wg.Add(1)
	go w.run()
}

func (w *PeerSyncWorker) Stop() {
	// The goroutine flips alive asynchronously, so Stop gates on the
	// started flag set in Start. CAS also makes a second Stop a no-op.
	if !w.started.CompareAndSwap(true, false) {
		return
	}
	close(w.stopCh)
	w.wg.Wait()
	log.Printf("PeerSync: worker stopped")
}

func (w *PeerSyncWorker) IsAlive() bool {
	return w.alive.Load()
}

func (w *PeerSyncWorker) interval() int {
	if w.conf.IntervalMinutes <= 0 {
		return 15
	}
	return w.conf.IntervalMinutes
}

// PeerURLs returns the currently known peer URLs; served on /internal/peers
// so other nodes can discover this node's mesh.
func (w *PeerSyncWorker) PeerURLs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	urls := make([]string, 0, len(w.peers))
	for _, p := range w.peers {
		if p.Url != "" {
			urls = append(urls, p.Url)
		}
	}
	return urls
}

// Status returns the peer health summary for the status endpoint.
func (w *PeerSyncWorker) Status() map[string]interface{} {
	w.mu.Lock()
	peers := append([]PeerConf{}, w.peers...)
	w.mu.Unlock()

	healthy := 0
	entries := make([]map[string]interface{}, 0, len(peers))
	for _, p := range peers {
		h, ok := w.health.Get(p.Url)
		if !ok {
			h = PeerHealth{Healthy: true}
		}
		if h.Healthy {
			healthy++
		}
		var lastSeen interface{}
		if h.LastSeen != nil {
			lastSeen = h.LastSeen.Format(time.RFC3339)
		}
		entries = append(entries, map[string]interface{}{
			"url":                  p.Url,
			"healthy":              h.Healthy,
			"consecutive_failures": h.ConsecutiveFailures,
			"last_seen":            lastSeen,
		})
	}

	return map[string]interface{}{
		"enabled":          w.conf.Enabled,
		"alive":            w.alive.Load(),
		"interval_minutes": w.interval(),
		"peers":            entries,
		"total":            len(entries),
		"healthy":          healthy,
		"degraded":         len(entries) - healthy,
	}
}

// AllHealthy reports whether no known peer is currently degraded.
func (w *PeerSyncWorker) AllHealthy() bool {
	ok := true
	for _, h := range w.health.Items() {
		if !h.Healthy {
			ok = false
		}
	}
	return ok
}

func (w *PeerSyncWorker) run() {
	defer w.wg.Done()
	w.alive.Store(true)
	defer w.alive.Store(false)

	log.Printf("PeerSync: running initial sync now")
	w.syncAll()

	ticker := time.NewTicker(time.Duration(w.interval()) * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.syncAll()
		}
	}
}

func (w *PeerSyncWorker) syncAll() {
	// Snapshot: discovery may grow the peer list mid-pass.
	w.mu.Lock()
	peers := append([]PeerConf{}, w.peers...)
	w.mu.Unlock()

	for _, peer := range peers {
		if peer.Url == "" {
			log.Printf("PeerSync: peer config missing url, skipping")
			continue
		}
		if err := w.syncFromPeer(peer); err != nil {
			w.recordFailure(peer.Url, err)
			continue
		}
		w.discoverPeersFrom(peer)
		w.recordSuccess(peer.Url)
	}
}

func (w *PeerSyncWorker) peerGet(peer PeerConf, path string, params url.Values) (*http.Response, error) {
	u := strings.TrimSuffix(peer.Url, "/") + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if peer.Username != "" {
		req.SetBasicAuth(peer.Username, peer.Password)
	}
	return w.client.Do(req)
}

// syncFromPeer pulls the peer's zone list, classifies each entry against the
// local catalog and fetches the full body for every entry that is newer or
// absent locally. Newest timestamp wins; local data is never overwritten
// with older peer data.
func (w *PeerSyncWorker) syncFromPeer(peer PeerConf) error {
	resp, err := w.peerGet(peer, "/internal/zones", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("/internal/zones returned HTTP %d", resp.StatusCode)
	}

	var entries []PeerZoneEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return fmt.Errorf("decoding zone list: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	synced := 0
	for _, entry := range entries {
		if entry.Domain == "" {
			continue
		}
		local, err := w.Catalog.Get(entry.Domain)
		if err != nil {
			log.Printf("PeerSync: %s: catalog lookup for %s failed: %v", peer.Url, entry.Domain, err)
			continue
		}

		needsSync := local == nil ||
			!local.HasPayload ||
			(entry.ZoneUpdatedAt != nil && local.PayloadTS.IsZero()) ||
			(entry.ZoneUpdatedAt != nil && !local.PayloadTS.IsZero() &&
				entry.ZoneUpdatedAt.After(local.PayloadTS))
		if !needsSync {
			continue
		}

		if err := w.fetchZone(peer, entry, local == nil); err != nil {
			log.Printf("PeerSync: %s: %v", peer.Url, err)
			continue
		}
		synced++
	}

	if synced > 0 {
		metricPeerSyncedZones.Add(float64(synced))
		log.Printf("PeerSync: synced %d zone(s) from %s", synced, peer.Url)
	}
	return nil
}

func (w *PeerSyncWorker) fetchZone(peer PeerConf, entry PeerZoneEntry, create bool) error {
	resp, err := w.peerGet(peer, "/internal/zones", url.Values{"domain": {entry.Domain}})
	if err != nil {
		return fmt.Errorf("fetching zone body for %s: %w", entry.Domain, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching zone body for %s: HTTP %d", entry.Domain, resp.StatusCode)
	}

	var detail PeerZoneDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return fmt.Errorf("decoding zone body for %s: %w", entry.Domain, err)
	}
	if detail.ZoneData == "" {
		return nil
	}

	if create {
		if err := w.Catalog.PutIfAbsent(&DomainRecord{
			Domain:    entry.Domain,
			OwnerHost: entry.Hostname,
			OwnerUser: entry.Username,
		}); err != nil {
			return fmt.Errorf("creating local record for %s: %w", entry.Domain, err)
		}
	}
	var ts time.Time
	if entry.ZoneUpdatedAt != nil {
		ts = *entry.ZoneUpdatedAt
	}
	if err := w.Catalog.UpdatePayload(entry.Domain, detail.ZoneData, ts); err != nil {
		return fmt.Errorf("storing zone body for %s: %w", entry.Domain, err)
	}
	return nil
}

// discoverPeersFrom fetches the peer's own peer list and adopts every
// unknown URL, inheriting the introducing peer's credentials. In practice
// all cluster nodes share the same peer_sync credentials. Best-effort:
// failures never interrupt the sync pass.
func (w *PeerSyncWorker) discoverPeersFrom(peer PeerConf) {
	resp, err := w.peerGet(peer, "/internal/peers", nil)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var remoteURLs []string
	if err := json.NewDecoder(resp.Body).Decode(&remoteURLs); err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	known := map[string]bool{}
	for _, p := range w.peers {
		known[p.Url] = true
	}
	for _, remote := range remoteURLs {
		if remote == "" || known[remote] {
			continue
		}
		w.peers = append(w.peers, PeerConf{
			Url:      remote,
			Username: peer.Username,
			Password: peer.Password,
		})
		known[remote] = true
		log.Printf("PeerSync: discovered new peer %s via %s", remote, peer.Url)
	}
}

func (w *PeerSyncWorker) recordSuccess(url string) {
	h, ok := w.health.Get(url)
	recovered := ok && !h.Healthy
	now := time.Now().UTC()
	w.health.Set(url, PeerHealth{
		ConsecutiveFailures: 0,
		Healthy:             true,
		LastSeen:            &now,
	})
	if recovered {
		log.Printf("PeerSync: %s: peer recovered", url)
	}
}

func (w *PeerSyncWorker) recordFailure(url string, err error) {
	h, ok := w.health.Get(url)
	if !ok {
		h = PeerHealth{Healthy: true}
	}
	h.ConsecutiveFailures++
	if h.Healthy && h.ConsecutiveFailures >= PeerFailureThreshold {
		h.Healthy = false
		log.Printf("PeerSync: %s: marked degraded after %d consecutive failures: %v",
			url, PeerFailureThreshold, err)
	} else {
		log.Printf("PeerSync: %s: unreachable (failure #%d): %v", url, h.ConsecutiveFailures, err)
	}
	w.health.Set(url, h)
}
