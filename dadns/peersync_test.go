/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakePeer serves the /internal API of a sibling node.
type fakePeer struct {
	zones    map[string]PeerZoneDetail
	updated  map[string]time.Time
	peerURLs []string
}

func (p *fakePeer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/internal/zones", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if domain := r.URL.Query().Get("domain"); domain != "" {
			detail, ok := p.zones[domain]
			if !ok {
				http.Error(w, `{"error": "not found"}`, http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(detail)
			return
		}
		entries := []PeerZoneEntry{}
		for domain, detail := range p.zones {
			entry := PeerZoneEntry{
				Domain:   domain,
				Hostname: detail.Hostname,
				Username: detail.Username,
			}
			if ts, ok := p.updated[domain]; ok {
				tsCopy := ts
				entry.ZoneUpdatedAt = &tsCopy
			}
			entries = append(entries, entry)
		}
		json.NewEncoder(w).Encode(entries)
	})
	mux.HandleFunc("/internal/peers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		urls := p.peerURLs
		if urls == nil {
			urls = []string{}
		}
		json.NewEncoder(w).Encode(urls)
	})
	return mux
}

func testPeerSync(t *testing.T, catalog *Catalog, peerURL string) *PeerSyncWorker {
	t.Helper()
	return NewPeerSyncWorker(catalog, PeerSyncConf{
		Enabled: true,
		Peers:   []PeerConf{{Url: peerURL, Username: "peersync", Password: "pw"}},
	})
}

func TestPeerSyncPullsMissingZone(t *testing.T) {
	ts := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	peer := &fakePeer{
		zones: map[string]PeerZoneDetail{
			"example.com": {Domain: "example.com", ZoneData: testZone,
				Hostname: "da1", Username: "alice"},
		},
		updated: map[string]time.Time{"example.com": ts},
	}
	srv := httptest.NewServer(peer.handler())
	defer srv.Close()

	catalog := testCatalog(t)
	w := testPeerSync(t, catalog, srv.URL)
	w.syncAll()

	rec, err := catalog.Get("example.com")
	if err != nil || rec == nil {
		t.Fatalf("zone not created locally: rec=%v err=%v", rec, err)
	}
	if !rec.HasPayload || rec.Payload != testZone {
		t.Error("payload not stored")
	}
	if rec.OwnerHost != "da1" || rec.OwnerUser != "alice" {
		t.Errorf("ownership not copied: %+v", rec)
	}
	if !rec.PayloadTS.Equal(ts) {
		t.Errorf("payload ts = %v, want %v", rec.PayloadTS, ts)
	}
	if !w.AllHealthy() {
		t.Error("healthy peer reported degraded")
	}
}

func TestPeerSyncNewerLocalWins(t *testing.T) {
	peerTS := time.Now().UTC().Add(-2 * time.Hour)
	peer := &fakePeer{
		zones: map[string]PeerZoneDetail{
			"example.com": {Domain: "example.com", ZoneData: "peer version"},
		},
		updated: map[string]time.Time{"example.com": peerTS},
	}
	srv := httptest.NewServer(peer.handler())
	defer srv.Close()

	catalog := testCatalog(t)
	catalog.PutIfAbsent(&DomainRecord{Domain: "example.com", OwnerHost: "da1"})
	localTS := time.Now().UTC()
	catalog.UpdatePayload("example.com", "local version", localTS)

	w := testPeerSync(t, catalog, srv.URL)
	w.syncAll()

	rec, _ := catalog.Get("example.com")
	if rec.Payload != "local version" {
		t.Errorf("newer local payload overwritten with %q", rec.Payload)
	}
	if rec.PayloadTS.Before(peerTS) {
		t.Errorf("payload ts regressed to %v", rec.PayloadTS)
	}
}

func TestPeerSyncStalePeerRefreshed(t *testing.T) {
	newerTS := time.Now().UTC().Truncate(time.Second)
	peer := &fakePeer{
		zones: map[string]PeerZoneDetail{
			"example.com": {Domain: "example.com", ZoneData: "peer version"},
		},
		updated: map[string]time.Time{"example.com": newerTS},
	}
	srv := httptest.NewServer(peer.handler())
	defer srv.Close()

	catalog := testCatalog(t)
	catalog.PutIfAbsent(&DomainRecord{Domain: "example.com", OwnerHost: "da1"})
	catalog.UpdatePayload("example.com", "local version", newerTS.Add(-time.Hour))

	w := testPeerSync(t, catalog, srv.URL)
	w.syncAll()

	rec, _ := catalog.Get("example.com")
	if rec.Payload != "peer version" {
		t.Errorf("stale local payload kept: %q", rec.Payload)
	}
}

func TestPeerSyncDiscovery(t *testing.T) {
	second := &fakePeer{zones: map[string]PeerZoneDetail{}}
	secondSrv := httptest.NewServer(second.handler())
	defer secondSrv.Close()

	first := &fakePeer{
		zones:    map[string]PeerZoneDetail{},
		peerURLs: []string{secondSrv.URL},
	}
	firstSrv := httptest.NewServer(first.handler())
	defer firstSrv.Close()

	catalog := testCatalog(t)
	w := testPeerSync(t, catalog, firstSrv.URL)
	w.syncAll()

	urls := w.PeerURLs()
	if len(urls) != 2 {
		t.Fatalf("peer list after discovery = %v, want 2 entries", urls)
	}

	// Another pass must not duplicate anything.
	w.syncAll()
	if got := w.PeerURLs(); len(got) != 2 {
		t.Errorf("peer list grew on repeat pass: %v", got)
	}
}

func TestPeerSyncFailureThreshold(t *testing.T) {
	catalog := testCatalog(t)
	// Nothing listens on this port.
	w := testPeerSync(t, catalog, "http://127.0.0.1:1/")

	for i := 0; i < PeerFailureThreshold-1; i++ {
		w.syncAll()
		if !w.AllHealthy() {
			t.Fatalf("degraded after only %d failure(s)", i+1)
		}
	}
	w.syncAll()
	if w.AllHealthy() {
		t.Error("peer still healthy after threshold failures")
	}

	st := w.Status()
	if st["degraded"] != 1 || st["healthy"] != 0 {
		t.Errorf("status = %v", st)
	}
}

func TestPeerSyncEnvInjection(t *testing.T) {
	t.Setenv("DADNS_PEER_SYNC_PEER_URL", "http://peer-a.example:8053")
	t.Setenv("DADNS_PEER_SYNC_PEER_PASSWORD", "pw")
	t.Setenv("DADNS_PEER_SYNC_PEER_1_URL", "http://peer-b.example:8053")
	t.Setenv("DADNS_PEER_SYNC_PEER_1_USERNAME", "other")

	w := NewPeerSyncWorker(testCatalog(t), PeerSyncConf{Enabled: true})
	urls := w.PeerURLs()
	if len(urls) != 2 {
		t.Fatalf("peers from env = %v, want 2", urls)
	}
	if w.peers[0].Username != "peersync" {
		t.Errorf("default username = %q, want peersync", w.peers[0].Username)
	}
	if w.peers[1].Username != "other" {
		t.Errorf("numbered peer username = %q", w.peers[1].Username)
	}
}

func TestPeerSyncHTTPErrorCountsAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	w := testPeerSync(t, testCatalog(t), srv.URL)
	w.syncAll()

	h, ok := w.health.Get(srv.URL)
	if !ok || h.ConsecutiveFailures != 1 {
		t.Errorf("health = %+v ok=%v, want 1 failure", h, ok)
	}
}

func TestPeerSyncStopRightAfterStart(t *testing.T) {
	w := testPeerSync(t, testCatalog(t), "http://127.0.0.1:1/")
	w.Start()
	// Stop may run before the goroutine has marked itself alive; it
	// must still close the loop and wait for it.
	w.Stop()

	if w.IsAlive() {
		t.Error("peer sync worker still alive after Stop")
	}
	w.Stop()
}
