/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// APIinternalZones serves the node-to-node zone exchange used by peer sync.
// Without a domain parameter it lists metadata for every zone that has a
// stored body; with one it returns the full body or 404.
func APIinternalZones(catalog *Catalog) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		domain := r.URL.Query().Get("domain")
		if domain != "" {
			rec, err := catalog.Get(domain)
			if err != nil {
				log.Printf("API: /internal/zones lookup for %s failed: %v", domain, err)
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
				return
			}
			if rec == nil || !rec.HasPayload {
				w.WriteHeader(http.StatusNotFound)
				json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
				return
			}
			json.NewEncoder(w).Encode(PeerZoneDetail{
				Domain:        rec.Domain,
				ZoneData:      rec.Payload,
				ZoneUpdatedAt: payloadTS(rec),
				Hostname:      rec.OwnerHost,
				Username:      rec.OwnerUser,
			})
			return
		}

		recs, err := catalog.ListWithPayload()
		if err != nil {
			log.Printf("API: /internal/zones listing failed: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
			return
		}
		entries := make([]PeerZoneEntry, 0, len(recs))
		for i := range recs {
			entries = append(entries, PeerZoneEntry{
				Domain:        recs[i].Domain,
				ZoneUpdatedAt: payloadTS(&recs[i]),
				Hostname:      recs[i].OwnerHost,
				Username:      recs[i].OwnerUser,
			})
		}
		json.NewEncoder(w).Encode(entries)
	}
}

// APIinternalPeers lists the peer URLs this node knows so siblings can
// discover the mesh.
func APIinternalPeers(peersync *PeerSyncWorker) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		urls := []string{}
		if peersync != nil {
			urls = peersync.PeerURLs()
		}
		json.NewEncoder(w).Encode(urls)
	}
}

func payloadTS(rec *DomainRecord) *time.Time {
	if rec.PayloadTS.IsZero() {
		return nil
	}
	ts := rec.PayloadTS
	return &ts
}
