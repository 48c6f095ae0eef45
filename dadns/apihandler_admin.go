/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// The ingress endpoints speak DirectAdmin's own API dialect: URL-encoded
// key=value responses with error=0 on success and error=1 plus a message on
// failure.

func daRespond(w http.ResponseWriter, status int, vals url.Values) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, vals.Encode())
}

func daError(w http.ResponseWriter, msg string) {
	daRespond(w, http.StatusBadRequest, url.Values{
		"error": {"1"},
		"text":  {msg},
	})
}

// clientIP honors app.proxy_support by preferring X-Forwarded-For over the
// socket peer address.
func clientIP(r *http.Request, appconf *AppConf) string {
	if appconf.ProxySupport {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			return strings.TrimSpace(strings.Split(xff, ",")[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// APIloginTest answers DirectAdmin's credential probe.
func APIloginTest() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		daRespond(w, http.StatusOK, url.Values{
			"error": {"0"},
			"text":  {"Login OK"},
		})
	}
}

// APIdnsAdmin is the main ingress endpoint. GET handles the exists check a
// panel runs before accepting a new domain; POST carries zone saves and
// deletes.
func APIdnsAdmin(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handleExists(conf, w, r)
		case http.MethodPost:
			handleAdminPost(conf, w, r)
		default:
			daRespond(w, http.StatusMethodNotAllowed, url.Values{
				"error": {"1"},
				"text":  {"Method not allowed"},
			})
		}
	}
}

func handleExists(conf *Config, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if action := q.Get("action"); action != "exists" {
		daError(w, fmt.Sprintf("Unsupported GET action: %s", action))
		return
	}
	domain := q.Get("domain")
	if domain == "" {
		daError(w, "Missing 'domain' parameter")
		return
	}
	// Any non-empty value counts as enabled, including "0". This matches
	// what panels actually send.
	checkParent := q.Get("check_for_parent_domain") != ""

	rec, err := conf.Internal.Catalog.Get(domain)
	if err != nil {
		daError(w, err.Error())
		return
	}
	if rec != nil {
		daRespond(w, http.StatusOK, url.Values{
			"error":   {"0"},
			"exists":  {"1"},
			"details": {fmt.Sprintf("Domain exists on %s", rec.OwnerHost)},
		})
		return
	}

	if checkParent {
		parent, err := conf.Internal.Catalog.GetParent(domain)
		if err != nil {
			daError(w, err.Error())
			return
		}
		if parent != nil {
			// exists=2: basic parent check (domainowners). exists=3:
			// cluster check (cluster_domainowners), which returns
			// ownership so the master can validate the requesting
			// user owns the parent.
			if conf.App.CheckSubdomainOwnerInClusterDomainowners >= 1 {
				daRespond(w, http.StatusOK, url.Values{
					"error":    {"0"},
					"exists":   {"3"},
					"hostname": {parent.OwnerHost},
					"username": {parent.OwnerUser},
				})
				return
			}
			daRespond(w, http.StatusOK, url.Values{
				"error":   {"0"},
				"exists":  {"2"},
				"details": {fmt.Sprintf("Parent Domain exists on %s", parent.OwnerHost)},
			})
			return
		}
	}

	daRespond(w, http.StatusOK, url.Values{
		"error":  {"0"},
		"exists": {"0"},
	})
}

func handleAdminPost(conf *Config, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8*1024*1024))
	if err != nil {
		daError(w, "reading request body failed")
		return
	}

	// Parameters come from the query string and the body; body wins. A
	// text/plain body is the zone file itself, the way DirectAdmin pushes
	// raw zones.
	params := map[string]string{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "application/x-www-form-urlencoded"):
		form, err := url.ParseQuery(string(body))
		if err != nil {
			daError(w, "malformed form body")
			return
		}
		for k, v := range form {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
	case strings.Contains(contentType, "text/plain"):
		params["zone_file"] = string(body)
	default:
		if _, ok := params["zone_file"]; !ok && len(body) > 0 {
			params["zone_file"] = string(body)
		}
	}

	action := params["action"]
	if action == "" {
		// DirectAdmin sends an initial request without an action as a
		// connectivity check.
		daRespond(w, http.StatusOK, url.Values{
			"error": {"0"},
			"text":  {"OK"},
		})
		return
	}
	domain := params["domain"]
	if domain == "" {
		daError(w, "Missing 'domain' parameter")
		return
	}

	switch action {
	case "rawsave":
		handleRawsave(conf, w, r, domain, params)
	case "delete":
		handleDelete(conf, w, r, domain, params)
	default:
		daError(w, fmt.Sprintf("Unsupported action: %s", action))
	}
}

func handleRawsave(conf *Config, w http.ResponseWriter, r *http.Request,
	domain string, params map[string]string) {
	zoneData := params["zone_file"]
	if zoneData == "" {
		daError(w, "Missing zone file content")
		return
	}

	normalized, err := ValidateAndNormalizeZone(zoneData, domain)
	if err != nil {
		log.Printf("API: zone validation failed for %s: %v", domain, err)
		daError(w, err.Error())
		return
	}
	log.Printf("API: validated zone for %s", domain)

	item := &QueueItem{
		Domain:   domain,
		ZoneData: normalized,
		Hostname: params["hostname"],
		Username: params["username"],
		ClientIP: clientIP(r, &conf.App),
		Source:   SourceIngress,
	}
	if err := conf.Internal.Workers.EnqueueSave(item); err != nil {
		daError(w, err.Error())
		return
	}
	log.Printf("API: queued zone update for %s", domain)
	daRespond(w, http.StatusOK, url.Values{"error": {"0"}})
}

func handleDelete(conf *Config, w http.ResponseWriter, r *http.Request,
	domain string, params map[string]string) {
	item := &QueueItem{
		Domain:   domain,
		Hostname: params["hostname"],
		Username: params["username"],
		ClientIP: clientIP(r, &conf.App),
		Source:   SourceIngress,
	}
	if err := conf.Internal.Workers.EnqueueDelete(item); err != nil {
		daError(w, err.Error())
		return
	}
	log.Printf("API: queued deletion for %s", domain)
	daRespond(w, http.StatusOK, url.Values{"error": {"0"}})
}
