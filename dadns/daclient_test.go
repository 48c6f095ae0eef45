/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

// testDAClient points a client at an httptest server.
func testDAClient(t *testing.T, srv *httptest.Server) *DAClient {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("splitting test server address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return NewDAClient(DAServerConf{
		Hostname: host,
		Port:     port,
		Username: "admin",
		Password: "secret",
	}, true)
}

func TestListDomainsPaginated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/CMD_DNS_ADMIN" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("page") {
		case "1":
			// total_pages as a string, which DA emits too
			fmt.Fprint(w, `{"0":{"domain":"Alpha.COM"},"1":{"domain":"beta.com"},"info":{"total_pages":"2"}}`)
		case "2":
			fmt.Fprint(w, `{"0":{"domain":"gamma.com"},"info":{"total_pages":2}}`)
		default:
			http.Error(w, "bad page", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	c := testDAClient(t, srv)
	domains, err := c.ListDomains(2)
	if err != nil {
		t.Fatalf("ListDomains() failed: %v", err)
	}
	if len(domains) != 3 {
		t.Fatalf("got %d domains, want 3: %v", len(domains), domains)
	}
	for _, want := range []string{"alpha.com", "beta.com", "gamma.com"} {
		if !domains[want] {
			t.Errorf("missing %q in %v", want, domains)
		}
	}
}

func TestListDomainsEvoLoginFlow(t *testing.T) {
	// DA Evolution redirects Basic Auth to its login page. The client must
	// pick up a session cookie via CMD_LOGIN and retry the same page.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/CMD_LOGIN":
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "tok123"})
			w.WriteHeader(http.StatusOK)
		case "/CMD_DNS_ADMIN":
			if ck, err := r.Cookie("session"); err != nil || ck.Value != "tok123" {
				http.Redirect(w, r, "/index.html", http.StatusFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"0":{"domain":"example.com"},"info":{"total_pages":1}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := testDAClient(t, srv)
	domains, err := c.ListDomains(500)
	if err != nil {
		t.Fatalf("ListDomains() failed: %v", err)
	}
	if !domains["example.com"] {
		t.Errorf("got %v, want example.com", domains)
	}
	if !c.loggedIn {
		t.Error("client did not record session login")
	}
}

func TestListDomainsRejectsHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body>login please</body></html>")
	}))
	defer srv.Close()

	c := testDAClient(t, srv)
	if _, err := c.ListDomains(0); err == nil {
		t.Fatal("expected error for HTML response")
	}
}

func TestListDomainsLegacyFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "list[]=old.com&list[]=Older.COM")
	}))
	defer srv.Close()

	c := testDAClient(t, srv)
	domains, err := c.ListDomains(0)
	if err != nil {
		t.Fatalf("ListDomains() failed: %v", err)
	}
	if len(domains) != 2 || !domains["old.com"] || !domains["older.com"] {
		t.Errorf("legacy parse got %v", domains)
	}
}

func TestParseLegacyDomainList(t *testing.T) {
	got := parseLegacyDomainList("list[]=a.com\nlist[]=b.com\n")
	if len(got) != 2 || got[0] != "a.com" || got[1] != "b.com" {
		t.Errorf("got %v", got)
	}
	if got := parseLegacyDomainList("totally unrelated"); len(got) != 0 {
		t.Errorf("garbage input yielded %v", got)
	}
}

func TestEnsureExtraDNSServer(t *testing.T) {
	var added, saved bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/CMD_MULTI_SERVER" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `{"servers":{}}`)
			return
		}
		r.ParseForm()
		switch r.FormValue("action") {
		case "add":
			added = true
			fmt.Fprint(w, `{"success":"Server Added"}`)
		case "multiple":
			saved = true
			if r.FormValue("dns-198.51.100.7") != "yes" ||
				r.FormValue("domain_check-198.51.100.7") != "yes" {
				t.Errorf("save form missing dns/domain_check flags: %v", r.Form)
			}
			fmt.Fprint(w, `{"success":"Settings Saved"}`)
		default:
			http.Error(w, "bad action", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	c := testDAClient(t, srv)
	if !c.EnsureExtraDNSServer("198.51.100.7", 2222, "directdnsonly", "secret", false) {
		t.Fatal("EnsureExtraDNSServer() returned false")
	}
	if !added || !saved {
		t.Errorf("added=%v saved=%v, want both", added, saved)
	}
}

func TestIntField(t *testing.T) {
	m := map[string]interface{}{"a": float64(3), "b": "7", "c": "x"}
	if intField(m, "a", 1) != 3 || intField(m, "b", 1) != 7 {
		t.Error("numeric fields not parsed")
	}
	if intField(m, "c", 1) != 1 || intField(m, "missing", 9) != 9 {
		t.Error("defaults not honored")
	}
}
