/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"strings"
	"testing"
)

const testZone = `$ORIGIN example.com.
$TTL 300
@	IN	SOA	ns1.example.com. hostmaster.example.com. (2024010101 3600 900 604800 300)
@	IN	NS	ns1.example.com.
@	IN	A	192.0.2.1
www	IN	A	192.0.2.2
@	IN	MX	10 mail.example.com.
_sip._tcp	IN	SRV	5 10 5060 sip.example.com.
`

func TestValidateAndNormalizeZone(t *testing.T) {
	t.Run("valid zone passes through", func(t *testing.T) {
		out, err := ValidateAndNormalizeZone(testZone, "example.com")
		if err != nil {
			t.Fatalf("ValidateAndNormalizeZone() failed: %v", err)
		}
		if !strings.Contains(out, "$ORIGIN example.com.") {
			t.Errorf("normalized zone lost its $ORIGIN: %q", out)
		}
	})

	t.Run("missing ORIGIN and TTL are injected", func(t *testing.T) {
		bare := "@	IN	SOA	ns1.example.com. hm.example.com. (1 3600 900 604800 300)\n" +
			"@	IN	A	192.0.2.1\n"
		out, err := ValidateAndNormalizeZone(bare, "example.com")
		if err != nil {
			t.Fatalf("ValidateAndNormalizeZone() failed: %v", err)
		}
		if !strings.Contains(out, "$ORIGIN example.com.") {
			t.Errorf("$ORIGIN not injected: %q", out)
		}
		if !strings.Contains(out, "$TTL 300") {
			t.Errorf("$TTL not injected: %q", out)
		}
	})

	t.Run("garbage is rejected", func(t *testing.T) {
		if _, err := ValidateAndNormalizeZone("this is not a zone {{{", "example.com"); err == nil {
			t.Error("expected parse error for garbage input")
		}
	})
}

func TestCountZoneRecords(t *testing.T) {
	n := CountZoneRecords(testZone, "example.com")
	// SOA + NS + 2xA + MX + SRV
	if n != 6 {
		t.Errorf("CountZoneRecords() = %d, want 6", n)
	}

	if n := CountZoneRecords("broken {{{", "example.com"); n != -1 {
		t.Errorf("CountZoneRecords() on broken zone = %d, want -1", n)
	}
}

func TestParseZoneRecords(t *testing.T) {
	records, err := ParseZoneRecords(testZone, "example.com")
	if err != nil {
		t.Fatalf("ParseZoneRecords() failed: %v", err)
	}

	byKey := map[string]ZoneRecord{}
	for _, r := range records {
		byKey[r.Key()] = r
	}

	apex, ok := byKey["example.com|A"]
	if !ok {
		t.Fatal("apex A record not found")
	}
	if apex.Content != "192.0.2.1" {
		t.Errorf("apex A content = %q, want 192.0.2.1", apex.Content)
	}

	www, ok := byKey["www.example.com|A"]
	if !ok {
		t.Fatal("www A record not found; unqualified label not expanded")
	}
	if www.TTL != 300 {
		t.Errorf("www TTL = %d, want 300", www.TTL)
	}

	mx, ok := byKey["example.com|MX"]
	if !ok {
		t.Fatal("MX record not found")
	}
	if mx.Prio == nil || *mx.Prio != 10 {
		t.Errorf("MX priority not split out: %+v", mx)
	}
	if strings.Contains(mx.Content, "10 ") {
		t.Errorf("MX content still carries priority: %q", mx.Content)
	}

	srv, ok := byKey["_sip._tcp.example.com|SRV"]
	if !ok {
		t.Fatal("SRV record not found")
	}
	if srv.Prio == nil || *srv.Prio != 5 {
		t.Errorf("SRV priority not split out: %+v", srv)
	}
}

func TestEnsureFQDN(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"@", "example.com"},
		{"example.com.", "example.com"},
		{"www", "www.example.com"},
		{"www.example.com", "www.example.com"},
	}
	for _, c := range cases {
		if got := EnsureFQDN(c.in, "example.com"); got != c.want {
			t.Errorf("EnsureFQDN(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
