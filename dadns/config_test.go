/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"testing"
	"time"
)

func TestSetTimezone(t *testing.T) {
	orig := time.Local
	t.Cleanup(func() { time.Local = orig })

	if err := setTimezone("Pacific/Auckland"); err != nil {
		t.Fatalf("setTimezone() failed: %v", err)
	}
	if time.Local.String() != "Pacific/Auckland" {
		t.Errorf("time.Local = %s, want Pacific/Auckland", time.Local)
	}

	if err := setTimezone(""); err != nil {
		t.Errorf("empty timezone should be a no-op, got %v", err)
	}

	if err := setTimezone("Atlantis/Nowhere"); err == nil {
		t.Error("bogus timezone accepted")
	}
}
