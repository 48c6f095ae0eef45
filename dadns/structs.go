/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"time"
)

// Version is reported in the Server response header and in log output.
const Version = "1.2.0"

// QueueItem is the unit of work flowing through the save, delete and retry
// queues. The JSON field names are the wire format persisted on disk, so
// changing them invalidates items queued by an older process.
type QueueItem struct {
	Domain   string `json:"domain"`
	ZoneData string `json:"zone_file,omitempty"`
	Hostname string `json:"hostname"`
	Username string `json:"username"`
	ClientIP string `json:"client_ip,omitempty"`

	// TargetBackends restricts the fan-out to a subset of backends. Only
	// retry and heal items carry it; empty means all enabled backends.
	TargetBackends []string `json:"failed_backends,omitempty"`

	RetryCount int   `json:"retry_count,omitempty"`
	RetryAfter int64 `json:"retry_after,omitempty"` // unix seconds; earliest dequeue time

	// Source is one of "ingress", "retry", "reconciler_heal",
	// "reconciler_orphan".
	Source string `json:"source,omitempty"`
}

// IsRetry reports whether this item re-enters the save path with an explicit
// backend subset, in which case the owner normalization step is skipped.
func (item *QueueItem) IsRetry() bool {
	return item.Source == SourceRetry || item.Source == SourceReconcilerHeal
}

const (
	SourceIngress          = "ingress"
	SourceRetry            = "retry"
	SourceReconcilerHeal   = "reconciler_heal"
	SourceReconcilerOrphan = "reconciler_orphan"
)

// PeerZoneEntry is one element of the GET /internal/zones listing.
type PeerZoneEntry struct {
	Domain        string     `json:"domain"`
	ZoneUpdatedAt *time.Time `json:"zone_updated_at"`
	Hostname      string     `json:"hostname"`
	Username      string     `json:"username"`
}

// PeerZoneDetail is the GET /internal/zones?domain=... response.
type PeerZoneDetail struct {
	Domain        string     `json:"domain"`
	ZoneData      string     `json:"zone_data"`
	ZoneUpdatedAt *time.Time `json:"zone_updated_at"`
	Hostname      string     `json:"hostname"`
	Username      string     `json:"username"`
}

// PeerHealth tracks the reachability of one remote node. It is in-memory
// only and rebuilt from scratch on restart.
type PeerHealth struct {
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Healthy             bool       `json:"healthy"`
	LastSeen            *time.Time `json:"last_seen"`
}
