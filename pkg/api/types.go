// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

import (
	"github.com/psaab/snfpath/pkg/hooks"
	"github.com/psaab/snfpath/pkg/stats"
)

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime          string          `json:"uptime"`
	DataplaneType   string          `json:"dataplane_type"`
	DataplaneLoaded bool            `json:"dataplane_loaded"`
	Hooks           []string        `json:"hooks"`
	FIBEntries      int             `json:"fib_entries"`
	States          int             `json:"states"`
	ShadowSlots     int             `json:"shadow_slots"`
	FIBRules        int             `json:"fib_rules,omitempty"`
	FIBSyncErrors   int             `json:"fib_sync_errors,omitempty"`
	LastReport      *hooks.Report   `json:"last_report,omitempty"`
	Sweep           *stats.Snapshot `json:"sweep,omitempty"`
}

// FIBEntry is one provisioned forwarding slot.
type FIBEntry struct {
	IIF     uint32 `json:"iif"`
	Ifindex uint32 `json:"ifindex"`
	HDest   string `json:"h_dest"`
	HSource string `json:"h_source"`
}

// FIBRequest provisions one forwarding slot. MACs are colon separated;
// an empty HDest means broadcast and an empty HSource means all zeros.
type FIBRequest struct {
	IIF     uint32 `json:"iif"`
	Ifindex uint32 `json:"ifindex"`
	HDest   string `json:"h_dest"`
	HSource string `json:"h_source"`
}

// FIBRuleInfo describes one configured netlink sync rule.
type FIBRuleInfo struct {
	Rule string `json:"rule"`
	IIF  uint32 `json:"iif"`
	OIF  uint32 `json:"oif"`
	Via  string `json:"via,omitempty"`
}

// ShadowEntry is one shadow-table slot.
type ShadowEntry struct {
	Key  uint32 `json:"key"`
	Hits uint32 `json:"hits"`
}

// DispatchRequest runs one frame through a named hook. Frame is hex.
type DispatchRequest struct {
	Hook     string `json:"hook"`
	Ifindex  uint32 `json:"ifindex"`
	Protocol uint16 `json:"protocol"`
	Frame    string `json:"frame"`
}

// DispatchResponse is the verdict and the frame as the hook left it.
type DispatchResponse struct {
	Verdict string `json:"verdict"`
	Action  string `json:"action"`
	Ifindex uint32 `json:"ifindex,omitempty"`
	Frame   string `json:"frame"`
	Decoded string `json:"decoded,omitempty"`
}

// EventEntry is one hook event.
type EventEntry struct {
	Seq     uint64 `json:"seq"`
	Time    string `json:"time"`
	Hook    string `json:"hook"`
	Type    string `json:"type"`
	Ifindex uint32 `json:"ifindex,omitempty"`
	OutIf   uint32 `json:"out_ifindex,omitempty"`
	Key     uint32 `json:"key,omitempty"`
	Counter uint64 `json:"counter,omitempty"`
	A       uint64 `json:"a,omitempty"`
	B       uint64 `json:"b,omitempty"`
	Detail  string `json:"detail,omitempty"`
}
