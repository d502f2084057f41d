package tracker

import (
	"time"

	"github.com/banhammer/banhammer/util"
)

// maxRecentRequests bounds the per-user request history
const maxRecentRequests = 100

// RequestLog is one request in a user's recent history.
type RequestLog struct {
	Timestamp       time.Time `json:"timestamp"`
	SourceIP        string    `json:"source_ip"`
	Destination     string    `json:"destination"`
	DestinationPort int       `json:"destination_port"`
	Action          string    `json:"action"`
	NodeName        string    `json:"node_name"`
}

// IPStats tracks when a source IP was last seen for a user and how many
// requests it has made.
type IPStats struct {
	LastSeen     time.Time
	RequestCount int
}

// UserState is the sliding-window activity record for a single account.
// All windows are measured against the user's own LastSeen, not the wall
// clock, so evaluation is driven purely by log timestamps.
type UserState struct {
	Email          string
	IPs            map[string]*IPStats
	RequestCount   int
	BlockedCount   int
	FirstSeen      time.Time
	LastSeen       time.Time
	RecentRequests []RequestLog
}

func newUserState(email string) *UserState {
	return &UserState{
		Email: email,
		IPs:   make(map[string]*IPStats),
	}
}

// recordIP adds or refreshes a source IP at the given timestamp
func (u *UserState) recordIP(ip string, timestamp time.Time) {
	if stats, ok := u.IPs[ip]; ok {
		stats.LastSeen = timestamp
		stats.RequestCount++
		return
	}
	u.IPs[ip] = &IPStats{LastSeen: timestamp, RequestCount: 1}
}

// recordRequest appends a request to the bounded history
func (u *UserState) recordRequest(log RequestLog) {
	u.RecentRequests = append(u.RecentRequests, log)
	if len(u.RecentRequests) > maxRecentRequests {
		u.RecentRequests = u.RecentRequests[len(u.RecentRequests)-maxRecentRequests:]
	}
}

// RecentIPs returns the set of source IPs seen within the window ending at
// the user's last activity. IPs with fewer than minRequests total requests
// are excluded; pass 1 to keep every active IP.
func (u *UserState) RecentIPs(window time.Duration, minRequests int) map[string]struct{} {
	result := make(map[string]struct{})
	if u.LastSeen.IsZero() {
		return result
	}

	cutoff := u.LastSeen.Add(-window)
	for ip, stats := range u.IPs {
		if !stats.LastSeen.Before(cutoff) && stats.RequestCount >= minRequests {
			result[ip] = struct{}{}
		}
	}
	return result
}

// RecentIPCounts returns per-IP request counts for IPs active within the window.
func (u *UserState) RecentIPCounts(window time.Duration) map[string]int {
	result := make(map[string]int)
	if u.LastSeen.IsZero() {
		return result
	}

	cutoff := u.LastSeen.Add(-window)
	for ip, stats := range u.IPs {
		if !stats.LastSeen.Before(cutoff) {
			result[ip] = stats.RequestCount
		}
	}
	return result
}

// RecentSubnets projects the recent IP set onto distinct /24 networks.
func (u *UserState) RecentSubnets(window time.Duration) map[string]struct{} {
	return util.GroupBySubnet(u.RecentIPs(window, 1))
}

// RecentIPCount counts distinct recent IPs, or distinct /24 networks when
// subnet grouping is enabled.
func (u *UserState) RecentIPCount(window time.Duration, bySubnet bool) int {
	return util.CountGrouped(u.RecentIPs(window, 1), bySubnet)
}

// ExpireIPs drops IPs that fell out of the window and returns how many were
// removed.
func (u *UserState) ExpireIPs(window time.Duration) int {
	if u.LastSeen.IsZero() {
		return 0
	}

	cutoff := u.LastSeen.Add(-window)
	removed := 0
	for ip, stats := range u.IPs {
		if stats.LastSeen.Before(cutoff) {
			delete(u.IPs, ip)
			removed++
		}
	}
	return removed
}

// IPSwitchRate returns the fraction of consecutive requests, among the last
// n, whose source IP differs from the previous request. Two alternating
// devices produce ~0.5; a single device ~0.0; account sharing with many
// addresses approaches 1.0.
func (u *UserState) IPSwitchRate(lastN int) float64 {
	requests := u.lastRequests(lastN)
	if len(requests) < 2 {
		return 0
	}

	switches := 0
	for i := 1; i < len(requests); i++ {
		if requests[i].SourceIP != requests[i-1].SourceIP {
			switches++
		}
	}
	return float64(switches) / float64(len(requests)-1)
}

// IPDiversity returns the number of unique source IPs among the last n
// requests, the number of requests considered, and their ratio.
func (u *UserState) IPDiversity(lastN int) (uniqueIPs int, totalRequests int, ratio float64) {
	requests := u.lastRequests(lastN)
	if len(requests) == 0 {
		return 0, 0, 0
	}

	seen := make(map[string]struct{}, len(requests))
	for _, request := range requests {
		seen[request.SourceIP] = struct{}{}
	}
	return len(seen), len(requests), float64(len(seen)) / float64(len(requests))
}

// AllIPs returns every IP currently tracked for the user.
func (u *UserState) AllIPs() []string {
	ips := make([]string, 0, len(u.IPs))
	for ip := range u.IPs {
		ips = append(ips, ip)
	}
	return ips
}

func (u *UserState) lastRequests(n int) []RequestLog {
	if n <= 0 || len(u.RecentRequests) <= n {
		return u.RecentRequests
	}
	return u.RecentRequests[len(u.RecentRequests)-n:]
}
