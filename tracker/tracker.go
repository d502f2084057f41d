// Package tracker maintains per-user sliding-window IP activity derived
// from the parsed access log stream. It is not safe for concurrent use;
// callers serialize access (the detection engine owns the lock).
package tracker

import (
	"time"

	"github.com/banhammer/banhammer/parser"
)

type Tracker struct {
	users     map[string]*UserState
	window    time.Duration // concurrent-IP window
	retention time.Duration // drop users idle longer than this

	totalRequests int64
	totalBlocked  int64

	// latest is the logical clock: the max entry timestamp seen so far.
	// Retention runs against it rather than the wall clock so replayed or
	// lagging logs age out consistently.
	latest time.Time
}

func NewTracker(window, retention time.Duration) *Tracker {
	return &Tracker{
		users:     make(map[string]*UserState),
		window:    window,
		retention: retention,
	}
}

// ProcessEntry folds one parsed log entry into the per-user state and
// returns the updated user.
func (t *Tracker) ProcessEntry(entry *parser.LogEntry, nodeName string) *UserState {
	user, ok := t.users[entry.Email]
	if !ok {
		user = newUserState(entry.Email)
		t.users[entry.Email] = user
	}

	user.recordIP(entry.SourceIP, entry.Timestamp)
	user.RequestCount++
	user.recordRequest(RequestLog{
		Timestamp:       entry.Timestamp,
		SourceIP:        entry.SourceIP,
		Destination:     entry.Destination,
		DestinationPort: entry.DestinationPort,
		Action:          entry.Action,
		NodeName:        nodeName,
	})

	if user.FirstSeen.IsZero() {
		user.FirstSeen = entry.Timestamp
	}
	user.LastSeen = entry.Timestamp

	if entry.Action == "BLOCK" {
		user.BlockedCount++
		t.totalBlocked++
	}
	t.totalRequests++

	if entry.Timestamp.After(t.latest) {
		t.latest = entry.Timestamp
	}

	return user
}

// CleanupOldData drops users idle past the retention period and expires
// stale IPs on the survivors. Returns the number of users removed.
func (t *Tracker) CleanupOldData() int {
	if t.latest.IsZero() {
		return 0
	}

	cutoff := t.latest.Add(-t.retention)
	removed := 0
	for email, user := range t.users {
		if !user.LastSeen.IsZero() && user.LastSeen.Before(cutoff) {
			delete(t.users, email)
			removed++
			continue
		}
		user.ExpireIPs(t.window)
	}
	return removed
}

// User returns the state for an email, or nil if unknown.
func (t *Tracker) User(email string) *UserState {
	return t.users[email]
}

// Users returns all tracked users.
func (t *Tracker) Users() []*UserState {
	users := make([]*UserState, 0, len(t.users))
	for _, user := range t.users {
		users = append(users, user)
	}
	return users
}

// SharedIPs returns the IPs used by more than one account within the
// concurrent window, mapped to the accounts using them.
func (t *Tracker) SharedIPs() map[string][]string {
	ipToEmails := make(map[string][]string)
	for _, user := range t.users {
		for ip := range user.RecentIPs(t.window, 1) {
			ipToEmails[ip] = append(ipToEmails[ip], user.Email)
		}
	}

	for ip, emails := range ipToEmails {
		if len(emails) < 2 {
			delete(ipToEmails, ip)
		}
	}
	return ipToEmails
}

// LatestTimestamp returns the logical clock (max entry timestamp seen).
func (t *Tracker) LatestTimestamp() time.Time {
	return t.latest
}

func (t *Tracker) TotalUsers() int {
	return len(t.users)
}

func (t *Tracker) TotalRequests() int64 {
	return t.totalRequests
}

func (t *Tracker) TotalBlocked() int64 {
	return t.totalBlocked
}

// Clear drops all tracked state.
func (t *Tracker) Clear() {
	t.users = make(map[string]*UserState)
	t.totalRequests = 0
	t.totalBlocked = 0
	t.latest = time.Time{}
}
