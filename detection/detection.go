// Package detection implements the escalation state machine that turns
// per-user concurrent-IP activity into violator status and persistent bans.
package detection

import (
	"time"

	"github.com/banhammer/banhammer/panel"
)

// Violation describes a user's current violation shape, handed to the sink
// and notifier when a ban is created or refreshed.
type Violation struct {
	Email             string
	TelegramID        string
	Description       string
	IPCount           int
	IPs               []string
	Nodes             []string
	ViolationDuration int
	Limit             int
}

// Sink persists ban-list state transitions. Implementations must tolerate
// being called on every sweep once a user crosses the ban threshold.
type Sink interface {
	// ActiveBan reports whether the email has a ban within the lookback
	// period and returns its record id.
	ActiveBan(email string, lookback time.Duration) (id int64, found bool, err error)
	// Create persists a new ban record.
	Create(violation Violation, detectedAt time.Time) (int64, error)
	// Update refreshes an existing ban record.
	Update(id int64, violation Violation) error
}

// Notifier delivers violation notifications. Throttling of "continues"
// notifications is the notifier's concern.
type Notifier interface {
	NotifyNew(violation Violation) error
	NotifyContinues(violation Violation) error
}

// AccountDirectory is the read side of the panel user directory.
type AccountDirectory interface {
	Lookup(id string) (panel.Account, bool)
	Loaded() bool
	UserCount() int
}

// NullSink discards ban records. Wired when no database path is configured.
type NullSink struct{}

func (NullSink) ActiveBan(string, time.Duration) (int64, bool, error) { return 0, false, nil }
func (NullSink) Create(Violation, time.Time) (int64, error)           { return 0, nil }
func (NullSink) Update(int64, Violation) error                        { return nil }

// NullNotifier discards notifications. Wired when Telegram is not configured.
type NullNotifier struct{}

func (NullNotifier) NotifyNew(Violation) error       { return nil }
func (NullNotifier) NotifyContinues(Violation) error { return nil }
