package detection

import (
	"sync"
	"time"

	"github.com/banhammer/banhammer/config"
	"github.com/banhammer/banhammer/logger"
	"github.com/banhammer/banhammer/parser"
	"github.com/banhammer/banhammer/tracker"
	"github.com/banhammer/banhammer/util"
)

// banLookback is how far back an existing ban still counts as active,
// turning a repeat offense into an update instead of a new record.
const banLookback = 24 * time.Hour

// Engine is the two-level escalation state machine. A single mutex
// serializes entry evaluation, periodic sweeps and API reads; entries are
// evaluated against their own log timestamps while sweeps run on the wall
// clock.
type Engine struct {
	mu        sync.Mutex
	cfg       *config.Config
	tracker   *tracker.Tracker
	directory AccountDirectory
	sink      Sink
	notifier  Notifier

	window        time.Duration
	triggerPeriod time.Duration
	banThreshold  time.Duration

	triggers          map[string][]time.Time
	violators         map[string]struct{}
	violatorFirstSeen map[string]time.Time
	violatorIPs       map[string]map[string]struct{}
	confirmed         map[string]struct{}
	userLimits        map[string]int
}

func NewEngine(cfg *config.Config, trk *tracker.Tracker, directory AccountDirectory, sink Sink, notifier Notifier) *Engine {
	return &Engine{
		cfg:               cfg,
		tracker:           trk,
		directory:         directory,
		sink:              sink,
		notifier:          notifier,
		window:            time.Duration(cfg.Detection.ConcurrentWindow) * time.Second,
		triggerPeriod:     time.Duration(cfg.Detection.TriggerPeriod) * time.Second,
		banThreshold:      time.Duration(cfg.Detection.BanlistThreshold) * time.Second,
		triggers:          make(map[string][]time.Time),
		violators:         make(map[string]struct{}),
		violatorFirstSeen: make(map[string]time.Time),
		violatorIPs:       make(map[string]map[string]struct{}),
		confirmed:         make(map[string]struct{}),
		userLimits:        make(map[string]int),
	}
}

// HandleEntry folds one parsed log entry into the tracker and evaluates the
// user's concurrent-IP count against their device limit. Evaluation uses
// the entry's own timestamp so replayed logs behave deterministically.
func (e *Engine) HandleEntry(entry *parser.LogEntry, nodeName string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	user := e.tracker.ProcessEntry(entry, nodeName)
	e.evaluate(user, entry.Timestamp)
}

func (e *Engine) evaluate(user *tracker.UserState, timestamp time.Time) {
	email := user.Email

	if e.cfg.IsWhitelisted(email) {
		return
	}

	// unknown user or zero limit means no limit configured, do not evaluate
	account, ok := e.directory.Lookup(email)
	if !ok || account.Limit == 0 {
		return
	}
	e.userLimits[email] = account.Limit

	ips := user.RecentIPs(e.window, 1)
	ipCount := util.CountGrouped(ips, e.cfg.Detection.SubnetGrouping)
	if ipCount <= account.Limit {
		return
	}

	// over limit: record a trigger and prune the accumulation window
	e.triggers[email] = pruneTimes(append(e.triggers[email], timestamp), timestamp.Add(-e.triggerPeriod))
	triggerCount := len(e.triggers[email])

	if triggerCount < e.cfg.Detection.TriggerCount {
		return
	}

	if _, isViolator := e.violators[email]; !isViolator {
		e.violatorFirstSeen[email] = timestamp
		e.violatorIPs[email] = make(map[string]struct{})
		logger.GetLogger().Info().
			Str("email", email).
			Int("ip_count", ipCount).
			Int("limit", account.Limit).
			Int("trigger_count", triggerCount).
			Int("trigger_threshold", e.cfg.Detection.TriggerCount).
			Msg("user entered violator state")
	}
	e.violators[email] = struct{}{}
	for ip := range ips {
		e.violatorIPs[email][ip] = struct{}{}
	}
}

// Sweep is the periodic wall-clock evaluation: demotes violators whose
// triggers have aged out, records bans for violators past the threshold,
// and prunes orphaned trigger entries.
func (e *Engine) Sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.directory.Loaded() {
		return
	}

	cutoff := now.Add(-e.triggerPeriod)

	for email := range e.violators {
		user := e.tracker.User(email)
		if user == nil {
			continue
		}

		if _, ok := e.triggers[email]; ok {
			e.triggers[email] = pruneTimes(e.triggers[email], cutoff)
			if len(e.triggers[email]) < e.cfg.Detection.TriggerCount {
				delete(e.violators, email)
				delete(e.violatorFirstSeen, email)
				delete(e.violatorIPs, email)
				logger.GetLogger().Info().
					Str("email", email).
					Int("trigger_count", len(e.triggers[email])).
					Msg("user left violator state")
				continue
			}
		}

		firstSeen, ok := e.violatorFirstSeen[email]
		if !ok {
			continue
		}
		inViolation := now.Sub(firstSeen)
		if inViolation >= e.banThreshold {
			e.recordBan(user, now, inViolation)
		}
	}

	// prune trigger lists of users who never escalated so the table
	// cannot grow without bound
	for email, times := range e.triggers {
		if _, isViolator := e.violators[email]; isViolator {
			continue
		}
		pruned := pruneTimes(times, cutoff)
		if len(pruned) == 0 {
			delete(e.triggers, email)
		} else {
			e.triggers[email] = pruned
		}
	}
}

// recordBan upserts the ban record for a violator past the threshold and
// notifies. Sink and notifier failures are logged and swallowed; the user
// stays a violator, so the next sweep retries naturally.
func (e *Engine) recordBan(user *tracker.UserState, now time.Time, inViolation time.Duration) {
	zlog := logger.GetLogger()
	email := user.Email

	// accumulate everything seen over the whole violation, not just the
	// current window
	violationIPs := make(map[string]struct{}, len(e.violatorIPs[email]))
	for ip := range e.violatorIPs[email] {
		violationIPs[ip] = struct{}{}
	}
	for ip := range user.RecentIPs(e.window, 1) {
		violationIPs[ip] = struct{}{}
	}

	violation := Violation{
		Email:             email,
		IPCount:           len(violationIPs),
		IPs:               util.SetToSlice(violationIPs),
		Nodes:             nodeNames(user),
		ViolationDuration: int(inViolation.Seconds()),
		Limit:             e.userLimits[email],
	}
	if account, ok := e.directory.Lookup(email); ok {
		violation.TelegramID = account.TelegramID
		violation.Description = account.Description
	}

	id, found, err := e.sink.ActiveBan(email, banLookback)
	if err != nil {
		zlog.Err(err).Str("email", email).Msg("failed to query active ban")
		return
	}

	e.confirmed[email] = struct{}{}

	if found {
		if err := e.sink.Update(id, violation); err != nil {
			zlog.Err(err).Str("email", email).Msg("failed to update ban record")
		}
		zlog.Info().
			Str("email", email).
			Int("ip_count", violation.IPCount).
			Int("violation_duration", violation.ViolationDuration).
			Msg("ban list entry updated")
		if err := e.notifier.NotifyContinues(violation); err != nil {
			zlog.Err(err).Str("email", email).Msg("failed to send continuation notification")
		}
		return
	}

	if _, err := e.sink.Create(violation, now); err != nil {
		zlog.Err(err).Str("email", email).Msg("failed to create ban record")
	}
	zlog.Warn().
		Str("email", email).
		Int("ip_count", violation.IPCount).
		Strs("nodes", violation.Nodes).
		Int("violation_duration", violation.ViolationDuration).
		Msg("ban list entry created")
	if err := e.notifier.NotifyNew(violation); err != nil {
		zlog.Err(err).Str("email", email).Msg("failed to send violation notification")
	}
}

// Cleanup ages out idle users and stale IPs in the tracker.
func (e *Engine) Cleanup() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.CleanupOldData()
}

// ClearConfirmed forgets which users have reached the ban list. Used when
// the persisted ban list is cleared.
func (e *Engine) ClearConfirmed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.confirmed = make(map[string]struct{})
}

func nodeNames(user *tracker.UserState) []string {
	set := make(map[string]struct{})
	for _, request := range user.RecentRequests {
		if request.NodeName != "" {
			set[request.NodeName] = struct{}{}
		}
	}
	return util.SetToSlice(set)
}

func pruneTimes(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
