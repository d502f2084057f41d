package detection

import (
	"sort"
	"time"

	"github.com/banhammer/banhammer/tracker"
	"github.com/banhammer/banhammer/util"

	"github.com/montanaflynn/stats"
)

// Stats is the global counter snapshot served by the stats endpoint.
type Stats struct {
	RunID            string   `json:"run_id"`
	Version          string   `json:"version"`
	TotalUsers       int      `json:"total_users"`
	TotalRequests    int64    `json:"total_requests"`
	TotalBlocked     int64    `json:"total_blocked"`
	ConnectedNodes   []string `json:"connected_nodes"`
	ViolatorsCount   int      `json:"violators_count"`
	BanlistCount     int      `json:"banlist_count"`
	PanelLoaded      bool     `json:"panel_loaded"`
	PanelUsersCount  int      `json:"panel_users_count"`
	ConcurrentWindow int      `json:"concurrent_window"`
	TriggerPeriod    int      `json:"trigger_period"`
	TriggerCount     int      `json:"trigger_count"`
	BanlistThreshold int      `json:"banlist_threshold"`
}

// UserSummary is one row of the user listing.
type UserSummary struct {
	Email            string     `json:"email"`
	IPCount          int        `json:"ip_count"`
	IPCountRaw       int        `json:"ip_count_raw"`
	Limit            *int       `json:"limit"`
	RequestCount     int        `json:"request_count"`
	BlockedCount     int        `json:"blocked_count"`
	LastSeen         *time.Time `json:"last_seen"`
	IPs              []string   `json:"ips"`
	Subnets          []string   `json:"subnets"`
	SubnetGrouping   bool       `json:"subnet_grouping"`
	IsViolator       bool       `json:"is_violator"`
	TriggerCount     int        `json:"trigger_count"`
	TriggerThreshold int        `json:"trigger_threshold"`
}

// ViolatorSummary is one row of the violator listing.
type ViolatorSummary struct {
	Email             string   `json:"email"`
	IPCount           int      `json:"ip_count"`
	IPCountRaw        int      `json:"ip_count_raw"`
	ConcurrentIPCount int      `json:"concurrent_ip_count"`
	Limit             *int     `json:"limit"`
	IPs               []string `json:"ips"`
	Subnets           []string `json:"subnets"`
	ConcurrentIPs     []string `json:"concurrent_ips"`
	ConcurrentSubnets []string `json:"concurrent_subnets"`
	SubnetGrouping    bool     `json:"subnet_grouping"`
	Nodes             []string `json:"nodes"`
	TimeInViolation   int      `json:"time_in_violation"`
	TimeToBan         int      `json:"time_to_ban"`
	TriggerCount      int      `json:"trigger_count"`
	TriggerThreshold  int      `json:"trigger_threshold"`
	TelegramID        string   `json:"telegram_id"`
	Description       string   `json:"description"`
}

// IPDiversity is the unique-IP spread over a user's recent requests.
type IPDiversity struct {
	UniqueIPs     int     `json:"unique_ips"`
	TotalRequests int     `json:"total_requests"`
	Ratio         float64 `json:"ratio"`
}

// RequestIntervals summarizes the gaps between a user's recent requests.
type RequestIntervals struct {
	MedianSeconds float64 `json:"median_seconds"`
	StddevSeconds float64 `json:"stddev_seconds"`
}

// UserDetail is the full per-user view.
type UserDetail struct {
	Email            string              `json:"email"`
	IPCount          int                 `json:"ip_count"`
	IPCountRaw       int                 `json:"ip_count_raw"`
	Limit            *int                `json:"limit"`
	RequestCount     int                 `json:"request_count"`
	BlockedCount     int                 `json:"blocked_count"`
	FirstSeen        *time.Time          `json:"first_seen"`
	LastSeen         *time.Time          `json:"last_seen"`
	IPs              []string            `json:"ips"`
	Subnets          []string            `json:"subnets"`
	IPRequestCounts  map[string]int      `json:"ip_request_counts"`
	AllIPs           []string            `json:"all_ips"`
	SubnetGrouping   bool                `json:"subnet_grouping"`
	IsViolator       bool                `json:"is_violator"`
	TriggerCount     int                 `json:"trigger_count"`
	TriggerThreshold int                 `json:"trigger_threshold"`
	IsBanned         bool                `json:"is_banned"`
	ViolationIPs     []string            `json:"violation_ips"`
	ViolationSubnets []string            `json:"violation_subnets"`
	ViolationIPCount int                 `json:"violation_ip_count"`
	TimeInViolation  int                 `json:"time_in_violation"`
	IPSwitchRate     float64             `json:"ip_switch_rate"`
	IPDiversity      IPDiversity         `json:"ip_diversity"`
	RequestIntervals RequestIntervals    `json:"request_intervals"`
	TelegramID       string              `json:"telegram_id"`
	Description      string              `json:"description"`
	Username         string              `json:"username"`
	RecentRequests   []tracker.RequestLog `json:"recent_requests"`
}

// SharedIP is one IP used by multiple accounts within the window.
type SharedIP struct {
	IP     string   `json:"ip"`
	Emails []string `json:"emails"`
}

// diversitySampleSize bounds the request history considered by the
// switch-rate and diversity metrics.
const diversitySampleSize = 20

// detailRequestCount bounds the request history included in a user detail.
const detailRequestCount = 50

// Stats returns the global counter snapshot. Connected nodes are owned by
// the ingress listener and passed in by the caller.
func (e *Engine) Stats(connectedNodes []string) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	if connectedNodes == nil {
		connectedNodes = []string{}
	}
	return Stats{
		TotalUsers:       e.tracker.TotalUsers(),
		TotalRequests:    e.tracker.TotalRequests(),
		TotalBlocked:     e.tracker.TotalBlocked(),
		ConnectedNodes:   connectedNodes,
		ViolatorsCount:   len(e.violators),
		BanlistCount:     len(e.confirmed),
		PanelLoaded:      e.directory.Loaded(),
		PanelUsersCount:  e.directory.UserCount(),
		ConcurrentWindow: e.cfg.Detection.ConcurrentWindow,
		TriggerPeriod:    e.cfg.Detection.TriggerPeriod,
		TriggerCount:     e.cfg.Detection.TriggerCount,
		BanlistThreshold: e.cfg.Detection.BanlistThreshold,
	}
}

// Users returns a summary of every tracked user, sorted by grouped IP count
// descending.
func (e *Engine) Users() []UserSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	grouping := e.cfg.Detection.SubnetGrouping
	users := make([]UserSummary, 0, e.tracker.TotalUsers())

	for _, user := range e.tracker.Users() {
		ips := user.RecentIPs(e.window, 1)
		summary := UserSummary{
			Email:            user.Email,
			IPCount:          util.CountGrouped(ips, grouping),
			IPCountRaw:       len(ips),
			Limit:            e.lookupLimit(user.Email),
			RequestCount:     user.RequestCount,
			BlockedCount:     user.BlockedCount,
			LastSeen:         timePtr(user.LastSeen),
			IPs:              util.SetToSlice(ips),
			Subnets:          subnetsIfGrouped(ips, grouping),
			SubnetGrouping:   grouping,
			IsViolator:       e.isViolator(user.Email),
			TriggerCount:     len(e.triggers[user.Email]),
			TriggerThreshold: e.cfg.Detection.TriggerCount,
		}
		users = append(users, summary)
	}

	sort.SliceStable(users, func(i, j int) bool {
		return users[i].IPCount > users[j].IPCount
	})
	return users
}

// Violators returns the current violator set, sorted by time in violation
// descending.
func (e *Engine) Violators(now time.Time) []ViolatorSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	grouping := e.cfg.Detection.SubnetGrouping
	violators := make([]ViolatorSummary, 0, len(e.violators))

	for email := range e.violators {
		user := e.tracker.User(email)
		if user == nil {
			continue
		}

		timeInViolation := 0
		if firstSeen, ok := e.violatorFirstSeen[email]; ok {
			timeInViolation = int(now.Sub(firstSeen).Seconds())
		}
		timeToBan := e.cfg.Detection.BanlistThreshold - timeInViolation
		if timeToBan < 0 {
			timeToBan = 0
		}

		concurrentIPs := user.RecentIPs(e.window, 1)
		violationIPs := make(map[string]struct{}, len(e.violatorIPs[email]))
		for ip := range e.violatorIPs[email] {
			violationIPs[ip] = struct{}{}
		}
		for ip := range concurrentIPs {
			violationIPs[ip] = struct{}{}
		}

		summary := ViolatorSummary{
			Email:             email,
			IPCount:           util.CountGrouped(violationIPs, grouping),
			IPCountRaw:        len(violationIPs),
			ConcurrentIPCount: util.CountGrouped(concurrentIPs, grouping),
			Limit:             e.lookupLimit(email),
			IPs:               util.SetToSlice(violationIPs),
			Subnets:           subnetsIfGrouped(violationIPs, grouping),
			ConcurrentIPs:     util.SetToSlice(concurrentIPs),
			ConcurrentSubnets: subnetsIfGrouped(concurrentIPs, grouping),
			SubnetGrouping:    grouping,
			Nodes:             nodeNames(user),
			TimeInViolation:   timeInViolation,
			TimeToBan:         timeToBan,
			TriggerCount:      len(e.triggers[email]),
			TriggerThreshold:  e.cfg.Detection.TriggerCount,
		}
		if account, ok := e.directory.Lookup(email); ok {
			summary.TelegramID = account.TelegramID
			summary.Description = account.Description
		}
		violators = append(violators, summary)
	}

	sort.SliceStable(violators, func(i, j int) bool {
		return violators[i].TimeInViolation > violators[j].TimeInViolation
	})
	return violators
}

// UserDetail returns the full view of one user, or false if untracked.
func (e *Engine) UserDetail(email string, now time.Time) (UserDetail, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	user := e.tracker.User(email)
	if user == nil {
		return UserDetail{}, false
	}

	grouping := e.cfg.Detection.SubnetGrouping
	concurrentIPs := user.RecentIPs(e.window, 1)

	detail := UserDetail{
		Email:            email,
		IPCount:          util.CountGrouped(concurrentIPs, grouping),
		IPCountRaw:       len(concurrentIPs),
		Limit:            e.lookupLimit(email),
		RequestCount:     user.RequestCount,
		BlockedCount:     user.BlockedCount,
		FirstSeen:        timePtr(user.FirstSeen),
		LastSeen:         timePtr(user.LastSeen),
		IPs:              util.SetToSlice(concurrentIPs),
		Subnets:          subnetsIfGrouped(concurrentIPs, grouping),
		IPRequestCounts:  user.RecentIPCounts(e.window),
		AllIPs:           user.AllIPs(),
		SubnetGrouping:   grouping,
		IsViolator:       e.isViolator(email),
		TriggerCount:     len(e.triggers[email]),
		TriggerThreshold: e.cfg.Detection.TriggerCount,
		IPSwitchRate:     user.IPSwitchRate(diversitySampleSize),
		RecentRequests:   lastRequests(user, detailRequestCount),
	}

	unique, total, ratio := user.IPDiversity(diversitySampleSize)
	detail.IPDiversity = IPDiversity{UniqueIPs: unique, TotalRequests: total, Ratio: ratio}
	detail.RequestIntervals = requestIntervals(detail.RecentRequests)

	_, detail.IsBanned = e.confirmed[email]

	if detail.IsViolator {
		violationIPs := e.violatorIPs[email]
		detail.ViolationIPs = util.SetToSlice(violationIPs)
		detail.ViolationSubnets = subnetsIfGrouped(violationIPs, grouping)
		detail.ViolationIPCount = len(violationIPs)
		if firstSeen, ok := e.violatorFirstSeen[email]; ok {
			detail.TimeInViolation = int(now.Sub(firstSeen).Seconds())
		}
	} else {
		detail.ViolationIPs = []string{}
		detail.ViolationSubnets = []string{}
	}

	if account, ok := e.directory.Lookup(email); ok {
		detail.TelegramID = account.TelegramID
		detail.Description = account.Description
		detail.Username = account.Username
	}

	return detail, true
}

// SharedIPs returns IPs used by more than one account within the window.
func (e *Engine) SharedIPs() []SharedIP {
	e.mu.Lock()
	defer e.mu.Unlock()

	shared := e.tracker.SharedIPs()
	result := make([]SharedIP, 0, len(shared))
	for ip, emails := range shared {
		sort.Strings(emails)
		result = append(result, SharedIP{IP: ip, Emails: emails})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].IP < result[j].IP })
	return result
}

func (e *Engine) isViolator(email string) bool {
	_, ok := e.violators[email]
	return ok
}

func (e *Engine) lookupLimit(email string) *int {
	account, ok := e.directory.Lookup(email)
	if !ok {
		return nil
	}
	limit := account.Limit
	return &limit
}

// requestIntervals computes median and stddev of the gaps between
// consecutive requests.
func requestIntervals(requests []tracker.RequestLog) RequestIntervals {
	if len(requests) < 2 {
		return RequestIntervals{}
	}

	gaps := make([]float64, 0, len(requests)-1)
	for i := 1; i < len(requests); i++ {
		gaps = append(gaps, requests[i].Timestamp.Sub(requests[i-1].Timestamp).Seconds())
	}

	median, err := stats.Median(gaps)
	if err != nil {
		return RequestIntervals{}
	}
	stddev, err := stats.StandardDeviation(gaps)
	if err != nil {
		return RequestIntervals{MedianSeconds: median}
	}
	return RequestIntervals{MedianSeconds: median, StddevSeconds: stddev}
}

func lastRequests(user *tracker.UserState, n int) []tracker.RequestLog {
	requests := user.RecentRequests
	if len(requests) > n {
		requests = requests[len(requests)-n:]
	}
	out := make([]tracker.RequestLog, len(requests))
	copy(out, requests)
	return out
}

func subnetsIfGrouped(ips map[string]struct{}, grouping bool) []string {
	if !grouping {
		return []string{}
	}
	return util.SetToSlice(util.GroupBySubnet(ips))
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
