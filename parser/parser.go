package parser

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/banhammer/banhammer/util"
)

var (
	ErrEmptyLine     = errors.New("log line is empty")
	ErrMalformedLine = errors.New("log line does not match the access log format")
)

// timestampLayout matches the proxy's access log clock, fractional seconds
// carry up to microsecond precision
const timestampLayout = "2006/01/02 15:04:05.999999"

// LogEntry is one parsed access log line as reported by a node agent.
type LogEntry struct {
	Timestamp       time.Time `json:"timestamp"`
	SourceIP        string    `json:"source_ip"`
	Protocol        string    `json:"protocol"` // tcp or udp
	Destination     string    `json:"destination"`
	DestinationPort int       `json:"destination_port"`
	Action          string    `json:"action"` // routing verdict, e.g. DIRECT, BLOCK, shadow-out
	Email           string    `json:"email"`
	RawLine         string    `json:"-"`
}

// Access log lines look like:
//
//	2024/01/15 10:30:45.123456 from tcp:203.0.113.7:52044 accepted tcp:example.com:443 [vless >> DIRECT] email: user@host
//
// The source prefix (tcp:/udp:) and the arrow inside the verdict brackets
// (>> or ->) vary between proxy versions.
var linePattern = regexp.MustCompile(
	`^(\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}\.\d+)\s+` + // timestamp
		`from\s+(?:tcp:|udp:)?(\d+\.\d+\.\d+\.\d+):\d+\s+` + // source IP
		`accepted\s+` +
		`(tcp|udp):([^:]+):(\d+)\s+` + // protocol:destination:port
		`\[.*?(?:>>|->)\s*(\w+(?:-\w+)?)\]\s+` + // routing verdict
		`email:\s*(\S+)`, // account identifier
)

// ParseLine parses a single access log line. Lines that do not match the
// format return ErrMalformedLine; callers are expected to drop them.
func ParseLine(line string) (*LogEntry, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrEmptyLine
	}

	match := linePattern.FindStringSubmatch(line)
	if match == nil {
		return nil, ErrMalformedLine
	}

	timestamp, err := time.Parse(timestampLayout, match[1])
	if err != nil {
		return nil, ErrMalformedLine
	}

	// the pattern only checks the dotted-quad shape, octets can still be
	// out of range
	if !util.ValidIPv4(match[2]) {
		return nil, ErrMalformedLine
	}

	destPort, err := strconv.Atoi(match[5])
	if err != nil {
		return nil, ErrMalformedLine
	}

	return &LogEntry{
		Timestamp:       timestamp,
		SourceIP:        match[2],
		Protocol:        match[3],
		Destination:     match[4],
		DestinationPort: destPort,
		Action:          match[6],
		Email:           match[7],
		RawLine:         line,
	}, nil
}
