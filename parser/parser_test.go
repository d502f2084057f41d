package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	line := "2024/01/15 10:30:45.123456 from tcp:203.0.113.7:52044 accepted tcp:example.com:443 [vless >> DIRECT] email: user@host"

	entry, err := ParseLine(line)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 45, 123456000, time.UTC), entry.Timestamp)
	assert.Equal(t, "203.0.113.7", entry.SourceIP)
	assert.Equal(t, "tcp", entry.Protocol)
	assert.Equal(t, "example.com", entry.Destination)
	assert.Equal(t, 443, entry.DestinationPort)
	assert.Equal(t, "DIRECT", entry.Action)
	assert.Equal(t, "user@host", entry.Email)
	assert.Equal(t, line, entry.RawLine)
}

func TestParseLineVariants(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		ip     string
		proto  string
		action string
		email  string
	}{
		{
			name:   "no source protocol prefix",
			line:   "2024/01/15 10:30:45.1 from 10.0.0.1:1000 accepted udp:8.8.8.8:53 [dns -> BLOCK] email: abc",
			ip:     "10.0.0.1",
			proto:  "udp",
			action: "BLOCK",
			email:  "abc",
		},
		{
			name:   "udp source prefix and hyphenated verdict",
			line:   "2024/01/15 10:30:45.999999 from udp:192.0.2.4:40000 accepted tcp:host.example:80 [vless >> shadow-out] email: u1",
			ip:     "192.0.2.4",
			proto:  "tcp",
			action: "shadow-out",
			email:  "u1",
		},
		{
			name:   "surrounding whitespace",
			line:   "  2024/01/15 10:30:45.5 from tcp:10.0.0.2:2000 accepted tcp:a.b:443 [x >> DIRECT] email: u2  ",
			ip:     "10.0.0.2",
			proto:  "tcp",
			action: "DIRECT",
			email:  "u2",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			entry, err := ParseLine(test.line)
			require.NoError(t, err)
			assert.Equal(t, test.ip, entry.SourceIP)
			assert.Equal(t, test.proto, entry.Protocol)
			assert.Equal(t, test.action, entry.Action)
			assert.Equal(t, test.email, entry.Email)
		})
	}
}

func TestParseLineRejects(t *testing.T) {
	tests := []struct {
		name string
		line string
		err  error
	}{
		{name: "empty", line: "", err: ErrEmptyLine},
		{name: "whitespace only", line: "   \t ", err: ErrEmptyLine},
		{name: "garbage", line: "hello world", err: ErrMalformedLine},
		{name: "no email", line: "2024/01/15 10:30:45.1 from tcp:10.0.0.1:1000 accepted tcp:a.b:443 [x >> DIRECT]", err: ErrMalformedLine},
		{name: "missing fractional seconds", line: "2024/01/15 10:30:45 from tcp:10.0.0.1:1000 accepted tcp:a.b:443 [x >> DIRECT] email: u", err: ErrMalformedLine},
		{name: "rejected connection", line: "2024/01/15 10:30:45.1 from tcp:10.0.0.1:1000 rejected tcp:a.b:443 [x >> DIRECT] email: u", err: ErrMalformedLine},
		{name: "source octet out of range", line: "2024/01/15 10:30:45.1 from tcp:999.0.0.1:1000 accepted tcp:a.b:443 [x >> DIRECT] email: u", err: ErrMalformedLine},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			entry, err := ParseLine(test.line)
			assert.Nil(t, entry)
			assert.ErrorIs(t, err, test.err)
		})
	}
}
