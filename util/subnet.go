package util

import (
	"strings"
)

// SubnetOf returns the /24 network prefix for a dotted-quad IPv4 address,
// e.g. "79.137.136.214" -> "79.137.136". Strings that are not dotted quads
// are returned unchanged so that they still group with themselves.
func SubnetOf(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) == 4 {
		return strings.Join(parts[:3], ".")
	}
	return ip
}

// GroupBySubnet projects a set of IPv4 addresses onto the set of distinct
// /24 networks they belong to
func GroupBySubnet(ips map[string]struct{}) map[string]struct{} {
	subnets := make(map[string]struct{}, len(ips))
	for ip := range ips {
		subnets[SubnetOf(ip)] = struct{}{}
	}
	return subnets
}

// CountGrouped returns the number of distinct IPs, or distinct /24 networks
// when grouping is enabled
func CountGrouped(ips map[string]struct{}, bySubnet bool) int {
	if bySubnet {
		return len(GroupBySubnet(ips))
	}
	return len(ips)
}

// SetToSlice converts a string set into a slice. Ordering is not guaranteed.
func SetToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for item := range set {
		out = append(out, item)
	}
	return out
}
