package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

type Fingerprint uint64

// FingerprintFromRequest returns a fingerprint for the request based on the X-Forwarded-For header,
// or the remote address when the request was not forwarded, and a salted timestamp. It identifies
// a client in the request log over a short period of time without storing its IP.
func FingerprintFromRequest(req *http.Request, at time.Time) (Fingerprint, error) {
	// X-Forwarded-For header contains a comma-separated list of IP addresses when
	// the request has been forwarded through multiple proxies.  For example:
	//
	// X-Forwarded-For: 2600:8802:4700:bee:d13c:c7fb:8e0f:84ff, 172.70.210.100
	ip, err := getXForwardedForIP(req)
	if err != nil {
		ip, err = getRemoteIP(req)
		if err != nil {
			return 0, err
		}
	}
	// Salted with the current hour, so fingerprints rotate and cannot be
	// joined across longer periods.
	if at.IsZero() {
		at = Now().UTC()
	}
	currentHour := at.Truncate(time.Hour)
	fingerprintPreimage := fmt.Sprintf("IP:%s|SALT:%d", ip, currentHour.Unix())
	return Fingerprint(xxhash.Sum64String(fingerprintPreimage)), nil
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

func getXForwardedForIP(r *http.Request) (string, error) {
	// gets the left-most non-private IP in the X-Forwarded-For header
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return "", fmt.Errorf("no X-Forwarded-For header")
	}
	ips := strings.Split(xff, ",")
	for _, ip := range ips {
		ip = strings.TrimSpace(ip)
		if !isPrivateIP(ip) {
			return ip, nil
		}
	}
	return "", fmt.Errorf("no non-private IP in X-Forwarded-For header")
}

func getRemoteIP(r *http.Request) (string, error) {
	if r.RemoteAddr == "" {
		return "", fmt.Errorf("no remote address")
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// no port
		return r.RemoteAddr, nil
	}
	return host, nil
}

func isPrivateIP(ip string) bool {
	// compare ip to RFC-1918 known private IP ranges
	// https://en.wikipedia.org/wiki/Private_network
	ipAddr := net.ParseIP(ip)
	if ipAddr == nil {
		return false
	}

	for _, cidr := range cidrs {
		if cidr.Contains(ipAddr) {
			return true
		}
	}
	return false
}

// Taken from https://github.com/tomasen/realip/blob/master/realip.go
// MIT Licensed, Copyright (c) 2018 SHEN SHENG
var cidrs []*net.IPNet

func init() {
	maxCidrBlocks := []string{
		"127.0.0.1/8",    // localhost
		"10.0.0.0/8",     // 24-bit block
		"172.16.0.0/12",  // 20-bit block
		"192.168.0.0/16", // 16-bit block
		"169.254.0.0/16", // link local address
		"::1/128",        // localhost IPv6
		"fc00::/7",       // unique local address IPv6
		"fe80::/10",      // link local address IPv6
	}

	cidrs = make([]*net.IPNet, len(maxCidrBlocks))
	for i, maxCidrBlock := range maxCidrBlocks {
		_, cidr, _ := net.ParseCIDR(maxCidrBlock)
		cidrs[i] = cidr
	}
}
