package utils

import (
	"net"
	"net/http"
	"regexp"
	"strings"
)

// netAddrPattern pulls the host out of a net.Addr, which carries a port suffix
var netAddrPattern = regexp.MustCompile(`^(.*):\d+$`)

// GetIpAddress gets the client IP address from a set of headers and a net address
func GetIpAddress(
	header http.Header,
	addr net.Addr,
) string {

	// Prefer proxy headers. Cloudflare first, then the first hop of X-Forwarded-For
	if header != nil {
		if ip := header.Get("CF-Connecting-IP"); len(ip) > 0 {
			return ip
		}
		if fwd := header.Get("X-Forwarded-For"); len(fwd) > 0 {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); len(ip) > 0 {
				return ip
			}
		}
	}

	// If the address is nil, return an empty string
	if addr == nil {
		return ""
	}

	// Match against the pattern in order to pull the IP address out of the address
	submatch := netAddrPattern.FindStringSubmatch(addr.String())
	if len(submatch) < 2 {
		return ""
	}

	// Clean up the IP address. These only have an effect in the case of IPv6 addresses
	ip := submatch[1]
	ip = strings.Trim(ip, "[]")
	ip = strings.TrimPrefix(ip, "::ffff:")
	return ip

}
