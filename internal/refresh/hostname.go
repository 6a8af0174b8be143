package refresh

import (
	"net"
	"os"
	"strings"
)

// splitHostPort separates an optional :port suffix without requiring
// one, unlike net.SplitHostPort.
func splitHostPort(hostname string) (host, port string) {
	if i := strings.LastIndex(hostname, ":"); i >= 0 {
		return hostname[:i], hostname[i+1:]
	}
	return hostname, ""
}

// hostnameIsLocal reports whether the target resolves to a loopback
// IPv4 address, meaning the agent runs on this machine and can read
// file:// URLs directly.
func hostnameIsLocal(hostname string) bool {
	host, _ := splitHostPort(hostname)

	ips, err := net.LookupIP(host)
	if err != nil {
		return false
	}

	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil && ip4.IsLoopback() {
			return true
		}
	}
	return false
}

// externalHostname rewrites a loopback target to this machine's name
// so remote clients can reach the same agent; the port is preserved.
func externalHostname(hostname string) string {
	if !hostnameIsLocal(hostname) {
		return hostname
	}

	external, err := os.Hostname()
	if err != nil {
		return hostname
	}
	if names, err := net.LookupAddr("127.0.0.1"); err == nil && len(names) > 0 {
		// Prefer the resolver's FQDN when it has one.
		if fqdn := strings.TrimSuffix(names[0], "."); strings.Contains(fqdn, ".") && fqdn != "localhost" {
			external = fqdn
		}
	}

	if _, port := splitHostPort(hostname); port != "" {
		external += ":" + port
	}
	return external
}

// ExternalHostname is the outward form of a job's target used by the
// /schedules?hostname= filter and the agents' back-reference lookup.
func (j *Job) ExternalHostname() string {
	return externalHostname(j.Hostname)
}
