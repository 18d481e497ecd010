package proxy

import (
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
)

// BackendResolver resolves backend hostnames against configured DNS
// servers before dialing. With no servers configured the address is
// returned untouched and the system resolver handles it at dial time.
type BackendResolver struct {
	servers []string
	client  *dns.Client
	logger  *slog.Logger
}

// NewBackendResolver returns a resolver querying the given DNS servers.
func NewBackendResolver(servers []string, logger *slog.Logger) *BackendResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackendResolver{
		servers: servers,
		client:  &dns.Client{Timeout: 5 * time.Second},
		logger:  logger,
	}
}

// ResolveAddr resolves the host part of addr to an IP, keeping the port.
// Lookup failures fall back to the original address.
func (r *BackendResolver) ResolveAddr(addr string) string {
	if len(r.servers) == 0 {
		return addr
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if net.ParseIP(host) != nil {
		return addr
	}

	for _, server := range r.servers {
		ip, err := r.lookupA(host, server)
		if err != nil {
			r.logger.Debug("backend lookup failed", "host", host, "server", server, "error", err)
			continue
		}
		return net.JoinHostPort(ip, port)
	}

	return addr
}

func (r *BackendResolver) lookupA(host, server string) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	resp, _, err := r.client.Exchange(msg, net.JoinHostPort(server, "53"))
	if err != nil {
		return "", err
	}

	for _, answer := range resp.Answer {
		if a, ok := answer.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", &net.DNSError{Err: "no A records", Name: host, Server: server}
}
