package main

import (
	"net"
	"net/url"
	"strings"
)

const websocketPath = "/ws"

// endpoints are the addresses clients are told to dial.
type endpoints struct {
	HTTP      string
	WebSocket string
	GRPC      string
}

// advertise derives client facing endpoints from listener addresses. Wildcard
// and empty hosts are shown as localhost.
func advertise(httpAddress, grpcAddress string, tlsEnabled bool) endpoints {
	httpScheme, wsScheme := "http", "ws"
	if tlsEnabled {
		httpScheme, wsScheme = "https", "wss"
	}
	host := dialable(httpAddress)
	return endpoints{
		HTTP:      (&url.URL{Scheme: httpScheme, Host: host}).String(),
		WebSocket: (&url.URL{Scheme: wsScheme, Host: host, Path: websocketPath}).String(),
		GRPC:      dialable(grpcAddress),
	}
}

func dialable(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		return trimmed
	}
	switch strings.TrimSpace(host) {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
