package discovery

import (
	"net"
	"strconv"
	"strings"
)

// Endpoint is a resolved server address. It is immutable once cached.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
}

// Addr returns "host:port".
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String returns the base URL, e.g. "http://192.168.0.10:8080".
func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Addr()
}

// URL joins path onto the base URL.
func (e Endpoint) URL(path string) string {
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return e.String() + path
}

// IsZero reports whether e holds no address.
func (e Endpoint) IsZero() bool {
	return e.Host == ""
}
