package transport

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"kvreplica/internal/storelog"
)

// listenerURL returns a human-friendly URL for a published master's
// listener address, normalizing wildcard/empty hosts to "localhost" so
// the advertised address is always dialable from the same machine.
func listenerURL(address string, tlsEnabled bool) string {
	scheme := "http"
	if tlsEnabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, normaliseHostPort(address))
}

func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		if strings.HasPrefix(trimmed, ":") {
			return "localhost" + trimmed
		}
		return trimmed
	}
	host = strings.TrimSpace(host)
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

var localHosts = map[string]struct{}{
	"127.0.0.1": {},
	"localhost": {},
	"::1":       {},
}

// buildOriginChecker returns a websocket upgrader CheckOrigin callback that
// always allows localhost (dev convenience) plus any scheme://host pair
// named in allowlist, and rejects everything else including requests with
// no Origin header at all.
func buildOriginChecker(log *storelog.Logger, allowlist []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			log.Warn("ignoring invalid allowed origin", storelog.String("origin", origin), storelog.Error(err))
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
	}

	return func(r *http.Request) bool {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			return false
		}
		originURL, err := url.Parse(originHeader)
		if err != nil || originURL.Host == "" {
			log.Warn("rejecting request with invalid origin", storelog.String("origin", originHeader), storelog.Error(err))
			return false
		}
		if _, ok := localHosts[originURL.Hostname()]; ok {
			return true
		}
		key := strings.ToLower(originURL.Scheme + "://" + originURL.Host)
		if _, ok := allowed[key]; ok {
			return true
		}
		log.Warn("rejecting request from disallowed origin", storelog.String("origin", originHeader))
		return false
	}
}
