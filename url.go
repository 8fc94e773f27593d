package websocket

import (
	"net"
	"net/url"
	"strconv"
)

// ParsedURL is the decomposed form of a ws/wss URL, per spec.md §4.1.
type ParsedURL struct {
	Host   string
	Port   int
	Path   string
	Secure bool
}

// ParseURL parses a ws:// or wss:// URL into its host, port, path, and
// scheme secrecy. It fails with a *URLError when the scheme is neither
// ws nor wss, the host is empty, or a bracketed IPv6 literal is
// malformed. The default port is 80 for ws and 443 for wss. The path
// defaults to "/"; the query string, if present, is appended to it.
// Fragments are stripped.
func ParseURL(rawurl string) (*ParsedURL, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, &URLError{URL: rawurl, Reason: err.Error()}
	}

	var secure bool
	switch u.Scheme {
	case "ws":
		secure = false
	case "wss":
		secure = true
	default:
		return nil, &URLError{URL: rawurl, Reason: "scheme must be ws or wss, got " + u.Scheme}
	}

	host := u.Hostname()
	if host == "" {
		return nil, &URLError{URL: rawurl, Reason: "empty host"}
	}
	// net.Hostname strips brackets already; re-validate that an
	// explicit IPv6 literal in the original host was well formed.
	if hostLooksBracketed(u.Host) {
		if _, err := net.ResolveIPAddr("ip6", host); err != nil {
			if net.ParseIP(host) == nil {
				return nil, &URLError{URL: rawurl, Reason: "malformed IPv6 literal"}
			}
		}
	}

	port := u.Port()
	var portNum int
	if port == "" {
		if secure {
			portNum = 443
		} else {
			portNum = 80
		}
	} else {
		portNum, err = strconv.Atoi(port)
		if err != nil {
			return nil, &URLError{URL: rawurl, Reason: "invalid port: " + port}
		}
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	// Fragments are stripped: u.Fragment is simply never consulted.

	return &ParsedURL{Host: host, Port: portNum, Path: path, Secure: secure}, nil
}

func hostLooksBracketed(hostport string) bool {
	for _, c := range hostport {
		if c == '[' {
			return true
		}
		if c == ':' {
			break
		}
	}
	return false
}

// HostHeader returns the Host header value: host[:port], with the port
// omitted when it equals the scheme's default.
func (p *ParsedURL) HostHeader() string {
	defaultPort := 80
	if p.Secure {
		defaultPort = 443
	}
	if p.Port == defaultPort {
		return p.Host
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Origin synthesizes an Origin header value for this URL per spec.md §4.1.
func (p *ParsedURL) Origin() string {
	scheme := "http"
	if p.Secure {
		scheme = "https"
	}
	return scheme + "://" + p.HostHeader()
}
