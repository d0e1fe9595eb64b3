// Package uri splits client request urls into the address to dial and
// the target to put on the request line.
package uri

import (
	"bytes"
)

// URI a parsed request url, the parts share the parsed bytes
type URI struct {
	isTLS bool

	full      []byte
	scheme    []byte
	host      []byte
	path      []byte
	queries   []byte
	fragments []byte

	hostWithPort string
	target       []byte
}

// Scheme lower or upper case as given, empty for a bare target
func (uri *URI) Scheme() []byte {
	return uri.scheme
}

// Host host specified in uri, with the port if one was given
func (uri *URI) Host() []byte {
	return uri.host
}

// Path path of the uri, "/" when none was given
func (uri *URI) Path() []byte {
	return uri.path
}

// Queries the query string including its leading '?'
func (uri *URI) Queries() []byte {
	return uri.queries
}

// Fragments the fragment including its leading '#'
func (uri *URI) Fragments() []byte {
	return uri.fragments
}

// IsTLS whether the scheme asks for https
func (uri *URI) IsTLS() bool {
	return uri.isTLS
}

// HostWithPort the address to dial, the port defaults by scheme
func (uri *URI) HostWithPort() string {
	return uri.hostWithPort
}

// RequestTarget path and queries as sent on the request line, fragments
// never leave the client
func (uri *URI) RequestTarget() []byte {
	if uri.target == nil {
		uri.target = make([]byte, 0, len(uri.path)+len(uri.queries))
		uri.target = append(uri.target, uri.path...)
		uri.target = append(uri.target, uri.queries...)
	}
	return uri.target
}

// Reset clears the parsed uri
func (uri *URI) Reset() {
	uri.isTLS = false
	uri.full = nil
	uri.scheme = nil
	uri.host = nil
	uri.path = nil
	uri.queries = nil
	uri.fragments = nil
	uri.hostWithPort = ""
	uri.target = nil
}

// Parse parses rawURL, an absolute url like http://host:port/path?q
// or a bare host/path
func (uri *URI) Parse(rawURL []byte) {
	uri.Reset()
	if len(rawURL) == 0 {
		return
	}
	uri.full = rawURL
	if fragmentIndex := bytes.IndexByte(rawURL, '#'); fragmentIndex >= 0 {
		uri.fragments = rawURL[fragmentIndex:]
		rawURL = rawURL[:fragmentIndex]
	}
	if queryIndex := bytes.IndexByte(rawURL, '?'); queryIndex >= 0 {
		uri.queries = rawURL[queryIndex:]
		rawURL = rawURL[:queryIndex]
	}
	if schemeEnd := getSchemeIndex(rawURL); schemeEnd > 0 {
		uri.scheme = rawURL[:schemeEnd]
		uri.isTLS = bytes.EqualFold(uri.scheme, []byte("https"))
		rawURL = rawURL[schemeEnd+1:]
	}
	uri.parseHostPath(rawURL)
	if len(uri.path) == 0 {
		uri.path = []byte("/")
	}
	uri.fillHostWithPort()
}

// parseHostPath parses what is left without scheme, queries and fragments
func (uri *URI) parseHostPath(rawURL []byte) {
	//remove slashes begin with `//`
	if len(rawURL) >= 2 && rawURL[0] == '/' && rawURL[1] == '/' {
		rawURL = bytes.TrimLeft(rawURL, "/")
	}
	if len(rawURL) == 0 {
		return
	}
	//only path
	if rawURL[0] == '/' {
		uri.path = rawURL
		return
	}
	//host with path
	if hostNameEnd := bytes.IndexByte(rawURL, '/'); hostNameEnd > 0 {
		uri.host = rawURL[:hostNameEnd]
		uri.path = rawURL[hostNameEnd:]
	} else {
		uri.host = rawURL
	}
}

// getSchemeIndex (Scheme must be [a-zA-Z0-9]* followed by "://")
func getSchemeIndex(rawURL []byte) int {
	for i := 0; i < len(rawURL); i++ {
		c := rawURL[i]
		switch {
		case 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9':
		case c == ':':
			if i == 0 || !bytes.HasPrefix(rawURL[i+1:], []byte("//")) {
				// host:port, not a scheme
				return -1
			}
			return i
		default:
			return -1
		}
	}
	return -1
}

func (uri *URI) fillHostWithPort() {
	if len(uri.host) == 0 {
		return
	}
	uri.hostWithPort = string(uri.host)
	if bytes.LastIndexByte(uri.host, ':') <= bytes.LastIndexByte(uri.host, ']') {
		if uri.isTLS {
			uri.hostWithPort += ":443"
		} else {
			uri.hostWithPort += ":80"
		}
	}
}
