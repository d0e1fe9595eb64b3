package uri

import (
	"testing"
)

func TestParse(t *testing.T) {
	u := &URI{}
	testURIParse(t, u, "http://www.example.com/path/to/resource?q=xx&sss=f#fragments",
		"http", "www.example.com", "www.example.com:80",
		"/path/to/resource", "?q=xx&sss=f", "#fragments", "/path/to/resource?q=xx&sss=f", false)
	testURIParse(t, u, "https://www.example.com",
		"https", "www.example.com", "www.example.com:443",
		"/", "", "", "/", true)
	testURIParse(t, u, "HTTPS://www.example.com:8443/a",
		"HTTPS", "www.example.com:8443", "www.example.com:8443",
		"/a", "", "", "/a", true)
	testURIParse(t, u, "http://[::1]:8080/p?x",
		"http", "[::1]:8080", "[::1]:8080",
		"/p", "?x", "", "/p?x", false)
	testURIParse(t, u, "http://[::1]/p",
		"http", "[::1]", "[::1]:80",
		"/p", "", "", "/p", false)
	testURIParse(t, u, "/path/to/resource?##?!",
		"", "", "",
		"/path/to/resource", "?", "##?!", "/path/to/resource?", false)
	testURIParse(t, u, "/path#fragments?q=xx",
		"", "", "",
		"/path", "", "#fragments?q=xx", "/path", false)
	testURIParse(t, u, "127.0.0.1:8080/x",
		"", "127.0.0.1:8080", "127.0.0.1:8080",
		"/x", "", "", "/x", false)
	testURIParse(t, u, "path",
		"", "path", "path:80",
		"/", "", "", "/", false)
	testURIParse(t, u, "http:////www.example.com/",
		"http", "www.example.com", "www.example.com:80",
		"/", "", "", "/", false)
}

func TestReset(t *testing.T) {
	u := &URI{}
	u.Parse([]byte("https://www.example.com/a?b#c"))
	u.Reset()
	if u.IsTLS() || len(u.Host()) > 0 || len(u.Path()) > 0 || u.HostWithPort() != "" {
		t.Fatalf("uri not reset: %+v", u)
	}
	u.Parse(nil)
	if len(u.Host()) > 0 || string(u.RequestTarget()) != "" {
		t.Fatalf("empty url parsed into %+v", u)
	}
}

func testURIParse(t *testing.T, u *URI, rawURL,
	scheme, host, hostWithPort, path, queries, fragments, target string, isTLS bool) {
	t.Helper()
	u.Parse([]byte(rawURL))
	if string(u.Scheme()) != scheme {
		t.Fatalf("%s: expected scheme %q, got %q", rawURL, scheme, u.Scheme())
	}
	if string(u.Host()) != host {
		t.Fatalf("%s: expected host %q, got %q", rawURL, host, u.Host())
	}
	if u.HostWithPort() != hostWithPort {
		t.Fatalf("%s: expected host with port %q, got %q", rawURL, hostWithPort, u.HostWithPort())
	}
	if string(u.Path()) != path {
		t.Fatalf("%s: expected path %q, got %q", rawURL, path, u.Path())
	}
	if string(u.Queries()) != queries {
		t.Fatalf("%s: expected queries %q, got %q", rawURL, queries, u.Queries())
	}
	if string(u.Fragments()) != fragments {
		t.Fatalf("%s: expected fragments %q, got %q", rawURL, fragments, u.Fragments())
	}
	if string(u.RequestTarget()) != target {
		t.Fatalf("%s: expected target %q, got %q", rawURL, target, u.RequestTarget())
	}
	if u.IsTLS() != isTLS {
		t.Fatalf("%s: expected tls %v", rawURL, isTLS)
	}
}
