package executor

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/teranos/pulsed/errors"
)

const maxRedirects = 10

// blockedPrefixes are private and special-use ranges a fenced client
// refuses to dial
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fec0::/10"),
	netip.MustParsePrefix("ff00::/8"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// NewClient returns a pooled HTTP client for delivering jobs. Deadlines come
// from the request context, so the client itself has no timeout.
//
// With blockPrivate set, redirects and dials to loopback, private and
// special-use addresses are refused, including hosts that resolve there.
func NewClient(blockPrivate bool) *http.Client {
	client := cleanhttp.DefaultPooledClient()
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errors.Newf("stopped after %d redirects", maxRedirects)
		}
		if err := checkTarget(req.URL, blockPrivate); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}
	if !blockPrivate {
		return client
	}

	transport := client.Transport.(*http.Transport)
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, errors.Wrap(err, "invalid address")
		}
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve host %q", host)
		}
		for _, a := range addrs {
			if isBlockedAddr(a) {
				return nil, errors.Newf("private IP address blocked: %s", a)
			}
		}
		if len(addrs) == 0 {
			return nil, errors.Newf("no addresses for host %q", host)
		}
		// Dial the address that was checked, not a fresh lookup
		return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].String(), port))
	}
	return client
}

// checkTarget rejects URLs a delivery must never follow
func checkTarget(u *url.URL, blockPrivate bool) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errors.Newf("scheme %q not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL missing hostname")
	}
	if !blockPrivate {
		return nil
	}
	if isLocalhost(host) {
		return errors.New("localhost access blocked")
	}
	if a, err := netip.ParseAddr(host); err == nil && isBlockedAddr(a) {
		return errors.Newf("private IP address blocked: %s", host)
	}
	return nil
}

func isBlockedAddr(a netip.Addr) bool {
	a = a.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

func isLocalhost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" ||
		host == "localhost.localdomain" ||
		strings.HasSuffix(host, ".localhost")
}
