package intake

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

// maxRedirects bounds how many hops a download may follow.
const maxRedirects = 5

var ErrURLNotAllowed = errors.New("download URL not allowed")

// urlPolicy decides which hosts a download may reach. Private, loopback and
// link-local targets are refused unless allowPrivate is set, and plain http
// is only accepted for those private targets.
type urlPolicy struct {
	allowPrivate bool
}

func (p urlPolicy) checkRaw(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed", ErrURLNotAllowed)
	}
	return u, p.check(u)
}

func (p urlPolicy) check(u *url.URL) error {
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrURLNotAllowed)
	}
	internal := host == "localhost" || strings.HasSuffix(host, ".localhost")
	if addr, err := netip.ParseAddr(host); err == nil {
		internal = internalAddr(addr)
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		if !internal || !p.allowPrivate {
			return fmt.Errorf("%w: https required", ErrURLNotAllowed)
		}
	default:
		return fmt.Errorf("%w: scheme %q", ErrURLNotAllowed, u.Scheme)
	}
	if internal && !p.allowPrivate {
		return fmt.Errorf("%w: private host %s", ErrURLNotAllowed, host)
	}
	return nil
}

// checkRedirect re-applies the policy to every hop so a public URL cannot
// bounce the fetch onto an internal address.
func (p urlPolicy) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("%w: more than %d redirects", ErrURLNotAllowed, maxRedirects)
	}
	return p.check(req.URL)
}

// dialControl refuses connections to internal addresses after DNS
// resolution, which covers public names that resolve to private ranges.
func (p urlPolicy) dialControl(network, address string, _ syscall.RawConn) error {
	if p.allowPrivate {
		return nil
	}
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrURLNotAllowed, address)
	}
	if internalAddr(ap.Addr()) {
		return fmt.Errorf("%w: resolved to %s", ErrURLNotAllowed, ap.Addr())
	}
	return nil
}

func (p urlPolicy) client() *http.Client {
	dialer := &net.Dialer{Control: p.dialControl}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = dialer.DialContext
	tr.Proxy = nil
	return &http.Client{Transport: tr, CheckRedirect: p.checkRedirect}
}

// carrier-grade NAT, RFC 6598
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

func internalAddr(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsLoopback() || a.IsPrivate() || a.IsUnspecified() ||
		a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() || a.IsMulticast() ||
		cgnat.Contains(a)
}
