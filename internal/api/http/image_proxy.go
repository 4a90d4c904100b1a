package apihttp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	maxProxiedImageBytes = int64(10 * 1024 * 1024)
	sniffBytes           = 512
	maxCoverRedirects    = 5
)

// coverHosts are the CDNs catalog providers serve cover art from. Subdomains match.
var coverHosts = []string{
	"image.tmdb.org",
	"anilist.co",
	"covers.openlibrary.org",
	"archive.org",
	"images.igdb.com",
	"cdn.myanimelist.net",
}

var (
	errNotCoverHost      = errors.New("host is not a cover cdn")
	errBlockedHost       = errors.New("blocked url host")
	errUnsupportedScheme = errors.New("unsupported url scheme")
)

// coverProxy fetches cover art for clients that cannot reach the catalog
// CDNs directly. Only allowlisted hosts that resolve to public addresses
// are fetched, redirects included.
type coverProxy struct {
	hosts    []string
	blocked  func(net.IP) bool
	resolver *net.Resolver
	maxBytes int64
	client   *http.Client
}

func newCoverProxy() *coverProxy {
	p := &coverProxy{
		hosts:    coverHosts,
		blocked:  isBlockedIP,
		resolver: net.DefaultResolver,
		maxBytes: maxProxiedImageBytes,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.ForceAttemptHTTP2 = false
	transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	transport.DialContext = (&net.Dialer{Timeout: 8 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	p.client = &http.Client{
		Timeout:   12 * time.Second,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxCoverRedirects {
				return fmt.Errorf("stopped after %d redirects", maxCoverRedirects)
			}
			return p.check(req.Context(), req.URL)
		},
	}
	return p
}

func (p *coverProxy) allowedHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if host == "" {
		return false
	}
	for _, allowed := range p.hosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// check validates scheme, allowlist and resolved addresses, in that order.
func (p *coverProxy) check(ctx context.Context, target *url.URL) error {
	if target == nil {
		return errors.New("invalid url")
	}
	switch strings.ToLower(target.Scheme) {
	case "http", "https":
	default:
		return errUnsupportedScheme
	}
	host := target.Hostname()
	if !p.allowedHost(host) {
		if ip := net.ParseIP(host); ip != nil && p.blocked(ip) {
			return errBlockedHost
		}
		return errNotCoverHost
	}
	if ip := net.ParseIP(host); ip != nil {
		if p.blocked(ip) {
			return errBlockedHost
		}
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	addrs, err := p.resolver.LookupIPAddr(lookupCtx, host)
	if err != nil || len(addrs) == 0 {
		return errors.New("failed to resolve url host")
	}
	for _, addr := range addrs {
		if p.blocked(addr.IP) {
			return errBlockedHost
		}
	}
	return nil
}

func (s *Server) handleImageProxy(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/image" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("url"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing url")
		return
	}
	target, err := url.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid url")
		return
	}
	if err := s.covers.check(r.Context(), target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid url")
		return
	}
	req.Header.Set("User-Agent", "stacked-search/1.0")
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")

	resp, err := s.covers.client.Do(req)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_error", "failed to fetch image")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The upstream body is never forwarded.
		writeError(w, http.StatusBadGateway, "upstream_error", fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode))
		return
	}
	if resp.ContentLength > s.covers.maxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "image too large")
		return
	}

	body := io.LimitReader(resp.Body, s.covers.maxBytes)
	head := make([]byte, sniffBytes)
	n, readErr := io.ReadFull(body, head)
	if readErr != nil && !errors.Is(readErr, io.ErrUnexpectedEOF) && !errors.Is(readErr, io.EOF) {
		writeError(w, http.StatusBadGateway, "upstream_error", "failed to read image")
		return
	}
	head = head[:n]

	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = http.DetectContentType(head)
	}
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		writeError(w, http.StatusBadGateway, "upstream_error", "not an image")
		return
	}

	w.Header().Set("Content-Type", contentType)
	// Cover URLs are content addressed by the catalogs.
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(head)
	_, _ = io.Copy(w, body)
}

func isCoverHost(host string) bool {
	return (&coverProxy{hosts: coverHosts}).allowedHost(host)
}

func isBlockedIP(ip net.IP) bool {
	return ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified()
}
