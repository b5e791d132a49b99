package processing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/leejennwah/palette-engine/internal/apperr"
)

// ErrPrivateAddress is returned when a URL resolves to an address that is
// not publicly routable.
var ErrPrivateAddress = errors.New("processing: private address not allowed")

// Fetcher downloads remote images. Connections to loopback, private and
// link-local addresses are refused at dial time so redirects and DNS
// changes cannot reach internal services.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher builds a fetcher. allowPrivate disables the address guard and
// exists for tests against local servers.
func NewFetcher(allowPrivate bool) *Fetcher {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if !allowPrivate {
		dialer.Control = guardAddress
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: URLFetchTimeout,
		MaxIdleConnsPerHost:   4,
	}
	return &Fetcher{
		client:   &http.Client{Transport: transport, Timeout: URLFetchTimeout},
		maxBytes: MaxURLBytes,
	}
}

func guardAddress(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || isPrivate(ip) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, host)
	}
	return nil
}

func isPrivate(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast()
}

// Fetch downloads rawURL and returns its body. The response must declare an
// image content type and stay within the size cap.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSpace(rawURL), nil)
	if err != nil {
		return nil, apperr.New(apperr.InvalidInput, err)
	}
	req.Header.Set("User-Agent", "palette-engine/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrPrivateAddress) {
			return nil, apperr.Newf(apperr.InvalidInput, "Private IP addresses are not allowed.")
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, apperr.Newf(apperr.ProcessingError, "Request timeout (%ds).", int(URLFetchTimeout.Seconds()))
		}
		return nil, apperr.New(apperr.ProcessingError, fmt.Errorf("fetch %s: %w", rawURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperr.Newf(apperr.ProcessingError, "URL returned HTTP %d.", resp.StatusCode)
	}
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); !strings.HasPrefix(ct, "image/") {
		return nil, apperr.Newf(apperr.UnsupportedMediaType, "URL does not point to an image.")
	}
	if resp.ContentLength > f.maxBytes {
		return nil, apperr.Newf(apperr.PayloadTooLarge, "Image too large (max %dMB).", f.maxBytes>>20)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, apperr.New(apperr.ProcessingError, fmt.Errorf("read body: %w", err))
	}
	if int64(len(data)) > f.maxBytes {
		return nil, apperr.Newf(apperr.PayloadTooLarge, "Image too large (max %dMB).", f.maxBytes>>20)
	}
	return data, nil
}
