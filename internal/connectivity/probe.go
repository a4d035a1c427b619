package connectivity

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
)

// Reachability reports whether the host has any network capability at all.
type Reachability interface {
	Available() bool
}

// ReachabilityFunc adapts a func to Reachability.
type ReachabilityFunc func() bool

func (f ReachabilityFunc) Available() bool { return f() }

// InterfaceReachability treats any up, non-loopback interface with an address as capability.
type InterfaceReachability struct{}

func (InterfaceReachability) Available() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// Prober performs one lightweight round trip. Only success or failure matters.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber issues a GET against a stable endpoint and ignores the response body.
type HTTPProber struct {
	Client *http.Client
	URL    string
}

func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{Client: &http.Client{}, URL: url}
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}
