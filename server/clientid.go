package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/dingus-idp/dingus/pkg/html"
)

// validateClientID enforces §4.5.1's client_id shape rules: an
// absolute http(s) URL, no userinfo, no fragment, no ".." path
// segments, and a hostname that isn't a bare IP address unless it's a
// loopback literal.
func validateClientID(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("client_id does not parse as a URL")
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("client_id must be an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client_id scheme must be http or https")
	}
	if u.User != nil {
		return nil, fmt.Errorf("client_id must not contain userinfo")
	}
	if u.Fragment != "" {
		return nil, fmt.Errorf("client_id must not contain a fragment")
	}
	if strings.Contains(u.Path, "..") {
		return nil, fmt.Errorf("client_id must not contain .. segments")
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil && !ip.IsLoopback() {
		return nil, fmt.Errorf("client_id hostname must not be a non-loopback IP address")
	}
	return u, nil
}

// discoverClient fetches clientID and returns every href advertised
// under rel="redirect_uri", resolved against clientID. Fetch failure
// is the caller's invalid_request.
func discoverClient(ctx context.Context, httpClient *http.Client, clientID *url.URL) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, clientID.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("client_id fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return html.DiscoverRel(bytes.NewReader(body), clientID, "redirect_uri")
}

// redirectURIAllowed reports whether redirectURI is acceptable for
// clientID: either it shares scheme+host+port with clientID, or it
// appears among the client's advertised alternate redirect_uri rels.
func redirectURIAllowed(redirectURI string, clientID *url.URL, altRedirectURIs []string) (*url.URL, bool) {
	ru, err := url.Parse(redirectURI)
	if err != nil || !ru.IsAbs() {
		return nil, false
	}
	if ru.Scheme == clientID.Scheme && ru.Host == clientID.Host {
		return ru, true
	}
	for _, alt := range altRedirectURIs {
		if alt == redirectURI {
			return ru, true
		}
	}
	return ru, false
}
