// ABOUTME: Wire representation of hosts and validation of untrusted host data
// ABOUTME: Sanitizes free text before it reaches the registry

package mesh

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/2389/mesh-gateway/internal/store"
)

// Field limits for host data received from peers.
const (
	MaxHostNameLen = 100
	MaxHostURLLen  = 2048
)

// ErrValidation marks requests rejected before any side effect.
var ErrValidation = errors.New("validation failed")

// ErrUnreachable is returned when a host fails its reachability probe.
var ErrUnreachable = errors.New("host unreachable")

var hostIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// HostInfo is a host as exchanged between peers.
type HostInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
}

// Validate checks id and url. The url must be absolute http or https.
func (h HostInfo) Validate() error {
	if !hostIDPattern.MatchString(h.ID) {
		return fmt.Errorf("%w: invalid host id %q", ErrValidation, h.ID)
	}
	if len(h.URL) > MaxHostURLLen {
		return fmt.Errorf("%w: host %s url longer than %d", ErrValidation, h.ID, MaxHostURLLen)
	}
	if _, err := normalizeURL(h.URL); err != nil {
		return fmt.Errorf("%w: host %s: %w", ErrValidation, h.ID, err)
	}
	return nil
}

// sanitized returns a copy with control characters stripped, the name capped
// and the url normalized. Call only after Validate.
func (h HostInfo) sanitized() HostInfo {
	u, err := normalizeURL(stripControl(h.URL))
	if err != nil {
		u = h.URL
	}
	return HostInfo{
		ID:   h.ID,
		Name: truncate(strings.TrimSpace(stripControl(h.Name)), MaxHostNameLen),
		URL:  truncate(u, MaxHostURLLen),
	}
}

func hostInfo(h *store.Host) HostInfo {
	return HostInfo{ID: h.ID, Name: h.Name, URL: h.URL}
}

// normalizeURL lowercases scheme and host and drops a trailing slash, so two
// spellings of the same peer compare equal.
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("url %q is not an absolute http(s) url", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String(), nil
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// truncate caps s at n runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// HostView is the registry entry as served by GET /api/mesh/hosts.
type HostView struct {
	HostInfo
	Type         store.HostType `json:"type"`
	Enabled      bool           `json:"enabled"`
	Healthy      bool           `json:"healthy"`
	SyncSource   string         `json:"syncSource,omitempty"`
	SyncedAt     *time.Time     `json:"syncedAt,omitempty"`
	LastHealthAt *time.Time     `json:"lastHealthAt,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// NewHostView converts a registry entry.
func NewHostView(h *store.Host) HostView {
	return HostView{
		HostInfo:     hostInfo(h),
		Type:         h.Type,
		Enabled:      h.Enabled,
		Healthy:      h.Healthy,
		SyncSource:   h.SyncSource,
		SyncedAt:     h.SyncedAt,
		LastHealthAt: h.LastHealthAt,
		CreatedAt:    h.CreatedAt,
	}
}

// HostsResponse is the body of GET /api/mesh/hosts.
type HostsResponse struct {
	Self  HostInfo   `json:"self"`
	Hosts []HostView `json:"hosts"`
}
