// Package discovery implements C7's lookup contract: how agents find a
// running aggregator, both advertising (Advertiser) and looking up
// (Discoverer) a running instance. spec.md treats mDNS/Consul clients as
// out-of-scope, referenced only through their interfaces, so this package
// implements the full contract plus one concrete backend (a signed HTTP
// directory service) grounded on the original's registration shape
// (discovery/mdns_service.py). No mDNS/zeroconf library exists anywhere in
// the dependency pack's full example repos, so the mDNS backend is left as
// a documented no-op rather than fabricated.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Registration describes one aggregator instance advertising itself,
// mirroring what mdns_service.py publishes as TXT records.
type Registration struct {
	Hostname string            `json:"hostname"`
	Port     int               `json:"port"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Expiry   time.Time         `json:"-"`
}

// Advertiser publishes a Registration so agents can find this aggregator.
type Advertiser interface {
	Advertise(ctx context.Context, reg Registration) error
	Stop() error
}

// Endpoint is one discovered aggregator instance, the {address, port,
// protocol, metadata} shape spec.md documents for C7's lookup side,
// mirroring what mdns_service.py's MDNSDiscovery.discover returns per
// service (addresses/port/properties) before a caller picks the first one.
type Endpoint struct {
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Protocol string            `json:"protocol"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Discoverer finds aggregator instances within timeout, the other half of
// C7's contract (MDNSDiscovery.discover/discover_first in mdns_service.py).
type Discoverer interface {
	Discover(ctx context.Context, timeout time.Duration) ([]Endpoint, error)
}

// MDNSDiscoverer is a documented no-op, paired with MDNSAdvertiser: no
// zeroconf/mdns library exists anywhere in the dependency pack, so it
// always returns an empty result rather than a fabricated one.
type MDNSDiscoverer struct{}

// Discover always returns an empty list; see the package doc for why.
func (MDNSDiscoverer) Discover(ctx context.Context, timeout time.Duration) ([]Endpoint, error) {
	return []Endpoint{}, nil
}

// MDNSAdvertiser is a documented no-op: spec.md scopes mDNS/Consul clients
// out, and the pack carries no zeroconf/mdns library to ground a real one
// on, so Advertise does nothing and returns nil.
type MDNSAdvertiser struct{}

// Advertise does nothing; see the package doc for why.
func (MDNSAdvertiser) Advertise(ctx context.Context, reg Registration) error { return nil }

// Stop does nothing.
func (MDNSAdvertiser) Stop() error { return nil }

// DirectoryAdvertiser registers with an HTTP directory service via a
// signed PUT, the concrete backend this package actually implements.
// Registrations are signed with golang-jwt so the directory can verify
// the PUT came from the aggregator holding the shared signing key, not
// just anyone who can reach its network.
type DirectoryAdvertiser struct {
	BaseURL    string
	SigningKey []byte
	Client     *http.Client
}

// NewDirectoryAdvertiser returns an advertiser pointed at baseURL.
func NewDirectoryAdvertiser(baseURL string, signingKey []byte) *DirectoryAdvertiser {
	return &DirectoryAdvertiser{BaseURL: baseURL, SigningKey: signingKey, Client: &http.Client{Timeout: 5 * time.Second}}
}

type registrationClaims struct {
	Registration
	jwt.RegisteredClaims
}

// Advertise signs reg as a JWT and PUTs it to BaseURL+"/register".
func (d *DirectoryAdvertiser) Advertise(ctx context.Context, reg Registration) error {
	claims := registrationClaims{
		Registration: reg,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(reg.Expiry),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(d.SigningKey)
	if err != nil {
		return fmt.Errorf("sign registration: %w", err)
	}

	body, err := json.Marshal(map[string]string{"token": signed})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.BaseURL+"/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("directory registration request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("directory registration rejected: status %d", resp.StatusCode)
	}
	return nil
}

// Stop is a no-op: the directory service expires stale registrations on
// its own via the signed token's exp claim.
func (d *DirectoryAdvertiser) Stop() error { return nil }

// DirectoryDiscoverer queries the same HTTP directory service
// DirectoryAdvertiser registers with, listing every currently-registered
// aggregator, the GET-side counterpart of discover_first's URL lookup.
type DirectoryDiscoverer struct {
	BaseURL string
	Client  *http.Client
}

// NewDirectoryDiscoverer returns a discoverer pointed at baseURL.
func NewDirectoryDiscoverer(baseURL string) *DirectoryDiscoverer {
	return &DirectoryDiscoverer{BaseURL: baseURL, Client: &http.Client{}}
}

// Discover GETs BaseURL+"/endpoints" and decodes the directory's current
// registration list, bounded by timeout.
func (d *DirectoryDiscoverer) Discover(ctx context.Context, timeout time.Duration) ([]Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+"/endpoints", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory discovery request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("directory discovery rejected: status %d", resp.StatusCode)
	}

	var endpoints []Endpoint
	if err := json.NewDecoder(resp.Body).Decode(&endpoints); err != nil {
		return nil, fmt.Errorf("decode directory endpoints: %w", err)
	}
	return endpoints, nil
}

// VerifyRegistration checks a signed token against signingKey and returns
// the registration it carries, the directory-service side of the same
// contract.
func VerifyRegistration(tokenString string, signingKey []byte) (Registration, error) {
	var claims registrationClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return signingKey, nil
	})
	if err != nil {
		return Registration{}, fmt.Errorf("verify registration: %w", err)
	}
	return claims.Registration, nil
}
