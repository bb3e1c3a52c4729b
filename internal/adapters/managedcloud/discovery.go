package managedcloud

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CamSignal/internal/domain"
	"github.com/dkeye/CamSignal/internal/protocol"
)

// Endpoint is where the signaling channel of one target lives.
type Endpoint struct {
	URL        string               `json:"endpoint"`
	ICEServers []protocol.ICEServer `json:"iceServers"`
	TTLSeconds int                  `json:"ttlSeconds"`
}

type Credentials struct {
	AccessKey string
	Secret    string
	Token     string
}

//go:generate mockgen -destination=mock_managedcloud_test.go -package=managedcloud . Discoverer,CredentialResolver

type Discoverer interface {
	Discover(ctx context.Context, target domain.TargetID) (Endpoint, error)
}

// CredentialResolver supplies provider credentials. Acquiring them is up to the caller.
type CredentialResolver interface {
	Resolve(ctx context.Context) (Credentials, error)
}

type StaticCredentials Credentials

func (s StaticCredentials) Resolve(context.Context) (Credentials, error) {
	return Credentials(s), nil
}

type discoveryRequest struct {
	Region   string `json:"region"`
	Channel  string `json:"channel"`
	Role     string `json:"role"`
	ClientID string `json:"clientId"`
}

// HTTPDiscoverer asks the provider's discovery API for the channel endpoint.
type HTTPDiscoverer struct {
	URL      string
	Region   string
	Role     string
	ClientID string
	Creds    CredentialResolver
	Client   *http.Client
}

func (d *HTTPDiscoverer) Discover(ctx context.Context, target domain.TargetID) (Endpoint, error) {
	body, err := json.Marshal(discoveryRequest{
		Region:   d.Region,
		Channel:  string(target),
		Role:     d.Role,
		ClientID: d.ClientID,
	})
	if err != nil {
		return Endpoint{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(d.URL, "/")+"/v1/endpoint", bytes.NewReader(body))
	if err != nil {
		return Endpoint{}, errors.Wrap(err, "build discovery request")
	}
	req.Header.Set("Content-Type", "application/json")

	if d.Creds != nil {
		creds, err := d.Creds.Resolve(ctx)
		if err != nil {
			return Endpoint{}, errors.Wrap(err, "resolve credentials")
		}
		req.Header.Set("X-Access-Key", creds.AccessKey)
		if creds.Secret != "" {
			req.Header.Set("X-Signature", Sign(creds.Secret, body))
		}
		if creds.Token != "" {
			req.Header.Set("Authorization", "Bearer "+creds.Token)
		}
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Endpoint{}, errors.Wrap(domain.ErrTransportUnavailable, err.Error())
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return Endpoint{}, errors.Wrapf(domain.ErrTransportUnavailable, "discovery %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var ep Endpoint
	if err := json.Unmarshal(raw, &ep); err != nil {
		return Endpoint{}, errors.Wrap(err, "decode discovery response")
	}
	if ep.URL == "" {
		return Endpoint{}, errors.Wrap(domain.ErrTransportUnavailable, "discovery returned no endpoint")
	}
	return ep, nil
}

// Sign is the hex HMAC-SHA256 of body under the secret key.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type cachedEndpoint struct {
	ep      Endpoint
	expires time.Time
}

// CachingDiscoverer keeps discovered endpoints until their own ttl or the
// cache ttl, whichever comes first.
type CachingDiscoverer struct {
	next  Discoverer
	clock clock.Clock
	cache *expirable.LRU[domain.TargetID, cachedEndpoint]
	ttl   time.Duration
}

func NewCachingDiscoverer(next Discoverer, clk clock.Clock, size int, ttl time.Duration) *CachingDiscoverer {
	if clk == nil {
		clk = clock.New()
	}
	if size <= 0 {
		size = 128
	}
	return &CachingDiscoverer{
		next:  next,
		clock: clk,
		cache: expirable.NewLRU[domain.TargetID, cachedEndpoint](size, nil, ttl),
		ttl:   ttl,
	}
}

func (c *CachingDiscoverer) Discover(ctx context.Context, target domain.TargetID) (Endpoint, error) {
	now := c.clock.Now()
	if hit, ok := c.cache.Get(target); ok && now.Before(hit.expires) {
		return hit.ep, nil
	}
	ep, err := c.next.Discover(ctx, target)
	if err != nil {
		return Endpoint{}, err
	}
	ttl := c.ttl
	if ep.TTLSeconds > 0 {
		if own := time.Duration(ep.TTLSeconds) * time.Second; ttl <= 0 || own < ttl {
			ttl = own
		}
	}
	if ttl > 0 {
		c.cache.Add(target, cachedEndpoint{ep: ep, expires: now.Add(ttl)})
	}
	log.Debug().Str("module", "adapters.managedcloud").Str("target", string(target)).Str("endpoint", ep.URL).Dur("ttl", ttl).Msg("endpoint discovered")
	return ep, nil
}

// Invalidate drops the cached endpoint of target.
func (c *CachingDiscoverer) Invalidate(target domain.TargetID) {
	c.cache.Remove(target)
}
