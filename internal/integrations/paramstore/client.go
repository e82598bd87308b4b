package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter.
// Consumers (model providers, the JWT verifier, the chat service) depend on
// this interface rather than the concrete *Client.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type cachedValue struct {
	value     string
	expiresAt time.Time
}

// Client wraps an AWS SSM API for parameter retrieval. Successful lookups are
// cached per name for the configured TTL so a warm Lambda container does not
// hit SSM on every request. Failures are never cached.
type Client struct {
	api ssmAPI
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cachedValue
}

// Option configures a Client.
type Option func(*Client)

// WithTTL sets how long a fetched value is reused. Zero disables caching.
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.ttl = ttl
	}
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	c := &Client{
		api:   api,
		ttl:   15 * time.Minute,
		now:   time.Now,
		cache: map[string]cachedValue{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	if v, ok := c.cached(name); ok {
		return v, nil
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	c.store(name, *out.Parameter.Value)
	return *out.Parameter.Value, nil
}

func (c *Client) cached(name string) (string, bool) {
	if c.ttl <= 0 {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache[name]
	if !ok || !c.now().Before(v.expiresAt) {
		return "", false
	}
	return v.value, true
}

func (c *Client) store(name, value string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache == nil {
		c.cache = map[string]cachedValue{}
	}
	c.cache[name] = cachedValue{value: value, expiresAt: c.now().Add(c.ttl)}
}
