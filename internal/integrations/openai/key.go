package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// keySource fetches the API key on first use. A failed fetch is retried on
// the next call rather than cached for the life of the container.
type keySource struct {
	getter Getter
	name   string

	mu  sync.Mutex
	key string
}

func newKeySource(getter Getter, paramPrefix string) (*keySource, error) {
	if getter == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	return &keySource{getter: getter, name: paramPrefix + "/open-ai-token"}, nil
}

func (k *keySource) get(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.key != "" {
		return k.key, nil
	}
	key, err := fetchAPIKeyFromParamStore(ctx, k.getter, k.name)
	if err != nil {
		return "", err
	}
	k.key = key
	return key, nil
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}

// encodeArguments renders decoded tool arguments back to the JSON string
// the Chat Completions API expects.
func encodeArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	buf, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(buf)
}
