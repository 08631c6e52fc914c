package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-gate/pkg/registry"
)

// SideEffectNetwork is declared by the webhook adapter.
const SideEffectNetwork = "network"

const defaultWebhookTimeout = 10 * time.Second

const webhookSchema = `{
	"type": "object",
	"required": ["url"],
	"properties": {
		"url": {"type": "string", "minLength": 1},
		"body": {"type": "object"}
	},
	"additionalProperties": false
}`

// WebhookConfig configures the http.post adapter.
type WebhookConfig struct {
	// AllowedHosts lists the hosts the adapter may call. Empty allows none.
	AllowedHosts []string
	// Timeout bounds one call. Default: 10s.
	Timeout time.Duration
	// Client overrides the HTTP client (tests).
	Client *http.Client
}

type webhook struct {
	allowed map[string]bool
	client  *http.Client
}

// Webhook returns an http.post adapter that POSTs a JSON body to an allowed
// host. Any non-2xx answer is an error.
func Webhook(cfg WebhookConfig) registry.Entry {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultWebhookTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	w := &webhook{allowed: make(map[string]bool, len(cfg.AllowedHosts)), client: client}
	for _, h := range cfg.AllowedHosts {
		w.allowed[strings.ToLower(h)] = true
	}
	return registry.Entry{
		ActionType:  "http.post",
		Adapter:     registry.AdapterFunc(w.post),
		Schema:      webhookSchema,
		SideEffects: []string{SideEffectNetwork},
	}
}

func (w *webhook) post(ctx context.Context, p map[string]any) (registry.Result, error) {
	raw, _ := p["url"].(string)
	u, err := url.Parse(raw)
	if err != nil {
		return registry.Result{}, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return registry.Result{}, fmt.Errorf("url scheme %q not allowed", u.Scheme)
	}
	if !w.allowed[strings.ToLower(u.Host)] {
		return registry.Result{}, fmt.Errorf("host %q not allowed", u.Host)
	}

	payload, err := json.Marshal(p["body"])
	if err != nil {
		return registry.Result{}, fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return registry.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return registry.Result{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxReadBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return registry.Result{}, fmt.Errorf("webhook answered %d", resp.StatusCode)
	}
	return registry.Result{Output: map[string]any{"status": resp.StatusCode}}, nil
}
