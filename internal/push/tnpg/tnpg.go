// Package tnpg implements the third-party Android push client of
// spec.md §4.4: an HTTP POST with an MD5-signed body, supporting unicast,
// listcast (<=500 tokens) and groupcast (topic filter) submission modes.
// Structured like the teacher's server/push/tnpg handler (single endpoint,
// config-driven org name) even though the wire signing scheme differs.
package tnpg

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/bcmapp/bcm-server-sub002/internal/push"
)

const (
	maxListcastTokens = 500
	defaultEndpoint   = "https://push.example-tnpg.internal/v1/push"
)

// Config carries the org credentials used to sign every request body.
type Config struct {
	Endpoint  string
	OrgName   string
	AppSecret string
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) Name() string { return push.ProviderThirdParty }

type pushMode string

const (
	modeUnicast   pushMode = "unicast"
	modeListcast  pushMode = "listcast"
	modeGroupcast pushMode = "groupcast"
)

type requestBody struct {
	Org       string   `json:"org"`
	Mode      pushMode `json:"mode"`
	Tokens    []string `json:"tokens,omitempty"`
	Topic     string   `json:"topic,omitempty"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Timestamp int64    `json:"ts"`
	Sign      string   `json:"sign"`
}

// sign computes the MD5 of the org, mode, timestamp, the joined token/topic
// target and the shared app secret, in a stable field order so both sides
// derive the same digest regardless of map iteration order.
func sign(secret string, b *requestBody) string {
	parts := []string{b.Org, string(b.Mode), fmt.Sprintf("%d", b.Timestamp)}
	if b.Topic != "" {
		parts = append(parts, b.Topic)
	}
	tokens := append([]string(nil), b.Tokens...)
	sort.Strings(tokens)
	parts = append(parts, tokens...)
	parts = append(parts, secret)
	sum := md5.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func (c *Client) Send(ctx context.Context, token string, p push.Payload, badge int) (push.Outcome, error) {
	body := &requestBody{
		Org:       c.cfg.OrgName,
		Mode:      modeUnicast,
		Tokens:    []string{token},
		Title:     p.Topic,
		Body:      string(p.Content),
		Timestamp: time.Now().Unix(),
	}
	return c.post(ctx, body)
}

// SendListcast submits a single push to up to 500 device tokens at once.
func (c *Client) SendListcast(ctx context.Context, tokens []string, p push.Payload) (push.Outcome, error) {
	if len(tokens) > maxListcastTokens {
		tokens = tokens[:maxListcastTokens]
	}
	body := &requestBody{
		Org:       c.cfg.OrgName,
		Mode:      modeListcast,
		Tokens:    tokens,
		Title:     p.Topic,
		Body:      string(p.Content),
		Timestamp: time.Now().Unix(),
	}
	return c.post(ctx, body)
}

// SendGroupcast submits a single push addressed by a topic filter rather
// than enumerated tokens.
func (c *Client) SendGroupcast(ctx context.Context, topic string, p push.Payload) (push.Outcome, error) {
	body := &requestBody{
		Org:       c.cfg.OrgName,
		Mode:      modeGroupcast,
		Topic:     topic,
		Title:     p.Topic,
		Body:      string(p.Content),
		Timestamp: time.Now().Unix(),
	}
	return c.post(ctx, body)
}

func (c *Client) post(ctx context.Context, body *requestBody) (push.Outcome, error) {
	body.Sign = sign(c.cfg.AppSecret, body)
	raw, err := json.Marshal(body)
	if err != nil {
		return push.OutcomeTerminal, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return push.OutcomeTerminal, err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return push.OutcomeRetryable, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return push.OutcomeSuccess, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return push.OutcomeTerminal, fmt.Errorf("tnpg: rejected with status %d", resp.StatusCode)
	default:
		return push.OutcomeRetryable, fmt.Errorf("tnpg: status %d", resp.StatusCode)
	}
}
