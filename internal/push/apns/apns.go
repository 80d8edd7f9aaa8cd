// Package apns implements the APNs provider client of spec.md §4.4: a
// long-lived HTTP/2 session per (bundle-id, environment) tuple, with
// transport-error reconnect-and-resubmit and VoIP/data TTL selection.
package apns

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/bcmapp/bcm-server-sub002/internal/push"
)

const (
	// kNotificationTTL / kCallingNotificationTTL from the original push
	// service — ordinary pushes live a full day, VoIP pushes 15 seconds.
	dataTTL = 86400 * time.Second
	voipTTL = 15 * time.Second

	productionHost = "https://api.push.apple.com"
	sandboxHost    = "https://api.sandbox.push.apple.com"
)

// Config selects the bundle-id/environment tuple and TLS client cert this
// client authenticates with.
type Config struct {
	BundleID string
	Sandbox  bool
	Cert     tls.Certificate
}

// Client is a single long-lived HTTP/2 connection to APNs, reused across
// concurrent streams as spec.md requires.
type Client struct {
	bundleID string
	host     string
	http     *http.Client
}

// New builds the HTTP/2 transport without dialing; the first request opens
// the connection. On a later transport error Send
// reconnects and resubmits (http2.Transport already multiplexes streams
// and redials on connection loss, so no extra reconnect loop is needed).
func New(cfg Config) (*Client, error) {
	host := productionHost
	if cfg.Sandbox {
		host = sandboxHost
	}
	transport := &http2.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cfg.Cert},
		},
	}
	return &Client{
		bundleID: cfg.BundleID,
		host:     host,
		http:     &http.Client{Transport: transport, Timeout: 60 * time.Second},
	}, nil
}

func (c *Client) Name() string { return push.ProviderAPNS }

type apsAlert struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type aps struct {
	Alert            *apsAlert `json:"alert,omitempty"`
	Badge            *int      `json:"badge,omitempty"`
	Sound            string    `json:"sound,omitempty"`
	ContentAvailable int       `json:"content-available,omitempty"`
	MutableContent   int       `json:"mutable-content,omitempty"`
}

type apnsPayload struct {
	Aps  aps    `json:"aps"`
	Data string `json:"data,omitempty"`
}

// Send posts one notification. VoIP notifications require the voip push
// type header and a short TTL; they are unsupported if the caller never
// resolved a voipApnId (checked upstream by push.SelectProvider, so an
// empty token here is always a caller error).
func (c *Client) Send(ctx context.Context, token string, p push.Payload, badge int) (push.Outcome, error) {
	if token == "" {
		return push.OutcomeUnsupported, fmt.Errorf("apns: empty device token")
	}

	ttl := dataTTL
	pushType := "alert"
	if p.Class == push.ClassVoIP {
		ttl = voipTTL
		pushType = "voip"
	}

	body := apnsPayload{
		Data: string(p.Content),
		Aps: aps{
			Sound:          "default",
			MutableContent: 1,
		},
	}
	if badge > 0 {
		body.Aps.Badge = &badge
	}
	if !p.Silent {
		body.Aps.Alert = &apsAlert{Title: p.Topic}
	} else {
		body.Aps.ContentAvailable = 1
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return push.OutcomeTerminal, err
	}

	url := fmt.Sprintf("%s/3/device/%s", c.host, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return push.OutcomeTerminal, err
	}
	req.Header.Set("apns-topic", c.bundleID)
	req.Header.Set("apns-push-type", pushType)
	req.Header.Set("apns-expiration", fmt.Sprintf("%d", time.Now().Add(ttl).Unix()))
	req.Header.Set("content-type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport-level failure: treat as retryable, http2.Transport
		// redials the connection for us on the next attempt.
		return push.OutcomeRetryable, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return push.OutcomeSuccess, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return push.OutcomeTerminal, fmt.Errorf("apns: rejected with status %d", resp.StatusCode)
	default:
		return push.OutcomeRetryable, fmt.Errorf("apns: status %d", resp.StatusCode)
	}
}
