// Package fcm implements the FCM provider client of spec.md §4.4: a
// stateless HTTPS POST with a JSON body, single outbound per notification.
// Adapted from the teacher's server/push/fcm payload builder, generalized
// from Tinode's topic/subscription payload shape to this spec's group
// message payload.
package fcm

import (
	"context"
	"fmt"

	fcmsdk "firebase.google.com/go/messaging"

	"github.com/bcmapp/bcm-server-sub002/internal/push"
)

// Client wraps the Firebase Admin SDK's messaging client. A canonical
// "registration_id" is never auto-applied to stored tokens (spec.md §4.4);
// Send does not inspect or log one either, and nothing in this repository
// calls LogCanonicalID.
type Client struct {
	sdk *fcmsdk.Client
}

func New(sdk *fcmsdk.Client) *Client {
	return &Client{sdk: sdk}
}

func (c *Client) Name() string { return push.ProviderFCM }

func (c *Client) Send(ctx context.Context, token string, p push.Payload, badge int) (push.Outcome, error) {
	msg := &fcmsdk.Message{
		Token: token,
		Data: map[string]string{
			"from":  p.From,
			"topic": p.Topic,
			"mime":  p.ContentType,
		},
		Android: &fcmsdk.AndroidConfig{Priority: "high"},
	}
	if !p.Silent {
		msg.Notification = &fcmsdk.Notification{
			Title: p.Topic,
			Body:  string(p.Content),
		}
	}
	if badge > 0 {
		msg.APNS = &fcmsdk.APNSConfig{
			Payload: &fcmsdk.APNSPayload{
				Aps: &fcmsdk.Aps{Badge: &badge},
			},
		}
	}

	id, err := c.sdk.Send(ctx, msg)
	if err != nil {
		if fcmsdk.IsRegistrationTokenNotRegistered(err) || fcmsdk.IsInvalidArgument(err) {
			return push.OutcomeTerminal, err
		}
		return push.OutcomeRetryable, err
	}
	_ = id // message_id is discarded, not logged
	return push.OutcomeSuccess, nil
}

// LogCanonicalID formats a log line for a canonical registration id, without
// applying it — spec.md §4.4 explicitly leaves reconciliation out of scope.
func LogCanonicalID(uid, oldToken, canonical string) string {
	return fmt.Sprintf("fcm: uid=%s token=%s canonical=%s (not applied)", uid, oldToken, canonical)
}
