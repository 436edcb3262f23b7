package push

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// WebPushConfig configures a WebPushSender.
type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string // mailto: address or https: URL
	TTL             int    // seconds
	Timeout         time.Duration
	HTTPClient      *http.Client
}

// WebPushSender delivers notifications with VAPID-signed Web Push.
type WebPushSender struct {
	opts    webpush.Options
	timeout time.Duration
}

// NewWebPushSender creates a sender. Both VAPID keys are required.
func NewWebPushSender(cfg WebPushConfig) (*WebPushSender, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, ErrNotConfigured
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &WebPushSender{
		opts: webpush.Options{
			HTTPClient: client,
			// The library adds the mailto: scheme itself for e-mail subscribers.
			Subscriber:      strings.TrimPrefix(cfg.Subscriber, "mailto:"),
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			TTL:             cfg.TTL,
			Urgency:         webpush.UrgencyHigh,
		},
		timeout: cfg.Timeout,
	}, nil
}

// Send implements Sender.
func (s *WebPushSender) Send(ctx context.Context, sub Subscription, message []byte) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	opts := s.opts
	resp, err := webpush.SendNotificationWithContext(ctx, message, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Keys.Auth,
			P256dh: sub.Keys.P256dh,
		},
	}, &opts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrSubscriptionGone
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: push service answered %s", ErrDeliveryFailed, resp.Status)
	}
	return nil
}

// GenerateVAPIDKeys returns a new base64url (private, public) VAPID key pair.
func GenerateVAPIDKeys() (privateKey, publicKey string, err error) {
	return webpush.GenerateVAPIDKeys()
}
