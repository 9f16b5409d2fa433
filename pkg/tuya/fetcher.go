package tuya

import (
	"context"
	"errors"
	"log/slog"
)

// DefaultDenylist holds the data point codes that never leave the Fetcher.
var DefaultDenylist = []string{"alarm_volume"}

// TokenSource hands out valid access tokens.
type TokenSource interface {
	EnsureValid(ctx context.Context) (string, error)
	Invalidate()
}

// StatusClient performs the signed device status call.
type StatusClient interface {
	DeviceStatus(ctx context.Context, deviceID, accessToken string) (*Payload, error)
}

// Fetcher retrieves a device's current status with a valid token and strips denylisted codes.
type Fetcher struct {
	tokens TokenSource
	client StatusClient
	deny   map[string]struct{}
	logger *slog.Logger
}

// NewFetcher creates a Fetcher using DefaultDenylist.
func NewFetcher(tokens TokenSource, client StatusClient, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	deny := make(map[string]struct{}, len(DefaultDenylist))
	for _, code := range DefaultDenylist {
		deny[code] = struct{}{}
	}
	return &Fetcher{
		tokens: tokens,
		client: client,
		deny:   deny,
		logger: logger,
	}
}

// Fetch returns the filtered status payload of deviceID.
// A token failure is returned as is, without calling the device endpoint.
func (f *Fetcher) Fetch(ctx context.Context, deviceID string) (*Payload, error) {
	token, err := f.tokens.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}

	p, err := f.client.DeviceStatus(ctx, deviceID, token)
	if err != nil {
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) && fetchErr.TokenRejected() {
			// Next call renews instead of replaying a token Tuya no longer accepts.
			f.tokens.Invalidate()
			f.logger.Warn("access token rejected upstream, invalidated", "device_id", deviceID, "code", fetchErr.Code)
		}
		return nil, err
	}

	if removed := f.filter(p); removed > 0 {
		f.logger.Debug("dropped denylisted data points", "device_id", deviceID, "count", removed)
	}
	return p, nil
}

func (f *Fetcher) filter(p *Payload) int {
	return p.Filter(f.deny)
}
