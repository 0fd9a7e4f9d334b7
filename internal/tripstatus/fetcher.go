package tripstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/trip-dispatch/internal/realtime"
	"github.com/example/trip-dispatch/internal/wire"
)

var ErrTripNotFound = errors.New("tripstatus: trip not found")

// HTTPFetcher reads a trip from the dispatch API.
type HTTPFetcher struct {
	BaseURL string
	// Token, when set, is sent as a bearer token.
	Token  func(ctx context.Context) (string, error)
	Client *http.Client
}

func NewHTTPFetcher(baseURL string, token func(ctx context.Context) (string, error)) *HTTPFetcher {
	return &HTTPFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (f *HTTPFetcher) FetchTrip(ctx context.Context, tripID string) (Snapshot, error) {
	endpoint := strings.TrimRight(f.BaseURL, "/") + "/trips/" + url.PathEscape(tripID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Snapshot{}, err
	}
	req.Header.Set("Accept", "application/json")
	if f.Token != nil {
		tok, err := f.Token(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("tripstatus: token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("tripstatus: fetch %s: %w", tripID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Snapshot{}, ErrTripNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Snapshot{}, fmt.Errorf("tripstatus: fetch %s: status %d: %s", tripID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var body struct {
		Trip *Snapshot `json:"trip"`
		Snapshot
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return Snapshot{}, fmt.Errorf("tripstatus: decode %s: %w", tripID, err)
	}
	if body.Trip != nil {
		return *body.Trip, nil
	}
	return body.Snapshot, nil
}

// RealtimeSubscriber subscribes through a shared realtime.Client.
type RealtimeSubscriber struct {
	Client *realtime.Client
}

func (s RealtimeSubscriber) Subscribe(ctx context.Context, params wire.SubscribeParams) (Stream, error) {
	sub, err := s.Client.Subscribe(ctx, params)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
