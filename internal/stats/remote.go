package stats

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Remote reads stats from another process over HTTP.
type Remote struct {
	url    string
	client *http.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRemote targets baseURL, e.g. "http://localhost:8080". A nil client
// gets a 5s timeout.
func NewRemote(baseURL string, client *http.Client) *Remote {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Remote{
		url:    strings.TrimRight(baseURL, "/") + "/stats",
		client: client,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "stats-remote",
			Timeout: 10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (r *Remote) Stats(ctx context.Context) (Snapshot, error) {
	out, err := r.cb.Execute(func() (interface{}, error) {
		return r.fetch(ctx)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return out.(Snapshot), nil
}

func (r *Remote) fetch(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return Snapshot{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Snapshot{}, fmt.Errorf("fetch stats: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode stats: %w", err)
	}
	return snap, nil
}
