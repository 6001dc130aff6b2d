// Package overdrive is the client for the optional external ML ranker. It
// is strictly best effort: any failure means the caller keeps its heuristic
// order.
package overdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sonet-app/timeline/internal/timeline"
)

// Client implements timeline.Overdrive over HTTP JSON with a circuit
// breaker, so a struggling ranker cannot add latency to every For You
// request.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

// New builds a client for the ranker at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "overdrive",
			MaxRequests: 2,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("overdrive circuit breaker state change")
			},
		}),
	}
}

type rankRequest struct {
	ViewerID     string   `json:"viewer_id"`
	CandidateIDs []string `json:"candidate_ids"`
	K            int      `json:"k"`
}

type rankResponse struct {
	Results []timeline.RankedID `json:"results"`
}

// RankForYou asks the ranker to score candidateIDs for viewerID, returning
// at most k results.
func (c *Client) RankForYou(ctx context.Context, viewerID string, candidateIDs []string, k int) ([]timeline.RankedID, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.rank(ctx, rankRequest{ViewerID: viewerID, CandidateIDs: candidateIDs, K: k})
	})
	if err != nil {
		return nil, err
	}
	return res.([]timeline.RankedID), nil
}

func (c *Client) rank(ctx context.Context, body rankRequest) ([]timeline.RankedID, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal rank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/rank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build rank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("overdrive rank: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("overdrive rank: status %d", resp.StatusCode)
	}
	var out rankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode rank response: %w", err)
	}
	return out.Results, nil
}
