package generative

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"buildcraft.ai/internal/sim/model"
)

// Client calls a text-to-structure service. It implements tools.Generator.
type Client struct {
	client *resty.Client
}

type Config struct {
	Endpoint string
	APIKey   string
	// Timeout bounds a single HTTP exchange. Callers usually pass a tighter
	// deadline through ctx.
	Timeout time.Duration
}

var ErrNoEndpoint = errors.New("generative endpoint not configured")

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, ErrNoEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Endpoint, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout)
	if cfg.APIKey != "" {
		c.SetAuthToken(cfg.APIKey)
	}
	return &Client{client: c}, nil
}

type structureRequest struct {
	Prompt string `json:"prompt"`
}

type structureResponse struct {
	Features []model.Feature `json:"features"`
	Error    string          `json:"error,omitempty"`
}

// Generate asks the service for the features of a structure matching prompt.
func (c *Client) Generate(ctx context.Context, prompt string) ([]model.Feature, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("empty prompt")
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(&structureRequest{Prompt: prompt}).
		Post("/v1/structures")
	if err != nil {
		return nil, fmt.Errorf("structure request: %w", err)
	}
	var sr structureResponse
	if resp.StatusCode() != http.StatusOK {
		if json.Unmarshal(resp.Body(), &sr) == nil && sr.Error != "" {
			return nil, fmt.Errorf("structure service status %d: %s", resp.StatusCode(), sr.Error)
		}
		return nil, fmt.Errorf("structure service status %d", resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), &sr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(sr.Features) == 0 {
		return nil, fmt.Errorf("structure service returned no features")
	}
	return sr.Features, nil
}
