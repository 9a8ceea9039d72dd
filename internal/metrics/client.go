package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"listing-optimizer/internal/catalog"
)

const (
	hourlyPath     = "/analytics/hourly"
	detailedPath   = "/analytics/detailed"
	elasticityPath = "/analytics/elasticity"
)

// ClientOptions parameterise the analytics gateway client.
type ClientOptions struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client reads performance analytics over HTTP.
type Client struct {
	opts    ClientOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewClient constructs an analytics client.
func NewClient(opts ClientOptions, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "metrics_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

type hourlyPointPayload struct {
	Timestamp string `json:"timestamp"`
	Visits    int    `json:"visits"`
}

type analyticsPayload struct {
	Performance []struct {
		ListingID      string  `json:"listingId"`
		ViewsLastHour  int     `json:"viewsLastHour"`
		Views7d        int     `json:"views7d"`
		TotalViews     int     `json:"totalViews"`
		ConversionRate float64 `json:"conversionRate"`
	} `json:"performance"`
	Hourly []hourlyPointPayload `json:"hourly"`
}

// FetchHourlySeries returns hourly visit counts across the lookback window.
func (c *Client) FetchHourlySeries(ctx context.Context, listingID string, daysBack int) ([]HourlyPoint, error) {
	query := url.Values{}
	query.Set("days", strconv.Itoa(daysBack))
	if listingID != "" {
		query.Set("listingId", listingID)
	}

	payload, err := c.get(ctx, c.baseURL+hourlyPath+"?"+query.Encode())
	if err != nil {
		return nil, err
	}

	var raw []hourlyPointPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode hourly series: %w", err)
	}
	return convertHourly(raw)
}

// FetchDetailedAnalytics returns the full analytics dataset.
func (c *Client) FetchDetailedAnalytics(ctx context.Context) (Analytics, error) {
	payload, err := c.get(ctx, c.baseURL+detailedPath)
	if err != nil {
		return Analytics{}, err
	}

	var raw analyticsPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Analytics{}, fmt.Errorf("decode analytics: %w", err)
	}

	result := Analytics{Performance: make([]catalog.Performance, 0, len(raw.Performance))}
	for _, p := range raw.Performance {
		result.Performance = append(result.Performance, catalog.Performance{
			ListingID:      p.ListingID,
			ViewsLastHour:  p.ViewsLastHour,
			Views7d:        p.Views7d,
			TotalViews:     p.TotalViews,
			ConversionRate: p.ConversionRate,
		})
	}
	result.Hourly, err = convertHourly(raw.Hourly)
	if err != nil {
		return Analytics{}, err
	}
	return result, nil
}

// FetchElasticity returns the signed price-elasticity estimate for a listing.
func (c *Client) FetchElasticity(ctx context.Context, listingID string) (float64, error) {
	payload, err := c.get(ctx, fmt.Sprintf("%s%s/%s", c.baseURL, elasticityPath, listingID))
	if err != nil {
		return 0, err
	}

	var raw struct {
		Elasticity float64 `json:"elasticity"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return 0, fmt.Errorf("decode elasticity: %w", err)
	}
	return raw.Elasticity, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	if c.baseURL == "" {
		return nil, errors.New("metrics base_url required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		if len(payload) > 0 {
			return nil, fmt.Errorf("metrics api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
		}
		return nil, fmt.Errorf("metrics api error (%d)", resp.StatusCode)
	}
	return payload, nil
}

func convertHourly(raw []hourlyPointPayload) ([]HourlyPoint, error) {
	points := make([]HourlyPoint, 0, len(raw))
	for _, p := range raw {
		ts, err := time.Parse(time.RFC3339, p.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse hourly timestamp: %w", err)
		}
		points = append(points, HourlyPoint{Timestamp: ts, Visits: p.Visits})
	}
	return points, nil
}

var _ Gateway = (*Client)(nil)
