package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	listingsPath   = "/listings"
	promotionsPath = "/promotions"
)

// ClientOptions parameterise the catalog API client.
type ClientOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// Client talks to the remote catalog API.
type Client struct {
	opts    ClientOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewClient constructs a catalog client.
func NewClient(opts ClientOptions, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "catalog_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

type listingPayload struct {
	ID                string  `json:"id"`
	Title             string  `json:"title"`
	Description       string  `json:"description"`
	Category          string  `json:"category"`
	Price             string  `json:"price"`
	ViewsLastHour     int     `json:"viewsLastHour"`
	Views7d           int     `json:"views7d"`
	TotalViews        int     `json:"totalViews"`
	ConversionRate    float64 `json:"conversionRate"`
	ExperimentRunning bool    `json:"isExperimentRunning"`
	OnPromotion       bool    `json:"isOnPromotion"`
	PromotionPct      float64 `json:"promotionPercentage"`
	CreatedAt         string  `json:"createdAt"`
}

type performancePayload struct {
	ListingID      string  `json:"listingId"`
	ViewsLastHour  int     `json:"viewsLastHour"`
	Views7d        int     `json:"views7d"`
	TotalViews     int     `json:"totalViews"`
	ConversionRate float64 `json:"conversionRate"`
}

// FetchAll retrieves every listing with its current metrics.
func (c *Client) FetchAll(ctx context.Context) ([]Listing, error) {
	if c.baseURL == "" {
		return nil, errors.New("catalog base_url required")
	}

	payload, err := c.get(ctx, c.baseURL+listingsPath)
	if err != nil {
		return nil, err
	}

	var raw []listingPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode listings: %w", err)
	}

	listings := make([]Listing, 0, len(raw))
	for _, item := range raw {
		listing, convErr := item.toListing()
		if convErr != nil {
			c.logger.Warn().Err(convErr).Str("listing_id", item.ID).Msg("skipping malformed listing")
			continue
		}
		listings = append(listings, listing)
	}
	return listings, nil
}

// FetchPerformance retrieves current metrics for a single listing.
func (c *Client) FetchPerformance(ctx context.Context, listingID string) (Performance, error) {
	payload, err := c.get(ctx, fmt.Sprintf("%s%s/%s/performance", c.baseURL, listingsPath, listingID))
	if err != nil {
		return Performance{}, err
	}

	var raw performancePayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Performance{}, fmt.Errorf("decode performance: %w", err)
	}
	if raw.ListingID == "" {
		raw.ListingID = listingID
	}

	return Performance{
		ListingID:      raw.ListingID,
		ViewsLastHour:  raw.ViewsLastHour,
		Views7d:        raw.Views7d,
		TotalViews:     raw.TotalViews,
		ConversionRate: raw.ConversionRate,
	}, nil
}

// SetPrice applies a new price to a listing.
func (c *Client) SetPrice(ctx context.Context, listingID string, price decimal.Decimal) error {
	body := map[string]string{"price": price.String()}
	return c.send(ctx, http.MethodPatch, fmt.Sprintf("%s%s/%s/price", c.baseURL, listingsPath, listingID), body)
}

// UpdateFields performs a partial update of listing content and flags.
func (c *Client) UpdateFields(ctx context.Context, listingID string, fields Fields) error {
	body := map[string]any{}
	if fields.Title != nil {
		body["title"] = *fields.Title
	}
	if fields.Description != nil {
		body["description"] = *fields.Description
	}
	if fields.ExperimentRunning != nil {
		body["isExperimentRunning"] = *fields.ExperimentRunning
	}
	if fields.OnPromotion != nil {
		body["isOnPromotion"] = *fields.OnPromotion
	}
	if fields.PromotionPct != nil {
		body["promotionPercentage"] = *fields.PromotionPct
	}
	if len(body) == 0 {
		return nil
	}
	return c.send(ctx, http.MethodPatch, fmt.Sprintf("%s%s/%s", c.baseURL, listingsPath, listingID), body)
}

// CreatePromotion registers a promotion window on the remote catalog.
func (c *Client) CreatePromotion(ctx context.Context, req PromotionRequest) error {
	body := map[string]any{
		"listingId":          req.ListingID,
		"discountPercentage": req.DiscountPct,
		"startTime":          req.StartAt.UTC().Format(time.RFC3339),
		"endTime":            req.EndAt.UTC().Format(time.RFC3339),
		"reason":             req.Reason,
	}
	return c.send(ctx, http.MethodPost, c.baseURL+promotionsPath, body)
}

// CancelPromotion withdraws the active promotion of a listing.
func (c *Client) CancelPromotion(ctx context.Context, listingID string) error {
	return c.send(ctx, http.MethodDelete, fmt.Sprintf("%s%s/%s", c.baseURL, promotionsPath, listingID), nil)
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

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
		return nil, parseHTTPError(resp.StatusCode, payload)
	}
	return payload, nil
}

func (c *Client) send(ctx context.Context, method, url string, body any) error {
	if c.baseURL == "" {
		return errors.New("catalog base_url required")
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseHTTPError(resp.StatusCode, payload)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "listingopt/1.0")
	}
}

func (p listingPayload) toListing() (Listing, error) {
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return Listing{}, fmt.Errorf("parse price: %w", err)
	}

	createdAt := time.Time{}
	if p.CreatedAt != "" {
		createdAt, err = time.Parse(time.RFC3339, p.CreatedAt)
		if err != nil {
			return Listing{}, fmt.Errorf("parse createdAt: %w", err)
		}
	}

	return Listing{
		ID:                p.ID,
		Title:             p.Title,
		Description:       p.Description,
		Category:          p.Category,
		Price:             price,
		ViewsLastHour:     p.ViewsLastHour,
		Views7d:           p.Views7d,
		TotalViews:        p.TotalViews,
		ConversionRate:    p.ConversionRate,
		ExperimentRunning: p.ExperimentRunning,
		OnPromotion:       p.OnPromotion,
		PromotionPct:      p.PromotionPct,
		CreatedAt:         createdAt,
	}, nil
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("catalog api error (%d): %s", status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("catalog api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("catalog api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("catalog api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("catalog api error (%d)", status)
}

var _ Catalog = (*Client)(nil)
