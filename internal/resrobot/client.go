package resrobot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const DefaultBaseURL = "https://api.resrobot.se/v2.1"

const (
	endpointNearbyStops    = "location.nearbystops"
	endpointDepartureBoard = "departureBoard"
)

// LookupMetrics receives the outcome of every upstream request. May be nil.
type LookupMetrics interface {
	LookupObserve(endpoint string, d time.Duration, err error)
}

// Client talks to the ResRobot v2.1 REST API. It resolves nearest stops and
// fetches departure boards.
type Client struct {
	logger  *zap.Logger
	c       *http.Client
	metrics LookupMetrics

	nearbyStopsURL    func(lat, lon float64) string
	departureBoardURL func(stopID string, products, maxJourneys, duration int) string
}

type Option func(*Client)

// WithHTTPClient replaces the default client (which has no timeout of its own;
// callers bound requests with their context).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.c = c }
}

func WithMetrics(m LookupMetrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

func NewClient(logger *zap.Logger, baseURL, accessID string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	key := url.QueryEscape(accessID)
	cl := &Client{
		logger: logger,
		c:      &http.Client{},
		nearbyStopsURL: func(lat, lon float64) string {
			return fmt.Sprintf("%s/%s?originCoordLat=%s&originCoordLong=%s&format=json&accessId=%s",
				baseURL, endpointNearbyStops, formatCoord(lat), formatCoord(lon), key)
		},
		departureBoardURL: func(stopID string, products, maxJourneys, duration int) string {
			u := fmt.Sprintf("%s/%s?id=%s&format=json&accessId=%s", baseURL, endpointDepartureBoard, url.QueryEscape(stopID), key)
			if products != 0 {
				u += "&products=" + strconv.Itoa(products)
			}
			return u + fmt.Sprintf("&maxJourneys=%d&duration=%d", maxJourneys, duration)
		},
	}
	for _, o := range opts {
		o(cl)
	}
	return cl
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// apiError is the body ResRobot returns on rejected requests.
type apiError struct {
	ErrorCode string `json:"errorCode"`
	ErrorText string `json:"errorText"`
}

// getJSON performs a GET and decodes the body into out. The URL carries the
// access key, so it is never logged or included in returned errors.
func (cl *Client) getJSON(ctx context.Context, endpoint, rawURL string, out any) (err error) {
	start := time.Now()
	defer func() {
		if cl.metrics != nil {
			cl.metrics.LookupObserve(endpoint, time.Since(start), err)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	resp, err := cl.c.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("problem fetching %s from API: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("problem reading %s response: %w", endpoint, err)
	}

	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.ErrorCode != "" {
		return fmt.Errorf("%s rejected (HTTP %d): %s %s", endpoint, resp.StatusCode, ae.ErrorCode, ae.ErrorText)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, endpoint)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("problem parsing %s response: %w", endpoint, err)
	}
	return nil
}
