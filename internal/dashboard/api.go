// Package dashboard is the client side of the gateway: an API client, the
// forecast loader that turns raw payloads into what the dashboard renders,
// and the debounced city search.
package dashboard

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

	"github.com/google/uuid"
	"go.uber.org/zap"

	gatewayhttp "github.com/kjstillabower/weatherdash/internal/http"
	"github.com/kjstillabower/weatherdash/internal/models"
	"github.com/kjstillabower/weatherdash/internal/observability"
)

// DefaultRequestTimeout bounds one call to the gateway.
const DefaultRequestTimeout = 15 * time.Second

const maxResponseBytes = 4 << 20

// APIError is a failed gateway call. Status is zero when the gateway could
// not be reached at all.
type APIError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Retryable reports whether offering a retry makes sense. Input and quota
// errors need the user to change something first.
func (e *APIError) Retryable() bool {
	switch e.Code {
	case gatewayhttp.CodeInvalidInput, gatewayhttp.CodeRateLimited, gatewayhttp.CodeInternalError:
		return false
	case gatewayhttp.CodeUpstreamError:
		return true
	}
	return e.Status == 0 || e.Status >= http.StatusInternalServerError
}

// IsRetryable reports whether err is an *APIError worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}

// APIClient calls the gateway's /api routes.
type APIClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewAPIClient returns a client for the gateway at baseURL. A nil client gets
// one with DefaultRequestTimeout.
func NewAPIClient(baseURL string, client *http.Client, logger *zap.Logger) *APIClient {
	if client == nil {
		client = &http.Client{Timeout: DefaultRequestTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIClient{baseURL: baseURL, client: client, logger: logger}
}

// CurrentWeather fetches current conditions at coords.
func (c *APIClient) CurrentWeather(ctx context.Context, coords models.Coordinates) (*models.CurrentWeather, error) {
	var out models.CurrentWeather
	if err := c.fetch(ctx, "fetchCurrentWeather", "/api/weather", weatherQuery(coords, "current"), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Forecast fetches the 3-hour forecast samples at coords.
func (c *APIClient) Forecast(ctx context.Context, coords models.Coordinates) (*models.ForecastResponse, error) {
	var out models.ForecastResponse
	if err := c.fetch(ctx, "fetchForecast", "/api/weather", weatherQuery(coords, "forecast"), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Geocode looks up cities matching query.
func (c *APIClient) Geocode(ctx context.Context, query string) ([]models.GeocodingResult, error) {
	var out []models.GeocodingResult
	if err := c.fetch(ctx, "fetchGeocoding", "/api/geocode", url.Values{"q": {query}}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func weatherQuery(coords models.Coordinates, kind string) url.Values {
	return url.Values{
		"lat":  {strconv.FormatFloat(coords.Lat, 'f', -1, 64)},
		"lon":  {strconv.FormatFloat(coords.Lon, 'f', -1, 64)},
		"type": {kind},
	}
}

func (c *APIClient) fetch(ctx context.Context, tag, path string, params url.Values, dst any) error {
	logger := c.logger.With(zap.String("context", tag))
	target := c.baseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	id := observability.CorrelationID(ctx)
	if id == "" {
		id = uuid.New().String()
	}
	req.Header.Set(gatewayhttp.CorrelationIDHeader, id)
	logger = logger.With(zap.String("correlation_id", id))

	logger.Info("fetching", zap.String("path", path))
	resp, err := c.client.Do(req)
	if err != nil {
		logger.Error("API request failed", zap.Error(err))
		return &APIError{Message: "Unable to reach the weather service", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &APIError{Status: resp.StatusCode, Message: "Unable to read the weather service response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Message != "" {
			apiErr.Message, apiErr.Code = envelope.Message, envelope.Code
		} else {
			apiErr.Message = fmt.Sprintf("Request failed with status %d", resp.StatusCode)
		}
		logger.Error("API request failed",
			zap.Int("status", resp.StatusCode),
			zap.String("code", apiErr.Code),
			zap.String("message", apiErr.Message),
		)
		return apiErr
	}

	if err := json.Unmarshal(body, dst); err != nil {
		logger.Error("API response not decodable", zap.Error(err))
		return &APIError{Status: resp.StatusCode, Message: "Unexpected response from the weather service", Err: err}
	}
	logger.Info("API response received")
	return nil
}
