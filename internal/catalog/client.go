package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/splitshelf/splitshelf/internal/models"
	"go.uber.org/zap"
)

// HTTPClient talks to the storefront catalog API. Transient failures
// are retried with backoff; the per-call context still bounds total
// time, so a stuck catalog cannot stall a scheduler tick beyond its
// deadline.
type HTTPClient struct {
	baseURL string
	token   string
	client  *retryablehttp.Client
	logger  *zap.Logger
}

// NewHTTPClient constructs a catalog client for the given base URL.
func NewHTTPClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil

	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  rc,
		logger:  logger,
	}
}

type createMediaRequest struct {
	Media []Media `json:"media"`
}

type createMediaResponse struct {
	Media []Media `json:"media"`
}

// CreateMedia uploads images into the owner's collection.
func (c *HTTPClient) CreateMedia(ctx context.Context, ownerID string, refs []models.ImageRef) ([]Media, error) {
	req := createMediaRequest{Media: make([]Media, 0, len(refs))}
	for _, ref := range refs {
		req.Media = append(req.Media, Media{URL: ref.URL, Position: ref.Position})
	}

	var resp createMediaResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/products/%s/media", ownerID), req, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to create media for %s: %w", ownerID, err)
	}
	if len(resp.Media) != len(refs) {
		return nil, fmt.Errorf("catalog created %d media, expected %d", len(resp.Media), len(refs))
	}
	return resp.Media, nil
}

// DeleteMedia removes media from the owner's collection.
func (c *HTTPClient) DeleteMedia(ctx context.Context, ownerID string, mediaIDs []string) error {
	if len(mediaIDs) == 0 {
		return nil
	}
	body := map[string][]string{"media_ids": mediaIDs}
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/products/%s/media", ownerID), body, nil); err != nil {
		return fmt.Errorf("failed to delete media for %s: %w", ownerID, err)
	}
	return nil
}

// ReorderMedia sets the collection order.
func (c *HTTPClient) ReorderMedia(ctx context.Context, ownerID string, mediaIDs []string) error {
	body := map[string][]string{"media_ids": mediaIDs}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/products/%s/media/order", ownerID), body, nil); err != nil {
		return fmt.Errorf("failed to reorder media for %s: %w", ownerID, err)
	}
	return nil
}

// SetVariantHero assigns a variant's hero image.
func (c *HTTPClient) SetVariantHero(ctx context.Context, variantID, mediaID string) error {
	body := map[string]string{"media_id": mediaID}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/variants/%s/hero", variantID), body, nil); err != nil {
		return fmt.Errorf("failed to set hero for variant %s: %w", variantID, err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug("catalog call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode catalog response: %w", err)
		}
	}
	return nil
}
