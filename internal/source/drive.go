package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DriveClient lists and streams raw files for a dataset. The remote drive is
// a collaborator: this package only consumes streamed bytes, it never
// manages the authentication protocol beyond supplying the credential.
type DriveClient interface {
	// ListFiles returns the CSV files visible in the configured folder.
	ListFiles(ctx context.Context) ([]FileInfo, error)

	// Open starts a streaming read of one file. The caller must close the
	// returned reader.
	Open(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// Client is a DriveClient against a Google-Drive-style REST API.
type Client struct {
	config  *Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a drive client with request rate limiting
func NewClient(config *Config, logger *zap.Logger) *Client {
	rps := config.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}
}

// listResponse mirrors the drive files.list payload
type listResponse struct {
	Files []struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		Size         string `json:"size"`
		ModifiedTime string `json:"modifiedTime"`
	} `json:"files"`
}

// ListFiles returns the CSV files in the configured folder
func (c *Client) ListFiles(ctx context.Context) ([]FileInfo, error) {
	query := fmt.Sprintf("'%s' in parents and mimeType='text/csv' and trashed=false", c.config.FolderID)
	endpoint := fmt.Sprintf("%s/files?q=%s&fields=files(id,name,size,modifiedTime)&pageSize=1000",
		c.config.BaseURL, url.QueryEscape(query))

	body, err := c.getWithRetry(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp listResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode file listing: %v", ErrSourceUnavailable, err)
	}

	files := make([]FileInfo, 0, len(resp.Files))
	for _, f := range resp.Files {
		info := FileInfo{ID: f.ID, Name: f.Name}
		// Drive reports size as a decimal string; a missing or garbled
		// value leaves zero, size is informational only.
		if n, err := strconv.ParseInt(f.Size, 10, 64); err == nil {
			info.Size = n
		}
		if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
			info.ModifiedTime = t
		}
		files = append(files, info)
	}

	c.logger.Info("Listed source files",
		zap.String("folder_id", c.config.FolderID),
		zap.Int("count", len(files)))

	return files, nil
}

// Open starts a streaming download of one file
func (c *Client) Open(ctx context.Context, fileID string) (io.ReadCloser, error) {
	endpoint := fmt.Sprintf("%s/files/%s?alt=media", c.config.BaseURL, url.PathEscape(fileID))
	return c.getWithRetry(ctx, endpoint)
}

// getWithRetry performs a GET with bounded retries and exponential backoff.
// Every attempt waits on the rate limiter first.
func (c *Client) getWithRetry(ctx context.Context, endpoint string) (io.ReadCloser, error) {
	var lastErr error

	attempts := c.config.MaxRetries + 1
	backoff := c.config.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoff * time.Duration(1<<(attempt-1))
			c.logger.Warn("Retrying source request",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, ctx.Err())
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp.Body, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			resp.Body.Close()
			return nil, fmt.Errorf("%w: auth rejected with status %d", ErrSourceUnavailable, resp.StatusCode)
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return nil, fmt.Errorf("%w: file not found", ErrSourceUnavailable)
		default:
			resp.Body.Close()
			lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
	}

	return nil, fmt.Errorf("%w: giving up after %d attempts: %v", ErrSourceUnavailable, attempts, lastErr)
}
