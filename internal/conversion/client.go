// Package conversion talks to the external document-to-PDF conversion service.
package conversion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
)

// ErrTimeout is returned when the conversion service does not answer within the
// configured timeout.
var ErrTimeout = errors.New("document conversion timed out")

// DefaultTimeout bounds a single conversion call.
const DefaultTimeout = 120 * time.Second

// Client calls the conversion service over HTTP.
type Client struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	http     *http.Client
	logger   *zap.Logger
}

type convertRequest struct {
	SourceURL  string `json:"sourceUrl"`
	OutputType string `json:"outputType"`
}

type convertResponse struct {
	PDFURL string `json:"pdfUrl"`
	Error  string `json:"error,omitempty"`
}

// NewClient creates a conversion client. A zero timeout means DefaultTimeout.
func NewClient(endpoint, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		timeout:  timeout,
		http:     &http.Client{},
		logger:   logger,
	}
}

// Convert asks the service to convert the document at sourceURL and returns the
// URL of the produced PDF.
func (c *Client) Convert(ctx context.Context, sourceURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(convertRequest{SourceURL: sourceURL, OutputType: "pdf"})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return "", fmt.Errorf("conversion request: %w", err)
	}
	defer resp.Body.Close()

	var out convertResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return "", fmt.Errorf("decode conversion response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("conversion service returned %d: %s", resp.StatusCode, out.Error)
	}
	if out.PDFURL == "" {
		return "", fmt.Errorf("conversion service returned no pdf url")
	}
	c.logger.Info("document converted", zap.Duration("took", time.Since(start)))
	return out.PDFURL, nil
}

// Fetch downloads a converted PDF into dir and returns the local path. The caller
// removes the file.
func (c *Client) Fetch(ctx context.Context, pdfURL, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pdfURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch pdf: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch pdf: status %d", resp.StatusCode)
	}

	f, err := os.CreateTemp(dir, "converted-*.pdf")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write pdf: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
