// Package client provides the HTTP transports for the EPC open data service:
// the authenticated domestic search API and the public bulk archive download.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"btr_pipeline/internal/epc/transport"
	"btr_pipeline/platform/apperr"
	"btr_pipeline/platform/config"
	"btr_pipeline/platform/logger"

	"golang.org/x/time/rate"
)

const maxErrorBody = 512

// Client is the HTTP client for the EPC open data service.
type Client struct {
	httpClient *http.Client
	apiKey     string
	searchURL  string
	bulkURL    string
	limiter    *rate.Limiter
	log        *logger.Logger
}

// New creates a new EPC client. The API key may be empty when only the bulk
// download is going to be used.
func New(cfg config.EPCConfig, log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.GetEPCHTTPTimeout()},
		apiKey:     cfg.GetEPCAPIKey(),
		searchURL:  cfg.GetEPCSearchURL(),
		bulkURL:    cfg.GetEPCBulkURL(),
		limiter:    rate.NewLimiter(rate.Limit(cfg.GetEPCAPIRatePerSecond()), 1),
		log:        log,
	}
}

// HasAPIKey reports whether the authenticated search API can be used.
func (c *Client) HasAPIKey() bool {
	return c.apiKey != ""
}

// Search runs one page of the domestic certificate search.
func (c *Client) Search(ctx context.Context, size, from int) (*transport.SearchResponse, error) {
	params := url.Values{}
	params.Set("size", strconv.Itoa(size))
	params.Set("from", strconv.Itoa(from))
	reqURL := c.searchURL + "?" + params.Encode()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperr.Acquisition("wait for rate limiter", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, apperr.Acquisition("create search request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Basic "+c.apiKey)

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()

	var body transport.SearchResponse
	if err := dec.Decode(&body); err != nil {
		c.log.Error("epc search decode failed", "error", err)
		return nil, apperr.Acquisition("decode search response", err)
	}
	if body.Rows == nil {
		return nil, apperr.Acquisition("decode search response", fmt.Errorf("response has no rows key"))
	}

	return &body, nil
}

// DownloadBulk streams the bulk archive into a temporary file inside dir and returns
// its path. The caller removes the file when done.
func (c *Client) DownloadBulk(ctx context.Context, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.bulkURL, nil)
	if err != nil {
		return "", apperr.Acquisition("create bulk request", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	f, err := os.CreateTemp(dir, "epc-bulk-*.zip")
	if err != nil {
		return "", apperr.Storage("create temporary archive", err)
	}

	written, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", apperr.Acquisition("download bulk archive", err)
	}

	c.log.Debug("epc bulk archive downloaded", "path", f.Name(), "bytes", written)
	return f.Name(), nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	log := c.log.WithContext(req.Context())
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("epc request failed", "error", err, "url", req.URL.Redacted())
		return nil, apperr.Acquisition("http request", err)
	}

	log.ExternalRequest(req.Method, req.URL.Redacted(), resp.StatusCode, float64(time.Since(start).Milliseconds()))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			log.Error("epc unauthorized", "status", resp.StatusCode)
			return nil, apperr.Acquisition("http request", fmt.Errorf("unauthorized: check EPC_API_KEY (status %d)", resp.StatusCode))
		default:
			log.Error("epc upstream error", "status", resp.StatusCode, "url", req.URL.Redacted())
			return nil, apperr.Acquisition("http request", fmt.Errorf("upstream error: status %d: %s", resp.StatusCode, string(body)))
		}
	}

	return resp, nil
}
