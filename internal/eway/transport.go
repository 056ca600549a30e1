package eway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hnizdiljan/eway-crm-gateway/internal/metrics"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 32 << 20

// post issues POST {baseURL}/{method} with a JSON body and decodes the
// application-level response. A non-empty bearer is sent as the
// Authorization header.
func (c *Client) post(ctx context.Context, method string, params Params, bearer string) (*Response, error) {
	start := time.Now()

	resp, err := c.doPost(ctx, method, params, bearer)

	result := "transport_error"
	if err == nil {
		result = resp.ReturnCode.Kind().String()
	}
	metrics.RecordBackendCall(method, result, time.Since(start))

	return resp, err
}

func (c *Client) doPost(ctx context.Context, method string, params Params, bearer string) (*Response, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s parameters: %w", method, err)
	}

	url := strings.TrimRight(c.baseURL, "/") + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("request timed out: %w", err)
		}
		return nil, &TransportError{Method: method, Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Method: method, StatusCode: httpResp.StatusCode, Err: err}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &TransportError{
			Method:     method,
			StatusCode: httpResp.StatusCode,
			Body:       truncate(string(body), 512),
			Err:        fmt.Errorf("unexpected HTTP status %d", httpResp.StatusCode),
		}
	}

	resp, err := decodeResponse(body)
	if err != nil {
		return nil, &TransportError{
			Method:     method,
			StatusCode: httpResp.StatusCode,
			Body:       truncate(string(body), 512),
			Err:        err,
		}
	}

	slog.Debug("eWay-CRM call completed",
		"method", method,
		"return_code", resp.ReturnCode,
	)

	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
