package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultHTTPTimeout = 10 * time.Second

// HTTPOptions configure an HTTP sink.
type HTTPOptions struct {
	URL     string
	Project string
	RunName string
	Client  *http.Client // nil uses a client with a 10s timeout
}

// HTTP posts each record as a JSON document to a collector endpoint.
type HTTP struct {
	url     string
	project string
	runName string
	client  *http.Client
}

type httpPayload struct {
	Project string `json:"project,omitempty"`
	RunName string `json:"run_name,omitempty"`
	Record
}

// NewHTTP creates an HTTP sink.
func NewHTTP(opts HTTPOptions) *HTTP {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTP{url: opts.URL, project: opts.Project, runName: opts.RunName, client: client}
}

func (h *HTTP) Log(ctx context.Context, rec Record) error {
	body, err := json.Marshal(httpPayload{Project: h.project, RunName: h.runName, Record: rec})
	if err != nil {
		return fmt.Errorf("%w: failed to encode record: %w", ErrSink, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to create request for %s: %w", ErrSink, h.url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: failed to post to %s: %w", ErrSink, h.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: post to %s: status code %d", ErrSink, h.url, resp.StatusCode)
	}
	return nil
}

func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
