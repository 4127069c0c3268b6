package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jxucoder/efimeral/pkg/model"
)

// apiClient talks to a running efimeral server.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

type launchResult struct {
	LeaseID     string    `json:"lease_id"`
	RouteTarget string    `json:"route_target"`
	URL         string    `json:"url"`
	Deadline    time.Time `json:"deadline"`
}

type stopResult struct {
	LeaseID string `json:"lease_id"`
	Result  string `json:"result"`
}

// apiError is a non-2xx response from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *apiClient) launch(ctx context.Context, imageTag string) (*launchResult, error) {
	var out launchResult
	err := c.do(ctx, http.MethodPost, "/api/leases", map[string]string{"image_tag": imageTag}, &out)
	return &out, err
}

func (c *apiClient) stop(ctx context.Context, id string) (*stopResult, error) {
	var out stopResult
	err := c.do(ctx, http.MethodPost, "/api/leases/"+id+"/stop", nil, &out)
	return &out, err
}

func (c *apiClient) status(ctx context.Context, id string) (*model.LeaseSummary, error) {
	var out model.LeaseSummary
	err := c.do(ctx, http.MethodGet, "/api/leases/"+id, nil, &out)
	return &out, err
}

func (c *apiClient) list(ctx context.Context) ([]model.LeaseSummary, error) {
	var out []model.LeaseSummary
	err := c.do(ctx, http.MethodGet, "/api/leases", nil, &out)
	return out, err
}

// events streams the lease's events to fn until the server closes the
// stream or ctx is canceled. Without follow the server closes the stream
// once the stored history has been sent.
func (c *apiClient) events(ctx context.Context, id string, follow bool, fn func(*model.Event)) error {
	path := "/api/leases/" + id + "/events"
	if !follow {
		path += "?follow=false"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams are long-lived; the default client timeout would cut them off.
	resp, err := (&http.Client{Transport: c.http.Transport}).Do(req)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var event model.Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		fn(&event)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return &apiError{Status: resp.StatusCode, Message: body.Error}
}
