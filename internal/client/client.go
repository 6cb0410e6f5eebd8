// Package client talks to a running classification service.
package client

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Brownie44l1/resq-ai/internal/classifier"
)

type Client struct {
	http *resty.Client
}

type apiError struct {
	Error string `json:"error"`
}

// Status is the liveness payload served on "/".
type Status struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

func (c *Client) Health(ctx context.Context) (*Status, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&Status{}).
		Get("/")
	if err != nil {
		return nil, fmt.Errorf("failed to reach service: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("service returned status %d", resp.StatusCode())
	}
	return resp.Result().(*Status), nil
}

// Predict uploads one image and returns the service's classification.
func (c *Client) Predict(ctx context.Context, filename string, data []byte) (*classifier.Result, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("file", filename, bytes.NewReader(data)).
		SetResult(&classifier.Result{}).
		SetError(&apiError{}).
		Post("/predict")
	if err != nil {
		return nil, fmt.Errorf("failed to reach service: %w", err)
	}
	if resp.IsError() {
		if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
			return nil, fmt.Errorf("service returned status %d: %s", resp.StatusCode(), e.Error)
		}
		return nil, fmt.Errorf("service returned status %d", resp.StatusCode())
	}
	return resp.Result().(*classifier.Result), nil
}
