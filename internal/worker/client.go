package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"segment-coordinator/internal/coordinator"
	"segment-coordinator/internal/models"
)

// ErrNoWork is returned when the coordinator has no eligible segment to lease.
var ErrNoWork = errors.New("no eligible segment")

// APIError is a non-success coordinator response.
type APIError struct {
	Status  int
	Reason  string
	Message string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("coordinator: %d %s: %s", e.Status, e.Reason, e.Message)
	}
	return fmt.Sprintf("coordinator: %d: %s", e.Status, e.Message)
}

// Client talks to the coordinator's public ticket endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	agent      string
}

// NewClient builds a client for the coordinator at baseURL. agent identifies
// this worker instance in the User-Agent header.
func NewClient(baseURL, agent string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, agent: agent}
}

func (c *Client) ticketsURL(jobID string) string {
	return c.baseURL + "/jobs/" + url.PathEscape(jobID) + "/job-tickets"
}

// RequestTicket leases the next eligible segment of the job.
func (c *Client) RequestTicket(ctx context.Context, jobID string) (models.TicketView, error) {
	var view models.TicketView
	err := c.do(ctx, http.MethodPost, c.ticketsURL(jobID), nil, &view)
	return view, err
}

// Submit returns a computed result set against its ticket.
func (c *Client) Submit(ctx context.Context, jobID string, sub coordinator.TicketSubmission) (models.Submission, error) {
	var stored models.Submission
	err := c.do(ctx, http.MethodPut, c.ticketsURL(jobID), sub, &stored)
	return stored, err
}

func (c *Client) do(ctx context.Context, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.agent != "" {
		req.Header.Set("User-Agent", c.agent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var payload struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(raw, &payload)
		if resp.StatusCode == http.StatusConflict {
			return ErrNoWork
		}
		msg := payload.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Reason: payload.Reason, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
