package bookings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Outcome classifies the scheduler's answer to a booking attempt.
type Outcome int

const (
	// Booked means the appointment was created.
	Booked Outcome = iota
	// Rejected means the scheduler refused the slot (conflict, outside
	// working hours, over capacity). Final; the slot will not free up by
	// retrying the same request.
	Rejected
	// Failed means the request did not get a usable answer and should be
	// retried later.
	Failed
)

type Result struct {
	Outcome       Outcome
	AppointmentID string
	Reason        string
}

// Client books appointments against the scheduling service HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type bookRequest struct {
	StaffID   string `json:"staff_id"`
	PatientID string `json:"patient_id"`
	ServiceID string `json:"service_id"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	RuleID    string `json:"rule_id"`
}

type bookResponse struct {
	AppointmentID string `json:"appointment_id"`
}

type BookParams struct {
	ClinicID  string
	StaffID   string
	PatientID string
	ServiceID string
	Start     time.Time
	End       time.Time
	RuleID    string
	// IdempotencyKey lets the scheduler replay instead of double-booking
	// when a dispatch is retried after a lost response.
	IdempotencyKey string
}

func (c *Client) Book(ctx context.Context, p BookParams) (Result, error) {
	body, err := json.Marshal(bookRequest{
		StaffID:   p.StaffID,
		PatientID: p.PatientID,
		ServiceID: p.ServiceID,
		StartTime: p.Start.UTC().Format(time.RFC3339),
		EndTime:   p.End.UTC().Format(time.RFC3339),
		RuleID:    p.RuleID,
	})
	if err != nil {
		return Result{Outcome: Failed}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/appointments", bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: Failed}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Clinic-Id", p.ClinicID)
	req.Header.Set("X-Role", "system")
	if p.IdempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", p.IdempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Outcome: Failed}, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode == http.StatusCreated:
		var br bookResponse
		if err := json.Unmarshal(raw, &br); err != nil {
			return Result{Outcome: Booked}, nil
		}
		return Result{Outcome: Booked, AppointmentID: br.AppointmentID}, nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		return Result{Outcome: Rejected, Reason: strings.TrimSpace(string(raw))}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Bad request shapes will not improve on retry either.
		return Result{Outcome: Rejected, Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}, nil
	default:
		return Result{Outcome: Failed, Reason: fmt.Sprintf("status %d", resp.StatusCode)}, nil
	}
}
