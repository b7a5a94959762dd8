// Package hub carries a vehicle's traffic to the hub: identity calls over
// HTTP, telemetry and accident reports over HTTP or MQTT.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/autopeer-io/v2x/internal/telemetry"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 4 << 10

// StatusError is a non-2xx answer of the hub.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("hub answered %d", e.Code)
	}
	return fmt.Sprintf("hub answered %d: %s", e.Code, e.Message)
}

// IsStatus reports whether err is a StatusError with code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Client talks to the hub's REST API. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ Sender = (*Client)(nil)

// NewClient returns a Client for the hub at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Register binds vehicleID to address on the ledger.
func (c *Client) Register(ctx context.Context, vehicleID, address string) error {
	req := struct {
		VehicleID string `json:"vehicleId"`
		Address   string `json:"vehicleAddress"`
	}{vehicleID, address}
	return c.post(ctx, "/api/vehicles/register", req, nil)
}

// Nonce requests a fresh authentication challenge.
func (c *Client) Nonce(ctx context.Context, vehicleID string) (string, error) {
	var resp struct {
		Nonce string `json:"nonce"`
	}
	if err := c.post(ctx, "/api/vehicles/nonce", map[string]string{"vehicleId": vehicleID}, &resp); err != nil {
		return "", err
	}
	if resp.Nonce == "" {
		return "", errors.New("hub returned an empty nonce")
	}
	return resp.Nonce, nil
}

// Authenticate answers the challenge nonce with signature.
func (c *Client) Authenticate(ctx context.Context, vehicleID, nonce, signature string) error {
	req := map[string]string{"vehicleId": vehicleID, "nonce": nonce, "signature": signature}
	var resp struct {
		Authenticated bool `json:"authenticated"`
	}
	if err := c.post(ctx, "/api/vehicles/authenticate", req, &resp); err != nil {
		return err
	}
	if !resp.Authenticated {
		return errors.New("hub did not authenticate the vehicle")
	}
	return nil
}

func (c *Client) SendTelemetry(ctx context.Context, s telemetry.Sample) error {
	return c.post(ctx, "/api/gps/update", s, nil)
}

func (c *Client) ReportAccident(ctx context.Context, r telemetry.AccidentReport) error {
	return c.post(ctx, "/api/gps/report-accident", r, nil)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("POST %s: decode response: %w", path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}
