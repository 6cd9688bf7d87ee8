// Package machineapi talks to the fleet's REST services: machine queries,
// machine commands, and the user/role service. Every request carries the
// session's bearer token.
package machineapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"fleetdash/internal/model"
)

const maxErrorBody = 4 << 10

// StatusError is a non-2xx reply.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// CommandError reports a failed machine or user command.
type CommandError struct {
	Op        string
	MachineID int64
	Err       error
}

func (e *CommandError) Error() string {
	if e.MachineID != 0 {
		return fmt.Sprintf("%s machine %d: %v", e.Op, e.MachineID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for the services rooted at baseURL. A nil httpClient
// gets a client with a 10s timeout.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// ---------- machine queries ----------

func (c *Client) GetAll(ctx context.Context, owner string) ([]model.Machine, error) {
	q := url.Values{}
	q.Set("mail", owner)
	var out []model.Machine
	if err := c.do(ctx, "get machines", http.MethodGet, "/api/machines/get", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Search forwards the filter as-is. Nil parameters are left out of the query
// string, which the service reads as "no constraint".
func (c *Client) Search(ctx context.Context, owner, name string, status *string, dateFrom, dateTo *civil.Date) ([]model.Machine, error) {
	q := url.Values{}
	q.Set("mail", owner)
	q.Set("name", name)
	if status != nil {
		q.Set("status", *status)
	}
	if dateFrom != nil {
		q.Set("dateFrom", dateFrom.String())
	}
	if dateTo != nil {
		q.Set("dateTo", dateTo.String())
	}
	var out []model.Machine
	if err := c.do(ctx, "search machines", http.MethodGet, "/api/machines/search", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Errors(ctx context.Context, id int64) ([]model.ErrorMessage, error) {
	q := url.Values{}
	q.Set("id", strconv.FormatInt(id, 10))
	var out []model.ErrorMessage
	if err := c.do(ctx, "machine errors", http.MethodGet, "/api/machines/errors", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ---------- machine commands ----------

func (c *Client) Start(ctx context.Context, id int64) error {
	return c.machineOp(ctx, "start", http.MethodGet, id)
}

func (c *Client) Stop(ctx context.Context, id int64) error {
	return c.machineOp(ctx, "stop", http.MethodGet, id)
}

func (c *Client) Restart(ctx context.Context, id int64) error {
	return c.machineOp(ctx, "restart", http.MethodGet, id)
}

func (c *Client) Destroy(ctx context.Context, id int64) error {
	return c.machineOp(ctx, "destroy", http.MethodDelete, id)
}

func (c *Client) machineOp(ctx context.Context, op, method string, id int64) error {
	path := "/api/machines/" + op + "/" + strconv.FormatInt(id, 10)
	if err := c.do(ctx, op, method, path, nil, nil, nil); err != nil {
		return &CommandError{Op: op, MachineID: id, Err: err}
	}
	return nil
}

func (c *Client) Create(ctx context.Context, name, owner string) (*model.Machine, error) {
	body := map[string]string{"name": name, "mail": owner}
	var out model.Machine
	if err := c.do(ctx, "create", http.MethodPost, "/api/machines/create", nil, body, &out); err != nil {
		return nil, &CommandError{Op: "create", Err: err}
	}
	return &out, nil
}

// Schedule asks the service to run action on machine id at the given local
// date (yyyy-mm-dd) and time (HH:MM:SS).
func (c *Client) Schedule(ctx context.Context, id int64, date, clock string, action model.Action) error {
	body := map[string]any{"id": id, "date": date, "time": clock, "action": action}
	if err := c.do(ctx, "schedule", http.MethodPost, "/api/machines/schedule", nil, body, nil); err != nil {
		return &CommandError{Op: "schedule", MachineID: id, Err: err}
	}
	return nil
}

// ---------- users and roles ----------

func (c *Client) GetRoles(ctx context.Context) ([]model.Role, error) {
	var out []model.Role
	if err := c.do(ctx, "get roles", http.MethodGet, "/api/users/get/roles", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateUser(ctx context.Context, u model.User) error {
	if err := c.do(ctx, "update user", http.MethodPut, "/api/users/update", nil, u, nil); err != nil {
		return &CommandError{Op: "update user", Err: err}
	}
	return nil
}

func (c *Client) DeleteUser(ctx context.Context, id int64) error {
	path := "/api/users/delete/" + strconv.FormatInt(id, 10)
	if err := c.do(ctx, "delete user", http.MethodDelete, path, nil, nil, nil); err != nil {
		return &CommandError{Op: "delete user", Err: err}
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
