package search

import (
	"context"
	"fmt"
	"strconv"

	"cloud.google.com/go/civil"

	"fleetdash/internal/model"
)

// Query is the subset of the machine query service a search needs.
type Query interface {
	Search(ctx context.Context, owner, name string, status *string, dateFrom, dateTo *civil.Date) ([]model.Machine, error)
}

// BuildStatusFilter reduces the two status checkboxes to the query service's
// status parameter. Both checked is an explicit "RUNNING,STOPPED"; neither
// checked is nil (no constraint). With exactly one checked the value is built
// by appending each selected name with no separator, which yields that one
// name.
func BuildStatusFilter(running, stopped bool) *string {
	if running && stopped {
		s := string(model.StatusRunning) + "," + string(model.StatusStopped)
		return &s
	}
	if !running && !stopped {
		return nil
	}
	s := ""
	if running {
		s += string(model.StatusRunning)
	}
	if stopped {
		s += string(model.StatusStopped)
	}
	return &s
}

type Engine struct {
	query Query
}

func NewEngine(q Query) *Engine {
	return &Engine{query: q}
}

// Search runs c against the query service for owner. Name, date and status
// filtering all happen remotely.
func (e *Engine) Search(ctx context.Context, owner string, c model.SearchCriteria) ([]model.Machine, error) {
	status := BuildStatusFilter(c.Running, c.Stopped)
	out, err := e.query.Search(ctx, owner, c.Name, status, c.DateFrom, c.DateTo)
	if err != nil {
		return nil, fmt.Errorf("search machines: %w", err)
	}
	return out, nil
}

// Params is the read side of a request's query string.
type Params interface {
	Get(key string) string
}

// ParseCriteria reads name, running, stopped, dateFrom and dateTo. Dates use
// the yyyy-mm-dd form.
func ParseCriteria(p Params) (model.SearchCriteria, error) {
	c := model.SearchCriteria{Name: p.Get("name")}

	var err error
	if c.Running, err = parseFlag(p.Get("running")); err != nil {
		return model.SearchCriteria{}, fmt.Errorf("invalid running: %w", err)
	}
	if c.Stopped, err = parseFlag(p.Get("stopped")); err != nil {
		return model.SearchCriteria{}, fmt.Errorf("invalid stopped: %w", err)
	}
	if c.DateFrom, err = parseDate(p.Get("dateFrom")); err != nil {
		return model.SearchCriteria{}, fmt.Errorf("invalid dateFrom: %w", err)
	}
	if c.DateTo, err = parseDate(p.Get("dateTo")); err != nil {
		return model.SearchCriteria{}, fmt.Errorf("invalid dateTo: %w", err)
	}
	return c, nil
}

func parseFlag(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func parseDate(raw string) (*civil.Date, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := civil.ParseDate(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
