package model

import "cloud.google.com/go/civil"

// Status is the lifecycle state reported for a machine. Values other than
// RUNNING and STOPPED (transitional or unknown) are carried through as-is.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusStopped Status = "STOPPED"
)

func (s Status) Known() bool {
	return s == StatusRunning || s == StatusStopped
}

// Machine is one record of the current user's fleet view. ID never changes
// once the record has been fetched.
type Machine struct {
	ID           int64       `json:"id"`
	Name         string      `json:"name"`
	Status       Status      `json:"status"`
	Active       bool        `json:"active"`
	CreationDate *civil.Date `json:"creationDate,omitempty"`
}

// StatusEvent is the payload published on the machine status topic.
type StatusEvent struct {
	ID     int64  `json:"id"`
	Status Status `json:"status"`
}

type SearchCriteria struct {
	Name     string
	Running  bool
	Stopped  bool
	DateFrom *civil.Date
	DateTo   *civil.Date
}

type Role struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type User struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	LastName string `json:"lastName"`
	Mail     string `json:"mail"`
	Roles    []Role `json:"roles"`
}

// ErrorMessage records a scheduled operation that could not be carried out.
type ErrorMessage struct {
	ID      int64       `json:"id"`
	Message string      `json:"message"`
	Action  string      `json:"action"`
	Date    *civil.Date `json:"date,omitempty"`
}

// Action names an operation that can be scheduled for later execution.
type Action string

const (
	ActionStart   Action = "Start"
	ActionStop    Action = "Stop"
	ActionRestart Action = "Restart"
)

func (a Action) Valid() bool {
	switch a {
	case ActionStart, ActionStop, ActionRestart:
		return true
	}
	return false
}
