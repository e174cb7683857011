package domain

import "time"

// TaskRecord is the persisted history row of one remote provider task.
type TaskRecord struct {
	ID           string
	SessionID    string
	Title        string
	State        string
	Progress     int
	Message      string
	Polls        int
	ErrorMessage *string
	StartedAt    time.Time
	UpdatedAt    time.Time
}
