package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SearchRecord is the outcome of one background search that reached a
// terminal status.
type SearchRecord struct {
	ID              string
	TaskID          string
	Concept         string
	Disciplines     string // JSON array of names stored as text
	Status          string // "completed", "failed", "cancelled"
	TotalChunks     int
	ValidatedChunks int
	Error           string
	CreatedAt       time.Time
}

// Exchange is one finished question/answer pair from a conversation.
type Exchange struct {
	ID        string
	CreatedAt time.Time
	Concept   string
	Source    string
	Target    string
	Question  string
	Answer    string
	Status    string // "completed" or "errored"
}
