package library

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"stacked/searchservice/internal/domain"
)

var (
	ErrNotFound     = errors.New("library entry not found")
	ErrInvalidEntry = errors.New("invalid library entry")
)

type Status string

const (
	StatusPlanned    Status = "planned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusDropped    Status = "dropped"
	StatusOnHold     Status = "on_hold"
)

var AllStatuses = []Status{StatusPlanned, StatusInProgress, StatusCompleted, StatusDropped, StatusOnHold}

func ParseStatus(raw string) (Status, bool) {
	value := Status(strings.ToLower(strings.TrimSpace(raw)))
	for _, status := range AllStatuses {
		if status == value {
			return status, true
		}
	}
	return "", false
}

// Entry is one item the user keeps in their library. (ExternalSource,
// ExternalID) identifies the catalog record it was added from.
type Entry struct {
	ID             string           `json:"id"`
	ExternalSource string           `json:"externalSource"`
	ExternalID     string           `json:"externalId"`
	Type           domain.MediaType `json:"type"`
	Title          string           `json:"title"`
	Subtitle       string           `json:"subtitle,omitempty"`
	CoverURL       string           `json:"coverUrl,omitempty"`
	Year           int              `json:"year,omitempty"`
	Status         Status           `json:"status"`
	Rating         *float64         `json:"rating,omitempty"`
	Notes          string           `json:"notes,omitempty"`
	Collection     string           `json:"collection,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
}

// ResultID returns the search result id this entry corresponds to.
func (e Entry) ResultID() string {
	return domain.ResultID(e.ExternalSource, e.Type, e.ExternalID)
}

// EntryFromResult seeds an entry from a normalized search result.
func EntryFromResult(result domain.SearchResult, status Status) Entry {
	return Entry{
		ExternalSource: result.ExternalSource,
		ExternalID:     result.ExternalID,
		Type:           result.Type,
		Title:          result.Title,
		Subtitle:       result.Subtitle,
		CoverURL:       result.CoverURL,
		Year:           result.Year,
		Status:         status,
	}
}

// Patch holds the user-editable fields of an entry. Nil fields are kept.
type Patch struct {
	Status      *Status  `json:"status"`
	Rating      *float64 `json:"rating"`
	ClearRating bool     `json:"clearRating"`
	Notes       *string  `json:"notes"`
	Collection  *string  `json:"collection"`
}

type Filter struct {
	Type       domain.MediaType
	Status     Status
	Collection string
	Limit      int
	Offset     int
}

type Stats struct {
	Total             int                      `json:"total"`
	ByType            map[domain.MediaType]int `json:"byType"`
	ByStatus          map[Status]int           `json:"byStatus"`
	AverageRating     *float64                 `json:"averageRating,omitempty"`
	CompletedThisYear int                      `json:"completedThisYear"`
}

func (e *Entry) normalize() error {
	e.ExternalSource = strings.ToLower(strings.TrimSpace(e.ExternalSource))
	e.ExternalID = strings.TrimSpace(e.ExternalID)
	e.Title = strings.TrimSpace(e.Title)
	e.Subtitle = strings.TrimSpace(e.Subtitle)
	e.CoverURL = strings.TrimSpace(e.CoverURL)
	e.Notes = strings.TrimSpace(e.Notes)
	e.Collection = strings.TrimSpace(e.Collection)

	if e.ExternalSource == "" || e.ExternalID == "" {
		return fmt.Errorf("%w: externalSource and externalId are required", ErrInvalidEntry)
	}
	if e.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidEntry)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, e.Type)
	}
	if e.Status == "" {
		e.Status = StatusPlanned
	}
	status, ok := ParseStatus(string(e.Status))
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEntry, e.Status)
	}
	e.Status = status
	if e.Rating != nil && (*e.Rating < 0 || *e.Rating > float64(domain.RatingScale)) {
		return fmt.Errorf("%w: rating must be between 0 and %v", ErrInvalidEntry, float64(domain.RatingScale))
	}
	return nil
}
