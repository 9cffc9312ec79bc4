package database

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

// CardStatus is the workflow state of a card
type CardStatus string

const (
	StatusTodo       CardStatus = "todo"
	StatusInProgress CardStatus = "in_progress"
	StatusReview     CardStatus = "review"
	StatusDone       CardStatus = "done"
)

// CardStatuses lists every status in board order
var CardStatuses = []CardStatus{StatusTodo, StatusInProgress, StatusReview, StatusDone}

// ParseCardStatus validates a status string
func ParseCardStatus(s string) (CardStatus, error) {
	for _, status := range CardStatuses {
		if string(status) == s {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown card status %q", s)
}

type Project struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type List struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	ProjectID int64     `json:"project_id"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

func (l List) GetID() int64     { return l.ID }
func (l List) GetPosition() int { return l.Position }

type Card struct {
	ID          int64      `json:"id"`
	ListID      int64      `json:"list_id"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	DueDate     *Date      `json:"due_date"`
	Position    int        `json:"position"`
	IsCompleted bool       `json:"is_completed"`
	Status      CardStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (c Card) GetID() int64     { return c.ID }
func (c Card) GetPosition() int { return c.Position }

// ListMatch is a search hit carrying the title of the list's project
type ListMatch struct {
	List
	ProjectTitle string `json:"project_title"`
}

// ListPatch is a partial list update. Nil fields are left untouched.
type ListPatch struct {
	Title    *string `json:"title,omitempty"`
	Position *int    `json:"position,omitempty"`
}

// CardPatch is a partial card update. Nil fields are left untouched.
type CardPatch struct {
	ListID      *int64      `json:"list_id,omitempty"`
	Title       *string     `json:"title,omitempty"`
	Description *string     `json:"description,omitempty"`
	DueDate     *Date       `json:"due_date,omitempty"`
	Position    *int        `json:"position,omitempty"`
	Status      *CardStatus `json:"status,omitempty"`
	IsCompleted *bool       `json:"is_completed,omitempty"`
}

// Normalize keeps is_completed equivalent to status == done. A status wins over
// an explicit completion flag; a lone completion flag picks done or todo.
func (p CardPatch) Normalize() CardPatch {
	switch {
	case p.Status != nil:
		completed := *p.Status == StatusDone
		p.IsCompleted = &completed
	case p.IsCompleted != nil:
		status := StatusTodo
		if *p.IsCompleted {
			status = StatusDone
		}
		p.Status = &status
	}
	return p
}

// Empty reports whether the patch changes nothing
func (p CardPatch) Empty() bool {
	return p.ListID == nil && p.Title == nil && p.Description == nil && p.DueDate == nil &&
		p.Position == nil && p.Status == nil && p.IsCompleted == nil
}

// Empty reports whether the patch changes nothing
func (p ListPatch) Empty() bool {
	return p.Title == nil && p.Position == nil
}

const dateLayout = "2006-01-02"

// Date is a calendar day without a time component
type Date struct {
	time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func ParseDate(s string) (Date, error) {
	// Accept full timestamps too; some drivers hand dates back that way
	if len(s) > len(dateLayout) {
		s = s[:len(dateLayout)]
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date{t}, nil
}

func (d Date) String() string {
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Value stores the date as YYYY-MM-DD text
func (d Date) Value() (driver.Value, error) {
	return d.String(), nil
}

func (d *Date) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*d = Date{time.Date(v.Year(), v.Month(), v.Day(), 0, 0, 0, 0, time.UTC)}
		return nil
	case string:
		parsed, err := ParseDate(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case []byte:
		return d.Scan(string(v))
	default:
		return fmt.Errorf("cannot scan %T into Date", src)
	}
}
