package database

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a row addressed by id does not exist
var ErrNotFound = errors.New("record not found")

// Table names shared by every Store implementation
const (
	TableProjects = "projects"
	TableLists    = "lists"
	TableCards    = "cards"
)

// Query shapes a select on lists or cards. Rows are ordered by position,
// ascending unless Descending is set. A zero Limit means no limit.
type Query struct {
	Descending bool
	Limit      int
}

// Store is the remote tabular store behind the board. Each method is a single
// call that either succeeds or fails as a whole.
type Store interface {
	ListProjects(ctx context.Context) ([]Project, error)
	GetProject(ctx context.Context, id int64) (Project, error)
	InsertProject(ctx context.Context, p Project) (Project, error)
	DeleteProject(ctx context.Context, id int64) error

	SelectLists(ctx context.Context, projectID int64, q Query) ([]List, error)
	InsertList(ctx context.Context, l List) (List, error)
	UpdateList(ctx context.Context, id int64, patch ListPatch) (List, error)
	DeleteList(ctx context.Context, id int64) error
	SearchLists(ctx context.Context, term string) ([]ListMatch, error)

	SelectCards(ctx context.Context, listID int64, q Query) ([]Card, error)
	InsertCard(ctx context.Context, c Card) (Card, error)
	UpdateCard(ctx context.Context, id int64, patch CardPatch) (Card, error)
	DeleteCard(ctx context.Context, id int64) error
	DeleteCardsByList(ctx context.Context, listID int64) error
}
