package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/mattn/go-sqlite3"
)

const (
	projectColumns = "id, title, description, created_at"
	listColumns    = "id, title, project_id, position, created_at"
	cardColumns    = "id, list_id, title, description, due_date, position, is_completed, status, created_at"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS lists (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		position INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS lists_project_position ON lists (project_id, position)`,
	`CREATE TABLE IF NOT EXISTS cards (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		list_id INTEGER NOT NULL REFERENCES lists(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		description TEXT,
		due_date DATE,
		position INTEGER NOT NULL DEFAULT 0,
		is_completed BOOLEAN NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'todo'
			CHECK (status IN ('todo', 'in_progress', 'review', 'done')),
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS cards_list_position ON cards (list_id, position)`,
}

// InitDB opens the SQLite database at path and creates the board tables.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; one connection also keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return db, nil
}

// SQLiteStore implements Store on a local SQLite database
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// timestamp accepts created_at both as a parsed time and as raw text, since
// RETURNING columns carry no declared type for the driver to convert on.
type timestamp struct {
	t *time.Time
}

func (ts timestamp) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*ts.t = v
		return nil
	case []byte:
		return ts.Scan(string(v))
	case string:
		for _, layout := range sqlite3.SQLiteTimestampFormats {
			if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
				*ts.t = t
				return nil
			}
		}
		return fmt.Errorf("unrecognized timestamp %q", v)
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
}

func scanProject(row rowScanner) (Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Title, &p.Description, timestamp{&p.CreatedAt})
	return p, err
}

func scanList(row rowScanner) (List, error) {
	var l List
	err := row.Scan(&l.ID, &l.Title, &l.ProjectID, &l.Position, timestamp{&l.CreatedAt})
	return l, err
}

func scanCard(row rowScanner) (Card, error) {
	var c Card
	err := row.Scan(&c.ID, &c.ListID, &c.Title, &c.Description, &c.DueDate,
		&c.Position, &c.IsCompleted, &c.Status, timestamp{&c.CreatedAt})
	return c, err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func collect[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) query(ctx context.Context, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return s.db.QueryContext(ctx, query, args...)
}

func (s *SQLiteStore) queryRow(ctx context.Context, b sq.Sqlizer) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return s.db.QueryRowContext(ctx, query, args...), nil
}

func (s *SQLiteStore) exec(ctx context.Context, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build statement: %w", err)
	}
	return s.db.ExecContext(ctx, query, args...)
}

func positionOrder(q Query) string {
	if q.Descending {
		return "position DESC"
	}
	return "position ASC"
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.query(ctx, sq.Select(projectColumns).From(TableProjects).OrderBy("created_at DESC", "id DESC"))
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	projects, err := collect(rows, scanProject)
	if err != nil {
		return nil, fmt.Errorf("failed to scan projects: %w", err)
	}
	return projects, nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id int64) (Project, error) {
	row, err := s.queryRow(ctx, sq.Select(projectColumns).From(TableProjects).Where(sq.Eq{"id": id}))
	if err != nil {
		return Project{}, err
	}
	p, err := scanProject(row)
	if err != nil {
		return Project{}, fmt.Errorf("failed to query project %d: %w", id, notFound(err))
	}
	return p, nil
}

func (s *SQLiteStore) InsertProject(ctx context.Context, p Project) (Project, error) {
	row, err := s.queryRow(ctx, sq.Insert(TableProjects).
		Columns("title", "description").
		Values(p.Title, p.Description).
		Suffix("RETURNING "+projectColumns))
	if err != nil {
		return Project{}, err
	}
	created, err := scanProject(row)
	if err != nil {
		return Project{}, fmt.Errorf("failed to insert project: %w", err)
	}
	return created, nil
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, sq.Delete(TableProjects).Where(sq.Eq{"id": id})); err != nil {
		return fmt.Errorf("failed to delete project %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) SelectLists(ctx context.Context, projectID int64, q Query) ([]List, error) {
	b := sq.Select(listColumns).From(TableLists).
		Where(sq.Eq{"project_id": projectID}).
		OrderBy(positionOrder(q), "id ASC")
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}
	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("failed to query lists: %w", err)
	}
	lists, err := collect(rows, scanList)
	if err != nil {
		return nil, fmt.Errorf("failed to scan lists: %w", err)
	}
	return lists, nil
}

func (s *SQLiteStore) InsertList(ctx context.Context, l List) (List, error) {
	row, err := s.queryRow(ctx, sq.Insert(TableLists).
		Columns("title", "project_id", "position").
		Values(l.Title, l.ProjectID, l.Position).
		Suffix("RETURNING "+listColumns))
	if err != nil {
		return List{}, err
	}
	created, err := scanList(row)
	if err != nil {
		return List{}, fmt.Errorf("failed to insert list: %w", err)
	}
	return created, nil
}

func (s *SQLiteStore) UpdateList(ctx context.Context, id int64, patch ListPatch) (List, error) {
	set := map[string]any{}
	if patch.Title != nil {
		set["title"] = *patch.Title
	}
	if patch.Position != nil {
		set["position"] = *patch.Position
	}

	var b sq.Sqlizer = sq.Select(listColumns).From(TableLists).Where(sq.Eq{"id": id})
	if len(set) > 0 {
		b = sq.Update(TableLists).SetMap(set).Where(sq.Eq{"id": id}).Suffix("RETURNING " + listColumns)
	}
	row, err := s.queryRow(ctx, b)
	if err != nil {
		return List{}, err
	}
	updated, err := scanList(row)
	if err != nil {
		return List{}, fmt.Errorf("failed to update list %d: %w", id, notFound(err))
	}
	return updated, nil
}

func (s *SQLiteStore) DeleteList(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, sq.Delete(TableLists).Where(sq.Eq{"id": id})); err != nil {
		return fmt.Errorf("failed to delete list %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) SearchLists(ctx context.Context, term string) ([]ListMatch, error) {
	rows, err := s.query(ctx, sq.Select(
		"l.id", "l.title", "l.project_id", "l.position", "l.created_at", "p.title").
		From(TableLists+" l").
		Join(TableProjects+" p ON p.id = l.project_id").
		Where(sq.Like{"l.title": "%" + term + "%"}).
		OrderBy("l.created_at DESC", "l.id DESC"))
	if err != nil {
		return nil, fmt.Errorf("failed to search lists: %w", err)
	}
	matches, err := collect(rows, func(row rowScanner) (ListMatch, error) {
		var m ListMatch
		err := row.Scan(&m.ID, &m.Title, &m.ProjectID, &m.Position, timestamp{&m.CreatedAt}, &m.ProjectTitle)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan search results: %w", err)
	}
	return matches, nil
}

func (s *SQLiteStore) SelectCards(ctx context.Context, listID int64, q Query) ([]Card, error) {
	b := sq.Select(cardColumns).From(TableCards).
		Where(sq.Eq{"list_id": listID}).
		OrderBy(positionOrder(q), "id ASC")
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}
	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards: %w", err)
	}
	cards, err := collect(rows, scanCard)
	if err != nil {
		return nil, fmt.Errorf("failed to scan cards: %w", err)
	}
	return cards, nil
}

func (s *SQLiteStore) InsertCard(ctx context.Context, c Card) (Card, error) {
	row, err := s.queryRow(ctx, sq.Insert(TableCards).
		Columns("list_id", "title", "description", "due_date", "position", "is_completed", "status").
		Values(c.ListID, c.Title, c.Description, c.DueDate, c.Position, c.IsCompleted, string(c.Status)).
		Suffix("RETURNING "+cardColumns))
	if err != nil {
		return Card{}, err
	}
	created, err := scanCard(row)
	if err != nil {
		return Card{}, fmt.Errorf("failed to insert card: %w", err)
	}
	return created, nil
}

func cardSetMap(patch CardPatch) map[string]any {
	set := map[string]any{}
	if patch.ListID != nil {
		set["list_id"] = *patch.ListID
	}
	if patch.Title != nil {
		set["title"] = *patch.Title
	}
	if patch.Description != nil {
		set["description"] = *patch.Description
	}
	if patch.DueDate != nil {
		set["due_date"] = *patch.DueDate
	}
	if patch.Position != nil {
		set["position"] = *patch.Position
	}
	if patch.Status != nil {
		set["status"] = string(*patch.Status)
	}
	if patch.IsCompleted != nil {
		set["is_completed"] = *patch.IsCompleted
	}
	return set
}

func (s *SQLiteStore) UpdateCard(ctx context.Context, id int64, patch CardPatch) (Card, error) {
	set := cardSetMap(patch)

	var b sq.Sqlizer = sq.Select(cardColumns).From(TableCards).Where(sq.Eq{"id": id})
	if len(set) > 0 {
		b = sq.Update(TableCards).SetMap(set).Where(sq.Eq{"id": id}).Suffix("RETURNING " + cardColumns)
	}
	row, err := s.queryRow(ctx, b)
	if err != nil {
		return Card{}, err
	}
	updated, err := scanCard(row)
	if err != nil {
		return Card{}, fmt.Errorf("failed to update card %d: %w", id, notFound(err))
	}
	return updated, nil
}

func (s *SQLiteStore) DeleteCard(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, sq.Delete(TableCards).Where(sq.Eq{"id": id})); err != nil {
		return fmt.Errorf("failed to delete card %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteCardsByList(ctx context.Context, listID int64) error {
	if _, err := s.exec(ctx, sq.Delete(TableCards).Where(sq.Eq{"list_id": listID})); err != nil {
		return fmt.Errorf("failed to delete cards of list %d: %w", listID, err)
	}
	return nil
}
