package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/CrowderSoup/kanban/database"
)

var errUnavailable = errors.New("remote unavailable")

// flakyStore wraps a real store and fails chosen calls. Operations are keyed
// by method name; updates can also be failed for individual ids.
type flakyStore struct {
	database.Store

	mu        sync.Mutex
	failing   map[string]bool
	failingID map[int64]bool

	updates  atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
	gate     chan struct{}
}

func newFlakyStore(inner database.Store) *flakyStore {
	return &flakyStore{
		Store:     inner,
		failing:   make(map[string]bool),
		failingID: make(map[int64]bool),
	}
}

func (s *flakyStore) fail(ops ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		s.failing[op] = true
	}
}

func (s *flakyStore) failUpdatesOf(ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.failingID[id] = true
	}
}

func (s *flakyStore) heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.failing)
	clear(s.failingID)
}

func (s *flakyStore) check(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing[op] {
		return errUnavailable
	}
	return nil
}

// update tracks concurrency of position updates and blocks on gate when set
func (s *flakyStore) update(op string, id int64) error {
	s.updates.Add(1)
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if s.gate != nil {
		<-s.gate
	}

	if err := s.check(op); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failingID[id] {
		return errUnavailable
	}
	return nil
}

func (s *flakyStore) GetProject(ctx context.Context, id int64) (database.Project, error) {
	if err := s.check("GetProject"); err != nil {
		return database.Project{}, err
	}
	return s.Store.GetProject(ctx, id)
}

func (s *flakyStore) SelectLists(ctx context.Context, projectID int64, q database.Query) ([]database.List, error) {
	if err := s.check("SelectLists"); err != nil {
		return nil, err
	}
	return s.Store.SelectLists(ctx, projectID, q)
}

func (s *flakyStore) InsertList(ctx context.Context, l database.List) (database.List, error) {
	if err := s.check("InsertList"); err != nil {
		return database.List{}, err
	}
	return s.Store.InsertList(ctx, l)
}

func (s *flakyStore) UpdateList(ctx context.Context, id int64, patch database.ListPatch) (database.List, error) {
	if err := s.update("UpdateList", id); err != nil {
		return database.List{}, err
	}
	return s.Store.UpdateList(ctx, id, patch)
}

func (s *flakyStore) DeleteList(ctx context.Context, id int64) error {
	if err := s.check("DeleteList"); err != nil {
		return err
	}
	return s.Store.DeleteList(ctx, id)
}

func (s *flakyStore) SearchLists(ctx context.Context, term string) ([]database.ListMatch, error) {
	if err := s.check("SearchLists"); err != nil {
		return nil, err
	}
	return s.Store.SearchLists(ctx, term)
}

func (s *flakyStore) SelectCards(ctx context.Context, listID int64, q database.Query) ([]database.Card, error) {
	if err := s.check("SelectCards"); err != nil {
		return nil, err
	}
	return s.Store.SelectCards(ctx, listID, q)
}

func (s *flakyStore) InsertCard(ctx context.Context, c database.Card) (database.Card, error) {
	if err := s.check("InsertCard"); err != nil {
		return database.Card{}, err
	}
	return s.Store.InsertCard(ctx, c)
}

func (s *flakyStore) UpdateCard(ctx context.Context, id int64, patch database.CardPatch) (database.Card, error) {
	if err := s.update("UpdateCard", id); err != nil {
		return database.Card{}, err
	}
	return s.Store.UpdateCard(ctx, id, patch)
}

func (s *flakyStore) DeleteCard(ctx context.Context, id int64) error {
	if err := s.check("DeleteCard"); err != nil {
		return err
	}
	return s.Store.DeleteCard(ctx, id)
}

func (s *flakyStore) DeleteCardsByList(ctx context.Context, listID int64) error {
	if err := s.check("DeleteCardsByList"); err != nil {
		return err
	}
	return s.Store.DeleteCardsByList(ctx, listID)
}

// fixture is a gateway over an in-memory SQLite store with observed logs
type fixture struct {
	sqlite  *database.SQLiteStore
	store   *flakyStore
	gateway *Gateway
	logs    *observer.ObservedLogs
	logger  *zap.SugaredLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core).Sugar()

	sqlite := database.NewSQLiteStore(db)
	store := newFlakyStore(sqlite)
	return &fixture{
		sqlite:  sqlite,
		store:   store,
		gateway: NewGateway(store, logger, 4),
		logs:    logs,
		logger:  logger,
	}
}

func (f *fixture) project(t *testing.T, title string) database.Project {
	t.Helper()
	p, err := f.sqlite.InsertProject(context.Background(), database.Project{Title: title})
	require.NoError(t, err)
	return p
}

// list inserts a list directly, bypassing the gateway
func (f *fixture) list(t *testing.T, projectID int64, title string, position int) database.List {
	t.Helper()
	l, err := f.sqlite.InsertList(context.Background(), database.List{ProjectID: projectID, Title: title, Position: position})
	require.NoError(t, err)
	return l
}

// card inserts a todo card directly, bypassing the gateway
func (f *fixture) card(t *testing.T, listID int64, title string, position int) database.Card {
	t.Helper()
	c, err := f.sqlite.InsertCard(context.Background(), database.Card{
		ListID:   listID,
		Title:    title,
		Position: position,
		Status:   database.StatusTodo,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) failures() int {
	return f.logs.FilterMessage("Remote call failed").Len()
}

// recorder is a Publisher that keeps every snapshot it receives
type recorder struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

func (r *recorder) Publish(_ int64, s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snapshots...)
}

func (r *recorder) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshots[len(r.snapshots)-1]
}
