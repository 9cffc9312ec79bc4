package services

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/CrowderSoup/kanban/database"
	"github.com/CrowderSoup/kanban/metrics"
)

// CardDraft holds the user supplied fields of a new card. Status and
// completion are not part of it: new cards always start as todo.
type CardDraft struct {
	Title       string         `json:"title"`
	Description *string        `json:"description,omitempty"`
	DueDate     *database.Date `json:"due_date,omitempty"`
}

// Gateway persists list and card mutations to the remote store.
//
// Every call fails soft: a failure is logged and counted, and the caller only
// sees ok == false or an empty collection. Callers must leave local state
// untouched when ok is false.
type Gateway struct {
	store       database.Store
	logger      *zap.SugaredLogger
	maxInFlight int
}

func NewGateway(store database.Store, logger *zap.SugaredLogger, maxInFlight int) *Gateway {
	return &Gateway{
		store:       store,
		logger:      logger,
		maxInFlight: maxInFlight,
	}
}

// failed records the call and reports whether it went wrong
func (g *Gateway) failed(table, operation string, start time.Time, err error, keysAndValues ...any) bool {
	metrics.ObserveCall(table, operation, time.Since(start), err)
	if err == nil {
		return false
	}
	fields := append([]any{"table", table, "operation", operation, "error", err}, keysAndValues...)
	g.logger.Errorw("Remote call failed", fields...)
	return true
}

// Projects

func (g *Gateway) LoadProjects(ctx context.Context) []database.Project {
	start := time.Now()
	projects, err := g.store.ListProjects(ctx)
	if g.failed(database.TableProjects, "select", start, err) {
		return []database.Project{}
	}
	return projects
}

func (g *Gateway) LoadProjectDetails(ctx context.Context, projectID int64) (database.Project, bool) {
	start := time.Now()
	project, err := g.store.GetProject(ctx, projectID)
	if g.failed(database.TableProjects, "select", start, err, "project_id", projectID) {
		return database.Project{}, false
	}
	return project, true
}

func (g *Gateway) CreateProject(ctx context.Context, title, description string) (database.Project, bool) {
	start := time.Now()
	project, err := g.store.InsertProject(ctx, database.Project{
		Title:       strings.TrimSpace(title),
		Description: strings.TrimSpace(description),
	})
	if g.failed(database.TableProjects, "insert", start, err) {
		return database.Project{}, false
	}
	g.logger.Infof("Created project %d %q", project.ID, project.Title)
	return project, true
}

func (g *Gateway) DeleteProject(ctx context.Context, projectID int64) bool {
	start := time.Now()
	err := g.store.DeleteProject(ctx, projectID)
	return !g.failed(database.TableProjects, "delete", start, err, "project_id", projectID)
}

// Lists

func (g *Gateway) LoadLists(ctx context.Context, projectID int64) []database.List {
	lists, _ := g.TryLoadLists(ctx, projectID)
	return lists
}

// TryLoadLists is LoadLists that also reports whether the read succeeded,
// so an empty project can be told apart from a failed read.
func (g *Gateway) TryLoadLists(ctx context.Context, projectID int64) ([]database.List, bool) {
	start := time.Now()
	lists, err := g.store.SelectLists(ctx, projectID, database.Query{})
	if g.failed(database.TableLists, "select", start, err, "project_id", projectID) {
		return []database.List{}, false
	}
	return lists, true
}

// nextListPosition is one past the highest list position in the project, or 0
func (g *Gateway) nextListPosition(ctx context.Context, projectID int64) (int, bool) {
	start := time.Now()
	top, err := g.store.SelectLists(ctx, projectID, database.Query{Descending: true, Limit: 1})
	if g.failed(database.TableLists, "select", start, err, "project_id", projectID) {
		return 0, false
	}
	if len(top) == 0 {
		return 0, true
	}
	return top[0].Position + 1, true
}

func (g *Gateway) CreateList(ctx context.Context, title string, projectID int64) (database.List, bool) {
	position, ok := g.nextListPosition(ctx, projectID)
	if !ok {
		return database.List{}, false
	}

	start := time.Now()
	list, err := g.store.InsertList(ctx, database.List{
		Title:     title,
		ProjectID: projectID,
		Position:  position,
	})
	if g.failed(database.TableLists, "insert", start, err, "project_id", projectID) {
		return database.List{}, false
	}
	return list, true
}

func (g *Gateway) UpdateList(ctx context.Context, id int64, patch database.ListPatch) (database.List, bool) {
	start := time.Now()
	list, err := g.store.UpdateList(ctx, id, patch)
	if g.failed(database.TableLists, "update", start, err, "list_id", id) {
		return database.List{}, false
	}
	return list, true
}

// DeleteList removes the list's cards and then the list itself. If the cards
// cannot be removed the list is kept.
func (g *Gateway) DeleteList(ctx context.Context, id int64) bool {
	start := time.Now()
	err := g.store.DeleteCardsByList(ctx, id)
	if g.failed(database.TableCards, "delete", start, err, "list_id", id) {
		return false
	}

	start = time.Now()
	err = g.store.DeleteList(ctx, id)
	return !g.failed(database.TableLists, "delete", start, err, "list_id", id)
}

func (g *Gateway) SearchLists(ctx context.Context, term string) []database.ListMatch {
	term = strings.TrimSpace(term)
	if term == "" {
		return []database.ListMatch{}
	}

	start := time.Now()
	matches, err := g.store.SearchLists(ctx, term)
	if g.failed(database.TableLists, "search", start, err, "term", term) {
		return []database.ListMatch{}
	}
	return matches
}

// Cards

func (g *Gateway) LoadCards(ctx context.Context, listID int64) []database.Card {
	cards, _ := g.TryLoadCards(ctx, listID)
	return cards
}

func (g *Gateway) TryLoadCards(ctx context.Context, listID int64) ([]database.Card, bool) {
	start := time.Now()
	cards, err := g.store.SelectCards(ctx, listID, database.Query{})
	if g.failed(database.TableCards, "select", start, err, "list_id", listID) {
		return []database.Card{}, false
	}
	return cards, true
}

func (g *Gateway) nextCardPosition(ctx context.Context, listID int64) (int, bool) {
	start := time.Now()
	top, err := g.store.SelectCards(ctx, listID, database.Query{Descending: true, Limit: 1})
	if g.failed(database.TableCards, "select", start, err, "list_id", listID) {
		return 0, false
	}
	if len(top) == 0 {
		return 0, true
	}
	return top[0].Position + 1, true
}

func (g *Gateway) CreateCard(ctx context.Context, listID int64, draft CardDraft) (database.Card, bool) {
	position, ok := g.nextCardPosition(ctx, listID)
	if !ok {
		return database.Card{}, false
	}

	start := time.Now()
	card, err := g.store.InsertCard(ctx, database.Card{
		ListID:      listID,
		Title:       draft.Title,
		Description: draft.Description,
		DueDate:     draft.DueDate,
		Position:    position,
		IsCompleted: false,
		Status:      database.StatusTodo,
	})
	if g.failed(database.TableCards, "insert", start, err, "list_id", listID) {
		return database.Card{}, false
	}
	return card, true
}

// UpdateCard applies a partial update. Status and completion are kept in step
// before the patch is sent.
func (g *Gateway) UpdateCard(ctx context.Context, id int64, patch database.CardPatch) (database.Card, bool) {
	start := time.Now()
	card, err := g.store.UpdateCard(ctx, id, patch.Normalize())
	if g.failed(database.TableCards, "update", start, err, "card_id", id) {
		return database.Card{}, false
	}
	return card, true
}

func (g *Gateway) DeleteCard(ctx context.Context, id int64) bool {
	start := time.Now()
	err := g.store.DeleteCard(ctx, id)
	return !g.failed(database.TableCards, "delete", start, err, "card_id", id)
}

// Position batches

// DispatchLists sends one list update per intent, concurrently
func (g *Gateway) DispatchLists(ctx context.Context, intents []Intent) *Batch[database.List] {
	return dispatch(ctx, g.maxInFlight, intents, func(ctx context.Context, intent Intent) (database.List, bool) {
		return g.UpdateList(ctx, intent.ID, intent.ListPatch())
	})
}

// DispatchCards sends one card update per intent, concurrently
func (g *Gateway) DispatchCards(ctx context.Context, intents []Intent) *Batch[database.Card] {
	return dispatch(ctx, g.maxInFlight, intents, func(ctx context.Context, intent Intent) (database.Card, bool) {
		return g.UpdateCard(ctx, intent.ID, intent.CardPatch())
	})
}
