package services

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/CrowderSoup/kanban/database"
)

var (
	// ErrRemote means the remote store did not accept the change; local state is unchanged
	ErrRemote = errors.New("remote store rejected the change")

	ErrUnknownProject = errors.New("unknown project")
	ErrUnknownList    = errors.New("unknown list")
	ErrUnknownCard    = errors.New("unknown card")
	ErrEmptyTitle     = errors.New("title must not be empty")
)

// Publisher receives a fresh snapshot after every change to a board
type Publisher interface {
	Publish(projectID int64, snapshot Snapshot)
}

// Snapshot is a copy of a board's state, safe to hand to the presentation layer.
// Confirmed is false while position updates are still in flight.
type Snapshot struct {
	Project   database.Project          `json:"project"`
	Lists     []database.List           `json:"lists"`
	Cards     map[int64][]database.Card `json:"cards"`
	Confirmed bool                      `json:"confirmed"`
}

// CardMove is a drag of a card from one list (or position) to another
type CardMove struct {
	SourceListID int64 `json:"sourceListId"`
	DestListID   int64 `json:"destListId"`
	FromIndex    int   `json:"fromIndex"`
	ToIndex      int   `json:"toIndex"`
}

// Board is the state container for one project: its ordered lists and the
// cards of each list. Presentation code reads snapshots and changes the board
// only through its methods.
type Board struct {
	projectID int64
	gateway   *Gateway
	publisher Publisher
	logger    *zap.SugaredLogger

	publishMu sync.Mutex

	mu      sync.Mutex
	project database.Project
	lists   []database.List
	cards   map[int64][]database.Card
	pending int
}

func NewBoard(projectID int64, gateway *Gateway, publisher Publisher, logger *zap.SugaredLogger) *Board {
	return &Board{
		projectID: projectID,
		gateway:   gateway,
		publisher: publisher,
		logger:    logger.With("project_id", projectID),
		cards:     make(map[int64][]database.Card),
	}
}

func (b *Board) ProjectID() int64 {
	return b.projectID
}

// Load replaces local state with what the store holds. Cards of all lists are
// fetched concurrently. If any read fails the current state is kept and
// ErrRemote is returned.
func (b *Board) Load(ctx context.Context) error {
	project, ok := b.gateway.LoadProjectDetails(ctx, b.projectID)
	if !ok {
		return fmt.Errorf("project %d: %w", b.projectID, ErrUnknownProject)
	}
	lists, ok := b.gateway.TryLoadLists(ctx, b.projectID)
	if !ok {
		return fmt.Errorf("load lists of project %d: %w", b.projectID, ErrRemote)
	}

	cards := make([][]database.Card, len(lists))
	var g errgroup.Group
	g.SetLimit(8)
	for i, list := range lists {
		g.Go(func() error {
			var ok bool
			if cards[i], ok = b.gateway.TryLoadCards(ctx, list.ID); !ok {
				return fmt.Errorf("load cards of list %d: %w", list.ID, ErrRemote)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	b.mu.Lock()
	b.project = project
	b.lists = lists
	b.cards = make(map[int64][]database.Card, len(lists))
	for i, list := range lists {
		b.cards[list.ID] = cards[i]
	}
	b.mu.Unlock()

	b.logger.Debugf("Loaded board with %d lists", len(lists))
	b.publish()
	return nil
}

// Snapshot returns a deep copy of the current state
func (b *Board) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Board) snapshotLocked() Snapshot {
	s := Snapshot{
		Project:   b.project,
		Lists:     slices.Clone(b.lists),
		Cards:     make(map[int64][]database.Card, len(b.cards)),
		Confirmed: b.pending == 0,
	}
	if s.Lists == nil {
		s.Lists = []database.List{}
	}
	for listID, cards := range b.cards {
		copied := make([]database.Card, len(cards))
		copy(copied, cards)
		s.Cards[listID] = copied
	}
	return s
}

// publish sends the current state. publishMu keeps snapshots leaving in the
// order they were taken.
func (b *Board) publish() {
	if b.publisher == nil {
		return
	}
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	b.publisher.Publish(b.projectID, b.Snapshot())
}

func (b *Board) listIndexLocked(id int64) int {
	return slices.IndexFunc(b.lists, func(l database.List) bool { return l.ID == id })
}

func (b *Board) hasList(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listIndexLocked(id) >= 0
}

// findCardLocked returns the list holding the card and its index there
func (b *Board) findCardLocked(id int64) (int64, int, bool) {
	for listID, cards := range b.cards {
		if i := slices.IndexFunc(cards, func(c database.Card) bool { return c.ID == id }); i >= 0 {
			return listID, i, true
		}
	}
	return 0, 0, false
}

func byPosition[T Orderable](a, b T) int {
	return cmp.Compare(a.GetPosition(), b.GetPosition())
}

// Lists

func (b *Board) CreateList(ctx context.Context, title string) (database.List, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return database.List{}, ErrEmptyTitle
	}

	list, ok := b.gateway.CreateList(ctx, title, b.projectID)
	if !ok {
		return database.List{}, ErrRemote
	}

	b.mu.Lock()
	b.lists = append(b.lists, list)
	b.cards[list.ID] = []database.Card{}
	b.mu.Unlock()

	b.publish()
	return list, nil
}

// UpdateList applies a partial update and replaces the local list with the
// record the store returns.
func (b *Board) UpdateList(ctx context.Context, id int64, patch database.ListPatch) (database.List, error) {
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return database.List{}, ErrEmptyTitle
	}
	if !b.hasList(id) {
		return database.List{}, fmt.Errorf("list %d: %w", id, ErrUnknownList)
	}

	list, ok := b.gateway.UpdateList(ctx, id, patch)
	if !ok {
		return database.List{}, ErrRemote
	}

	b.mu.Lock()
	if i := b.listIndexLocked(id); i >= 0 {
		b.lists[i] = list
		if patch.Position != nil {
			slices.SortStableFunc(b.lists, byPosition[database.List])
		}
	}
	b.mu.Unlock()

	b.publish()
	return list, nil
}

// DeleteList removes the list and forgets every card cached under it
func (b *Board) DeleteList(ctx context.Context, id int64) error {
	if !b.hasList(id) {
		return fmt.Errorf("list %d: %w", id, ErrUnknownList)
	}
	if !b.gateway.DeleteList(ctx, id) {
		return ErrRemote
	}

	b.mu.Lock()
	b.lists = slices.DeleteFunc(b.lists, func(l database.List) bool { return l.ID == id })
	delete(b.cards, id)
	b.mu.Unlock()

	b.publish()
	return nil
}

// MoveList reorders the board's lists. Local order changes immediately; the
// call returns once every position update has resolved.
func (b *Board) MoveList(ctx context.Context, from, to int) (BatchResult[database.List], error) {
	b.mu.Lock()
	lists, intents, err := ReorderLists(b.lists, from, to)
	if err != nil {
		b.mu.Unlock()
		return BatchResult[database.List]{}, err
	}
	if len(intents) == 0 {
		b.mu.Unlock()
		return BatchResult[database.List]{}, nil
	}
	for i := range lists {
		lists[i].Position = i
	}
	b.lists = lists
	b.pending++
	b.mu.Unlock()
	b.publish()

	result := b.gateway.DispatchLists(ctx, intents).Wait()

	b.mu.Lock()
	for _, o := range result.Outcomes {
		if !o.OK {
			continue
		}
		if i := b.listIndexLocked(o.Record.ID); i >= 0 {
			b.lists[i] = *o.Record
		}
	}
	b.pending--
	b.mu.Unlock()

	if failed := result.Failed(); len(failed) > 0 {
		b.logger.Warnf("%d of %d list position updates failed; board differs from the store until reload", len(failed), len(intents))
	}
	b.publish()
	return result, nil
}

// Cards

func (b *Board) CreateCard(ctx context.Context, listID int64, draft CardDraft) (database.Card, error) {
	draft.Title = strings.TrimSpace(draft.Title)
	if draft.Title == "" {
		return database.Card{}, ErrEmptyTitle
	}
	if !b.hasList(listID) {
		return database.Card{}, fmt.Errorf("list %d: %w", listID, ErrUnknownList)
	}

	card, ok := b.gateway.CreateCard(ctx, listID, draft)
	if !ok {
		return database.Card{}, ErrRemote
	}

	b.mu.Lock()
	b.cards[listID] = append(b.cards[listID], card)
	b.mu.Unlock()

	b.publish()
	return card, nil
}

// UpdateCard applies a partial update and replaces the local card with the
// record the store returns, moving it if its list changed.
func (b *Board) UpdateCard(ctx context.Context, id int64, patch database.CardPatch) (database.Card, error) {
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return database.Card{}, ErrEmptyTitle
	}
	b.mu.Lock()
	_, _, found := b.findCardLocked(id)
	targetKnown := patch.ListID == nil || b.listIndexLocked(*patch.ListID) >= 0
	b.mu.Unlock()
	if !found {
		return database.Card{}, fmt.Errorf("card %d: %w", id, ErrUnknownCard)
	}
	if !targetKnown {
		return database.Card{}, fmt.Errorf("list %d: %w", *patch.ListID, ErrUnknownList)
	}

	card, ok := b.gateway.UpdateCard(ctx, id, patch)
	if !ok {
		return database.Card{}, ErrRemote
	}

	b.mu.Lock()
	b.relocateCardLocked(card, patch.Position != nil)
	b.mu.Unlock()

	b.publish()
	return card, nil
}

func (b *Board) relocateCardLocked(card database.Card, resort bool) {
	listID, i, found := b.findCardLocked(card.ID)
	if found && listID == card.ListID {
		b.cards[listID][i] = card
	} else {
		if found {
			b.cards[listID] = slices.Delete(b.cards[listID], i, i+1)
		}
		if _, known := b.cards[card.ListID]; !known {
			return
		}
		b.cards[card.ListID] = append(b.cards[card.ListID], card)
		resort = true
	}
	if resort {
		slices.SortStableFunc(b.cards[card.ListID], byPosition[database.Card])
	}
}

// SetCardStatus changes a card's status; completion follows the status
func (b *Board) SetCardStatus(ctx context.Context, id int64, status database.CardStatus) (database.Card, error) {
	return b.UpdateCard(ctx, id, database.CardPatch{Status: &status})
}

// DeleteCard removes a card from the store and from the given list's cache
func (b *Board) DeleteCard(ctx context.Context, id, listID int64) error {
	b.mu.Lock()
	cachedIn, _, found := b.findCardLocked(id)
	b.mu.Unlock()
	if !found || cachedIn != listID {
		return fmt.Errorf("card %d in list %d: %w", id, listID, ErrUnknownCard)
	}

	if !b.gateway.DeleteCard(ctx, id) {
		return ErrRemote
	}

	b.mu.Lock()
	b.cards[listID] = slices.DeleteFunc(b.cards[listID], func(c database.Card) bool { return c.ID == id })
	b.mu.Unlock()

	b.publish()
	return nil
}

// MoveCard applies a card drag within a list or across lists. Local state
// changes immediately; the call returns once every position update has
// resolved. Confirmed records from the store replace the local ones.
func (b *Board) MoveCard(ctx context.Context, move CardMove) (BatchResult[database.Card], error) {
	b.mu.Lock()
	src, ok := b.cards[move.SourceListID]
	if !ok {
		b.mu.Unlock()
		return BatchResult[database.Card]{}, fmt.Errorf("list %d: %w", move.SourceListID, ErrUnknownList)
	}

	var intents []Intent
	if move.SourceListID == move.DestListID {
		cards, reordered, err := ReorderWithinCollection(src, move.FromIndex, move.ToIndex)
		if err != nil {
			b.mu.Unlock()
			return BatchResult[database.Card]{}, err
		}
		for i := range cards {
			cards[i].Position = i
		}
		b.cards[move.SourceListID] = cards
		intents = reordered
	} else {
		dst, ok := b.cards[move.DestListID]
		if !ok {
			b.mu.Unlock()
			return BatchResult[database.Card]{}, fmt.Errorf("list %d: %w", move.DestListID, ErrUnknownList)
		}
		newSrc, newDst, moved, err := MoveBetweenCollections(src, dst, move.FromIndex, move.ToIndex, move.DestListID)
		if err != nil {
			b.mu.Unlock()
			return BatchResult[database.Card]{}, err
		}
		for i := range newDst {
			newDst[i].Position = i
		}
		newDst[move.ToIndex].ListID = move.DestListID
		b.cards[move.SourceListID] = newSrc
		b.cards[move.DestListID] = newDst
		intents = moved
	}

	if len(intents) == 0 {
		b.mu.Unlock()
		return BatchResult[database.Card]{}, nil
	}
	b.pending++
	b.mu.Unlock()
	b.publish()

	result := b.gateway.DispatchCards(ctx, intents).Wait()

	b.mu.Lock()
	for _, o := range result.Outcomes {
		if !o.OK {
			continue
		}
		listID, i, found := b.findCardLocked(o.Record.ID)
		// a later gesture may have moved the card again; keep the newer local state
		if found && listID == o.Record.ListID {
			b.cards[listID][i] = *o.Record
		}
	}
	b.pending--
	b.mu.Unlock()

	if failed := result.Failed(); len(failed) > 0 {
		b.logger.Warnf("%d of %d card position updates failed; board differs from the store until reload", len(failed), len(intents))
	}
	b.publish()
	return result, nil
}

// Boards opens and caches one Board per project
type Boards struct {
	gateway   *Gateway
	publisher Publisher
	logger    *zap.SugaredLogger

	mu     sync.Mutex
	boards map[int64]*Board
}

func NewBoards(gateway *Gateway, publisher Publisher, logger *zap.SugaredLogger) *Boards {
	return &Boards{
		gateway:   gateway,
		publisher: publisher,
		logger:    logger,
		boards:    make(map[int64]*Board),
	}
}

// Open returns the cached board for the project, loading it on first use
func (bs *Boards) Open(ctx context.Context, projectID int64) (*Board, error) {
	bs.mu.Lock()
	board, ok := bs.boards[projectID]
	bs.mu.Unlock()
	if ok {
		return board, nil
	}

	board = NewBoard(projectID, bs.gateway, bs.publisher, bs.logger)
	if err := board.Load(ctx); err != nil {
		return nil, err
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if existing, ok := bs.boards[projectID]; ok {
		return existing, nil
	}
	bs.boards[projectID] = board
	return board, nil
}

// Reload refreshes the cached board from the store, or opens it when it is
// not cached yet. A failed refresh leaves the cached state untouched.
func (bs *Boards) Reload(ctx context.Context, projectID int64) (*Board, error) {
	bs.mu.Lock()
	board, ok := bs.boards[projectID]
	bs.mu.Unlock()
	if !ok {
		return bs.Open(ctx, projectID)
	}
	if err := board.Load(ctx); err != nil {
		return nil, err
	}
	return board, nil
}

// Forget drops the cached board so the next Open reloads it
func (bs *Boards) Forget(projectID int64) {
	bs.mu.Lock()
	delete(bs.boards, projectID)
	bs.mu.Unlock()
}
