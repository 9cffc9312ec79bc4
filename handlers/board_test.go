package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/CrowderSoup/kanban/database"
	"github.com/CrowderSoup/kanban/services"
)

type testServer struct {
	db     *sql.DB
	store  *database.SQLiteStore
	router *mux.Router
	hub    *services.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := database.InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop().Sugar()
	store := database.NewSQLiteStore(db)
	gateway := services.NewGateway(store, logger, 4)
	hub := services.NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	boards := services.NewBoards(gateway, hub, logger)

	r := mux.NewRouter()
	r.Use(NewRequestLogger(logger).Log)
	NewDataHandler(gateway, boards, logger).Register(r)
	NewBoardHandler(boards, hub, logger, []string{"*"}).Register(r)

	return &testServer{db: db, store: store, router: r, hub: hub}
}

// envelope is the success response shape with data left raw
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// call performs the request, checks the status and decodes data into out
func (s *testServer) call(t *testing.T, method, path string, body any, status int, out any) {
	t.Helper()
	rec := s.do(t, method, path, body)
	require.Equal(t, status, rec.Code, rec.Body.String())
	if out == nil {
		return
	}
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "success", env.Status)
	require.NoError(t, json.Unmarshal(env.Data, out))
}

func (s *testServer) project(t *testing.T, title string) database.Project {
	t.Helper()
	var p database.Project
	s.call(t, "POST", "/api/projects", map[string]string{"title": title}, http.StatusCreated, &p)
	return p
}

func (s *testServer) list(t *testing.T, projectID int64, title string) database.List {
	t.Helper()
	var l database.List
	s.call(t, "POST", fmt.Sprintf("/api/projects/%d/lists", projectID), map[string]string{"title": title}, http.StatusCreated, &l)
	return l
}

func (s *testServer) card(t *testing.T, projectID, listID int64, title string) database.Card {
	t.Helper()
	var c database.Card
	s.call(t, "POST", fmt.Sprintf("/api/projects/%d/lists/%d/cards", projectID, listID), map[string]string{"title": title}, http.StatusCreated, &c)
	return c
}

func (s *testServer) board(t *testing.T, projectID int64) services.Snapshot {
	t.Helper()
	var snap services.Snapshot
	s.call(t, "GET", fmt.Sprintf("/api/projects/%d/board", projectID), nil, http.StatusOK, &snap)
	return snap
}

func titles(cards []database.Card) []string {
	out := make([]string, len(cards))
	for i, c := range cards {
		out[i] = c.Title
	}
	return out
}

func TestProjects(t *testing.T) {
	s := newTestServer(t)

	s.project(t, "Website")
	garden := s.project(t, "Garden")

	var projects []database.Project
	s.call(t, "GET", "/api/projects", nil, http.StatusOK, &projects)
	require.Len(t, projects, 2)
	assert.Equal(t, "Garden", projects[0].Title)

	s.call(t, "POST", "/api/projects", map[string]string{"title": "  "}, http.StatusBadRequest, nil)

	s.call(t, "DELETE", fmt.Sprintf("/api/projects/%d", garden.ID), nil, http.StatusOK, nil)
	s.call(t, "GET", fmt.Sprintf("/api/projects/%d/board", garden.ID), nil, http.StatusNotFound, nil)
}

func TestCreateCardIgnoresClientStatus(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "Website")
	l := s.list(t, p.ID, "Todo")

	var card database.Card
	s.call(t, "POST", fmt.Sprintf("/api/projects/%d/lists/%d/cards", p.ID, l.ID),
		map[string]any{"title": "Landing page", "status": "done", "is_completed": true, "due_date": "2024-03-01"},
		http.StatusCreated, &card)

	assert.Equal(t, database.StatusTodo, card.Status)
	assert.False(t, card.IsCompleted)
	require.NotNil(t, card.DueDate)
	assert.Equal(t, "2024-03-01", card.DueDate.String())

	snap := s.board(t, p.ID)
	assert.Equal(t, []string{"Landing page"}, titles(snap.Cards[l.ID]))
}

func TestCardStatus(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "Website")
	l := s.list(t, p.ID, "Todo")
	c := s.card(t, p.ID, l.ID, "Landing page")
	path := fmt.Sprintf("/api/projects/%d/cards/%d/status", p.ID, c.ID)

	var card database.Card
	s.call(t, "PUT", path, map[string]string{"status": "done"}, http.StatusOK, &card)
	assert.True(t, card.IsCompleted)

	s.call(t, "PUT", path, map[string]string{"status": "in_progress"}, http.StatusOK, &card)
	assert.False(t, card.IsCompleted)

	s.call(t, "PUT", path, map[string]string{"status": "archived"}, http.StatusBadRequest, nil)
	s.call(t, "PATCH", fmt.Sprintf("/api/projects/%d/cards/%d", p.ID, c.ID), map[string]string{"status": "archived"}, http.StatusBadRequest, nil)
	s.call(t, "PUT", fmt.Sprintf("/api/projects/%d/cards/999/status", p.ID), map[string]string{"status": "done"}, http.StatusNotFound, nil)
}

func TestUpdateCard(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "Website")
	l := s.list(t, p.ID, "Todo")
	c := s.card(t, p.ID, l.ID, "Landing page")
	path := fmt.Sprintf("/api/projects/%d/cards/%d", p.ID, c.ID)

	var card database.Card
	s.call(t, "PATCH", path, map[string]any{"title": "Home page", "is_completed": true}, http.StatusOK, &card)
	assert.Equal(t, "Home page", card.Title)
	assert.Equal(t, database.StatusDone, card.Status)

	s.call(t, "PATCH", path, map[string]any{}, http.StatusBadRequest, nil)
	s.call(t, "PATCH", path, map[string]any{"title": ""}, http.StatusBadRequest, nil)
}

func TestListLifecycle(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "Website")
	todo := s.list(t, p.ID, "Todo")
	done := s.list(t, p.ID, "Done")
	assert.Equal(t, 0, todo.Position)
	assert.Equal(t, 1, done.Position)
	s.card(t, p.ID, todo.ID, "a")
	s.card(t, p.ID, todo.ID, "b")

	var renamed database.List
	s.call(t, "PATCH", fmt.Sprintf("/api/projects/%d/lists/%d", p.ID, todo.ID), map[string]string{"title": "Backlog"}, http.StatusOK, &renamed)
	assert.Equal(t, "Backlog", renamed.Title)

	s.call(t, "DELETE", fmt.Sprintf("/api/projects/%d/lists/%d", p.ID, todo.ID), nil, http.StatusOK, nil)

	snap := s.board(t, p.ID)
	require.Len(t, snap.Lists, 1)
	assert.Equal(t, "Done", snap.Lists[0].Title)
	_, cached := snap.Cards[todo.ID]
	assert.False(t, cached)

	s.call(t, "DELETE", fmt.Sprintf("/api/projects/%d/lists/%d", p.ID, todo.ID), nil, http.StatusNotFound, nil)
	s.call(t, "POST", fmt.Sprintf("/api/projects/%d/lists", p.ID), map[string]string{"title": ""}, http.StatusBadRequest, nil)
}

func TestMoveList(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "Website")
	for _, title := range []string{"A", "B", "C", "D"} {
		s.list(t, p.ID, title)
	}

	var out struct {
		Result services.BatchResult[database.List] `json:"result"`
		Board  services.Snapshot                   `json:"board"`
	}
	s.call(t, "POST", fmt.Sprintf("/api/projects/%d/lists/move", p.ID), map[string]int{"fromIndex": 0, "toIndex": 2}, http.StatusOK, &out)

	assert.True(t, out.Result.OK())
	assert.Len(t, out.Result.Outcomes, 3)
	var order []string
	for _, l := range out.Board.Lists {
		order = append(order, l.Title)
	}
	assert.Equal(t, []string{"B", "C", "A", "D"}, order)
	assert.True(t, out.Board.Confirmed)

	s.call(t, "POST", fmt.Sprintf("/api/projects/%d/lists/move", p.ID), map[string]int{"fromIndex": 0, "toIndex": 9}, http.StatusBadRequest, nil)
}

func TestMoveCardAcrossLists(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "Website")
	src := s.list(t, p.ID, "Source")
	dst := s.list(t, p.ID, "Dest")
	s.card(t, p.ID, src.ID, "X")
	s.card(t, p.ID, src.ID, "Y")
	s.card(t, p.ID, dst.ID, "P")
	s.card(t, p.ID, dst.ID, "Q")

	var out struct {
		Result services.BatchResult[database.Card] `json:"result"`
		Board  services.Snapshot                   `json:"board"`
	}
	s.call(t, "POST", fmt.Sprintf("/api/projects/%d/cards/move", p.ID), services.CardMove{
		SourceListID: src.ID,
		DestListID:   dst.ID,
		FromIndex:    0,
		ToIndex:      1,
	}, http.StatusOK, &out)

	assert.True(t, out.Result.OK())
	assert.Equal(t, []string{"Y"}, titles(out.Board.Cards[src.ID]))
	assert.Equal(t, []string{"P", "X", "Q"}, titles(out.Board.Cards[dst.ID]))

	stored, err := s.store.SelectCards(context.Background(), dst.ID, database.Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"P", "X", "Q"}, titles(stored))
}

func TestDeleteCard(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "Website")
	l := s.list(t, p.ID, "Todo")
	c := s.card(t, p.ID, l.ID, "a")
	path := fmt.Sprintf("/api/projects/%d/cards/%d", p.ID, c.ID)

	s.call(t, "DELETE", path, nil, http.StatusBadRequest, nil)
	s.call(t, "DELETE", path+"?listId=999", nil, http.StatusNotFound, nil)
	s.call(t, "DELETE", fmt.Sprintf("%s?listId=%d", path, l.ID), nil, http.StatusOK, nil)
	assert.Empty(t, s.board(t, p.ID).Cards[l.ID])
}

func TestSearch(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "Website")
	s.list(t, p.ID, "Marketing")
	s.list(t, p.ID, "Bugs")

	var matches []database.ListMatch
	s.call(t, "GET", "/api/search?q=MARK", nil, http.StatusOK, &matches)
	require.Len(t, matches, 1)
	assert.Equal(t, "Marketing", matches[0].Title)
	assert.Equal(t, "Website", matches[0].ProjectTitle)

	s.call(t, "GET", "/api/search", nil, http.StatusOK, &matches)
	assert.Empty(t, matches)
}

func TestRemoteFailureIsBadGateway(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "Website")
	s.list(t, p.ID, "Todo")
	s.board(t, p.ID)

	require.NoError(t, s.db.Close())

	rec := s.do(t, "POST", fmt.Sprintf("/api/projects/%d/lists", p.ID), map[string]string{"title": "Done"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	// the board still serves its last known state
	snap := s.board(t, p.ID)
	assert.Len(t, snap.Lists, 1)
}

func TestBadRequests(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "Website")

	req := httptest.NewRequest("POST", fmt.Sprintf("/api/projects/%d/lists", p.ID), strings.NewReader("{"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.call(t, "GET", "/api/projects/999/board", nil, http.StatusNotFound, nil)
	s.call(t, "GET", "/api/ws", nil, http.StatusBadRequest, nil)
}

func TestWebSocketFeed(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "Website")
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	url := fmt.Sprintf("ws%s/api/ws?projectId=%d", strings.TrimPrefix(srv.URL, "http"), p.ID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	read := func() services.WebSocketMessage {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg services.WebSocketMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	initial := read()
	assert.Equal(t, services.MessageBoard, initial.Type)
	assert.Equal(t, p.ID, initial.ProjectID)

	// a change made over HTTP reaches the watcher
	s.list(t, p.ID, "Todo")
	msg := read()
	assert.Equal(t, services.MessageBoard, msg.Type)
	raw, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	var snap services.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.Len(t, snap.Lists, 1)
	assert.Equal(t, "Todo", snap.Lists[0].Title)
}

func TestRequestLogger(t *testing.T) {
	r := mux.NewRouter()
	r.Use(NewRequestLogger(zap.NewNop().Sugar()).Log)
	r.HandleFunc("/id", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(RequestID(r.Context())))
	})
	r.HandleFunc("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	req := httptest.NewRequest("GET", "/id", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Body.String())
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/id", nil))
	assert.Len(t, rec.Body.String(), 36)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetBoard_Reload(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "Website")
	todo := s.list(t, p.ID, "Todo")
	s.card(t, p.ID, todo.ID, "a")

	// a row written straight to the store is invisible until reload
	_, err := s.store.InsertCard(context.Background(), database.Card{ListID: todo.ID, Title: "b", Position: 1, Status: database.StatusTodo})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, titles(s.board(t, p.ID).Cards[todo.ID]))

	var snap services.Snapshot
	s.call(t, "GET", fmt.Sprintf("/api/projects/%d/board?reload=1", p.ID), nil, http.StatusOK, &snap)
	assert.Equal(t, []string{"a", "b"}, titles(snap.Cards[todo.ID]))
	assert.Equal(t, []string{"a", "b"}, titles(s.board(t, p.ID).Cards[todo.ID]))

	rec := s.do(t, "GET", "/api/projects/999/board?reload=true", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
