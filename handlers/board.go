package handlers

import (
	"net/http"
	"slices"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/CrowderSoup/kanban/database"
	"github.com/CrowderSoup/kanban/services"
)

// BoardHandler serves a project's lists and cards and the live board feed
type BoardHandler struct {
	boards   *services.Boards
	hub      *services.Hub
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader
}

func NewBoardHandler(boards *services.Boards, hub *services.Hub, logger *zap.SugaredLogger, allowedOrigins []string) *BoardHandler {
	return &BoardHandler{
		boards: boards,
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

func (h *BoardHandler) Register(r *mux.Router) {
	p := r.PathPrefix("/api/projects/{projectID:[0-9]+}").Subrouter()
	p.HandleFunc("/board", h.GetBoard).Methods("GET")

	p.HandleFunc("/lists", h.CreateList).Methods("POST")
	p.HandleFunc("/lists/move", h.MoveList).Methods("POST")
	p.HandleFunc("/lists/{listID:[0-9]+}", h.UpdateList).Methods("PATCH")
	p.HandleFunc("/lists/{listID:[0-9]+}", h.DeleteList).Methods("DELETE")

	p.HandleFunc("/lists/{listID:[0-9]+}/cards", h.CreateCard).Methods("POST")
	p.HandleFunc("/cards/move", h.MoveCard).Methods("POST")
	p.HandleFunc("/cards/{cardID:[0-9]+}", h.UpdateCard).Methods("PATCH")
	p.HandleFunc("/cards/{cardID:[0-9]+}/status", h.SetCardStatus).Methods("PUT")
	p.HandleFunc("/cards/{cardID:[0-9]+}", h.DeleteCard).Methods("DELETE")

	r.HandleFunc("/api/ws", h.HandleWebSocket)
}

// board opens the board named in the path, writing the error response if it can't
func (h *BoardHandler) board(w http.ResponseWriter, r *http.Request) (*services.Board, bool) {
	projectID, ok := pathID(r, "projectID")
	if !ok {
		http.Error(w, "invalid project id", http.StatusBadRequest)
		return nil, false
	}
	board, err := h.boards.Open(r.Context(), projectID)
	if err != nil {
		fail(w, r, h.logger, err)
		return nil, false
	}
	return board, true
}

// GetBoard returns the board snapshot. ?reload=1 refreshes it from the store
// first.
func (h *BoardHandler) GetBoard(w http.ResponseWriter, r *http.Request) {
	if reload, _ := strconv.ParseBool(r.URL.Query().Get("reload")); !reload {
		board, ok := h.board(w, r)
		if !ok {
			return
		}
		respond(w, http.StatusOK, board.Snapshot())
		return
	}

	projectID, ok := pathID(r, "projectID")
	if !ok {
		http.Error(w, "invalid project id", http.StatusBadRequest)
		return
	}
	board, err := h.boards.Reload(r.Context(), projectID)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, board.Snapshot())
}

// Lists

func (h *BoardHandler) CreateList(w http.ResponseWriter, r *http.Request) {
	board, ok := h.board(w, r)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := decode(r, &req); err != nil {
		http.Error(w, "Invalid request format", http.StatusBadRequest)
		return
	}

	list, err := board.CreateList(r.Context(), req.Title)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusCreated, list)
}

func (h *BoardHandler) UpdateList(w http.ResponseWriter, r *http.Request) {
	board, ok := h.board(w, r)
	if !ok {
		return
	}
	listID, _ := pathID(r, "listID")
	var patch database.ListPatch
	if err := decode(r, &patch); err != nil {
		http.Error(w, "Invalid request format", http.StatusBadRequest)
		return
	}
	if patch.Empty() {
		http.Error(w, "nothing to update", http.StatusBadRequest)
		return
	}

	list, err := board.UpdateList(r.Context(), listID, patch)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, list)
}

func (h *BoardHandler) DeleteList(w http.ResponseWriter, r *http.Request) {
	board, ok := h.board(w, r)
	if !ok {
		return
	}
	listID, _ := pathID(r, "listID")

	if err := board.DeleteList(r.Context(), listID); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, map[string]int64{"id": listID})
}

type moveRequest struct {
	FromIndex int `json:"fromIndex"`
	ToIndex   int `json:"toIndex"`
}

// MoveList applies a list drag and answers once the store has confirmed or
// rejected every position update
func (h *BoardHandler) MoveList(w http.ResponseWriter, r *http.Request) {
	board, ok := h.board(w, r)
	if !ok {
		return
	}
	var req moveRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, "Invalid request format", http.StatusBadRequest)
		return
	}

	result, err := board.MoveList(r.Context(), req.FromIndex, req.ToIndex)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"result": result,
		"board":  board.Snapshot(),
	})
}

// Cards

func (h *BoardHandler) CreateCard(w http.ResponseWriter, r *http.Request) {
	board, ok := h.board(w, r)
	if !ok {
		return
	}
	listID, _ := pathID(r, "listID")
	var draft services.CardDraft
	if err := decode(r, &draft); err != nil {
		http.Error(w, "Invalid request format", http.StatusBadRequest)
		return
	}

	card, err := board.CreateCard(r.Context(), listID, draft)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusCreated, card)
}

func (h *BoardHandler) UpdateCard(w http.ResponseWriter, r *http.Request) {
	board, ok := h.board(w, r)
	if !ok {
		return
	}
	cardID, _ := pathID(r, "cardID")
	var patch database.CardPatch
	if err := decode(r, &patch); err != nil {
		http.Error(w, "Invalid request format", http.StatusBadRequest)
		return
	}
	if patch.Empty() {
		http.Error(w, "nothing to update", http.StatusBadRequest)
		return
	}
	if patch.Status != nil {
		if _, err := database.ParseCardStatus(string(*patch.Status)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	card, err := board.UpdateCard(r.Context(), cardID, patch)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, card)
}

func (h *BoardHandler) SetCardStatus(w http.ResponseWriter, r *http.Request) {
	board, ok := h.board(w, r)
	if !ok {
		return
	}
	cardID, _ := pathID(r, "cardID")
	var req struct {
		Status string `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		http.Error(w, "Invalid request format", http.StatusBadRequest)
		return
	}
	status, err := database.ParseCardStatus(req.Status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	card, err := board.SetCardStatus(r.Context(), cardID, status)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, card)
}

func (h *BoardHandler) DeleteCard(w http.ResponseWriter, r *http.Request) {
	board, ok := h.board(w, r)
	if !ok {
		return
	}
	cardID, _ := pathID(r, "cardID")
	listID, ok := queryID(r, "listId")
	if !ok {
		http.Error(w, "listId is required", http.StatusBadRequest)
		return
	}

	if err := board.DeleteCard(r.Context(), cardID, listID); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, map[string]int64{"id": cardID})
}

// MoveCard applies a card drag within or across lists
func (h *BoardHandler) MoveCard(w http.ResponseWriter, r *http.Request) {
	board, ok := h.board(w, r)
	if !ok {
		return
	}
	var move services.CardMove
	if err := decode(r, &move); err != nil {
		http.Error(w, "Invalid request format", http.StatusBadRequest)
		return
	}

	result, err := board.MoveCard(r.Context(), move)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"result": result,
		"board":  board.Snapshot(),
	})
}

// HandleWebSocket upgrades the connection and streams snapshots of one board
func (h *BoardHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	projectID, ok := queryID(r, "projectId")
	if !ok {
		http.Error(w, "projectId is required", http.StatusBadRequest)
		return
	}
	board, err := h.boards.Open(r.Context(), projectID)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("Error upgrading to WebSocket: %v", err)
		return
	}

	client := services.NewClient(h.hub, conn, projectID)

	// the first frame is the current board
	initial, err := json.Marshal(services.WebSocketMessage{
		Type:      services.MessageBoard,
		ProjectID: projectID,
		Data:      board.Snapshot(),
	})
	if err == nil {
		client.Send <- initial
	}

	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
