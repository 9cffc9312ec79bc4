package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/CrowderSoup/kanban/services"
)

// respond writes the standard success envelope
func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "success",
		"data":   data,
	})
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	return id, err == nil && id > 0
}

func queryID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	return id, err == nil && id > 0
}

// fail maps board errors to HTTP statuses
func fail(w http.ResponseWriter, r *http.Request, logger *zap.SugaredLogger, err error) {
	switch {
	case errors.Is(err, services.ErrRemote):
		http.Error(w, "remote store unavailable", http.StatusBadGateway)
	case errors.Is(err, services.ErrUnknownProject),
		errors.Is(err, services.ErrUnknownList),
		errors.Is(err, services.ErrUnknownCard):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, services.ErrIndexOutOfRange),
		errors.Is(err, services.ErrEmptyTitle):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logger.Errorw("Unhandled error", "path", r.URL.Path, "error", err)
		http.Error(w, "Server error", http.StatusInternalServerError)
	}
}

// DataHandler serves project level endpoints and list search
type DataHandler struct {
	gateway *services.Gateway
	boards  *services.Boards
	logger  *zap.SugaredLogger
}

func NewDataHandler(gateway *services.Gateway, boards *services.Boards, logger *zap.SugaredLogger) *DataHandler {
	return &DataHandler{
		gateway: gateway,
		boards:  boards,
		logger:  logger,
	}
}

func (h *DataHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/projects", h.ListProjects).Methods("GET")
	r.HandleFunc("/api/projects", h.CreateProject).Methods("POST")
	r.HandleFunc("/api/projects/{projectID}", h.DeleteProject).Methods("DELETE")
	r.HandleFunc("/api/search", h.SearchLists).Methods("GET")
	r.HandleFunc("/healthz", h.Health).Methods("GET")
}

// ListProjects returns every project, newest first
func (h *DataHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.gateway.LoadProjects(r.Context()))
}

func (h *DataHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := decode(r, &req); err != nil {
		http.Error(w, "Invalid request format", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		fail(w, r, h.logger, services.ErrEmptyTitle)
		return
	}

	project, ok := h.gateway.CreateProject(r.Context(), req.Title, req.Description)
	if !ok {
		fail(w, r, h.logger, services.ErrRemote)
		return
	}
	respond(w, http.StatusCreated, project)
}

// DeleteProject removes a project; its lists and cards go with it
func (h *DataHandler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(r, "projectID")
	if !ok {
		http.Error(w, "invalid project id", http.StatusBadRequest)
		return
	}

	if !h.gateway.DeleteProject(r.Context(), projectID) {
		fail(w, r, h.logger, services.ErrRemote)
		return
	}
	h.boards.Forget(projectID)
	respond(w, http.StatusOK, map[string]int64{"id": projectID})
}

// SearchLists finds lists whose title contains q, across all projects
func (h *DataHandler) SearchLists(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.gateway.SearchLists(r.Context(), r.URL.Query().Get("q")))
}

func (h *DataHandler) Health(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"health": "ok"})
}
