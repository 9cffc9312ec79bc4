package database

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

// PostgRESTConfig describes how to reach a hosted PostgREST endpoint
// (for Supabase this is https://<ref>.supabase.co/rest/v1).
type PostgRESTConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration

	// When JWTSecret is set, requests carry a short-lived token signed with it
	// for Role instead of the API key.
	JWTSecret string
	Role      string
}

// APIError is a non-2xx answer from PostgREST
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details"`
	Hint       string `json:"hint"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("postgrest %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("postgrest %d: %s", e.StatusCode, e.Message)
}

// PostgRESTStore implements Store against a PostgREST/Supabase REST API
type PostgRESTStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
	tokens  *tokenSource
}

func NewPostgRESTStore(cfg PostgRESTConfig) (*PostgRESTStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgrest url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid postgrest url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	s := &PostgRESTStore{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
	if cfg.JWTSecret != "" {
		role := cfg.Role
		if role == "" {
			role = "service_role"
		}
		s.tokens = &tokenSource{secret: []byte(cfg.JWTSecret), role: role, ttl: 5 * time.Minute}
	}
	return s, nil
}

// tokenSource mints and caches HS256 tokens carrying a PostgREST role claim
type tokenSource struct {
	secret []byte
	role   string
	ttl    time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
}

func (ts *tokenSource) Token() (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := time.Now()
	if ts.token != "" && now.Add(30*time.Second).Before(ts.expires) {
		return ts.token, nil
	}

	expires := now.Add(ts.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role": ts.role,
		"iat":  now.Unix(),
		"exp":  expires.Unix(),
	})
	signed, err := token.SignedString(ts.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	ts.token = signed
	ts.expires = expires
	return signed, nil
}

func (s *PostgRESTStore) do(ctx context.Context, method, table string, params url.Values, body any, out any) error {
	endpoint := s.baseURL + "/" + table
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", table, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost || method == http.MethodPatch {
		req.Header.Set("Prefer", "return=representation")
	}
	if err := s.authorize(req); err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, table, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", table, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", table, err)
	}
	return nil
}

func (s *PostgRESTStore) authorize(req *http.Request) error {
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
	}
	bearer := s.apiKey
	if s.tokens != nil {
		token, err := s.tokens.Token()
		if err != nil {
			return err
		}
		bearer = token
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return nil
}

func eq(v int64) string {
	return "eq." + strconv.FormatInt(v, 10)
}

func positionParams(column string, parentID int64, q Query) url.Values {
	params := url.Values{}
	params.Set("select", "*")
	params.Set(column, eq(parentID))
	if q.Descending {
		params.Set("order", "position.desc,id.desc")
	} else {
		params.Set("order", "position.asc,id.asc")
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	return params
}

func byID(id int64) url.Values {
	return url.Values{"id": []string{eq(id)}}
}

// single unwraps the one-element array PostgREST returns for writes
func single[T any](rows []T) (T, error) {
	if len(rows) == 0 {
		var zero T
		return zero, ErrNotFound
	}
	return rows[0], nil
}

func (s *PostgRESTStore) ListProjects(ctx context.Context) ([]Project, error) {
	params := url.Values{}
	params.Set("select", "*")
	params.Set("order", "created_at.desc,id.desc")

	projects := []Project{}
	if err := s.do(ctx, http.MethodGet, TableProjects, params, nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

func (s *PostgRESTStore) GetProject(ctx context.Context, id int64) (Project, error) {
	var rows []Project
	if err := s.do(ctx, http.MethodGet, TableProjects, byID(id), nil, &rows); err != nil {
		return Project{}, err
	}
	p, err := single(rows)
	if err != nil {
		return Project{}, fmt.Errorf("project %d: %w", id, err)
	}
	return p, nil
}

func (s *PostgRESTStore) InsertProject(ctx context.Context, p Project) (Project, error) {
	body := []map[string]any{{"title": p.Title, "description": p.Description}}
	var rows []Project
	if err := s.do(ctx, http.MethodPost, TableProjects, nil, body, &rows); err != nil {
		return Project{}, err
	}
	return single(rows)
}

func (s *PostgRESTStore) DeleteProject(ctx context.Context, id int64) error {
	return s.do(ctx, http.MethodDelete, TableProjects, byID(id), nil, nil)
}

func (s *PostgRESTStore) SelectLists(ctx context.Context, projectID int64, q Query) ([]List, error) {
	lists := []List{}
	if err := s.do(ctx, http.MethodGet, TableLists, positionParams("project_id", projectID, q), nil, &lists); err != nil {
		return nil, err
	}
	return lists, nil
}

func (s *PostgRESTStore) InsertList(ctx context.Context, l List) (List, error) {
	body := []map[string]any{{"title": l.Title, "project_id": l.ProjectID, "position": l.Position}}
	var rows []List
	if err := s.do(ctx, http.MethodPost, TableLists, nil, body, &rows); err != nil {
		return List{}, err
	}
	return single(rows)
}

func (s *PostgRESTStore) UpdateList(ctx context.Context, id int64, patch ListPatch) (List, error) {
	var rows []List
	if err := s.do(ctx, http.MethodPatch, TableLists, byID(id), patch, &rows); err != nil {
		return List{}, err
	}
	l, err := single(rows)
	if err != nil {
		return List{}, fmt.Errorf("list %d: %w", id, err)
	}
	return l, nil
}

func (s *PostgRESTStore) DeleteList(ctx context.Context, id int64) error {
	return s.do(ctx, http.MethodDelete, TableLists, byID(id), nil, nil)
}

func (s *PostgRESTStore) SearchLists(ctx context.Context, term string) ([]ListMatch, error) {
	params := url.Values{}
	params.Set("select", "*,projects(title)")
	params.Set("title", "ilike.*"+term+"*")
	params.Set("order", "created_at.desc,id.desc")

	var rows []struct {
		List
		Projects struct {
			Title string `json:"title"`
		} `json:"projects"`
	}
	if err := s.do(ctx, http.MethodGet, TableLists, params, nil, &rows); err != nil {
		return nil, err
	}

	matches := make([]ListMatch, 0, len(rows))
	for _, row := range rows {
		matches = append(matches, ListMatch{List: row.List, ProjectTitle: row.Projects.Title})
	}
	return matches, nil
}

func (s *PostgRESTStore) SelectCards(ctx context.Context, listID int64, q Query) ([]Card, error) {
	cards := []Card{}
	if err := s.do(ctx, http.MethodGet, TableCards, positionParams("list_id", listID, q), nil, &cards); err != nil {
		return nil, err
	}
	return cards, nil
}

func (s *PostgRESTStore) InsertCard(ctx context.Context, c Card) (Card, error) {
	body := []map[string]any{{
		"list_id":      c.ListID,
		"title":        c.Title,
		"description":  c.Description,
		"due_date":     c.DueDate,
		"position":     c.Position,
		"is_completed": c.IsCompleted,
		"status":       c.Status,
	}}
	var rows []Card
	if err := s.do(ctx, http.MethodPost, TableCards, nil, body, &rows); err != nil {
		return Card{}, err
	}
	return single(rows)
}

func (s *PostgRESTStore) UpdateCard(ctx context.Context, id int64, patch CardPatch) (Card, error) {
	var rows []Card
	if err := s.do(ctx, http.MethodPatch, TableCards, byID(id), patch, &rows); err != nil {
		return Card{}, err
	}
	c, err := single(rows)
	if err != nil {
		return Card{}, fmt.Errorf("card %d: %w", id, err)
	}
	return c, nil
}

func (s *PostgRESTStore) DeleteCard(ctx context.Context, id int64) error {
	return s.do(ctx, http.MethodDelete, TableCards, byID(id), nil, nil)
}

func (s *PostgRESTStore) DeleteCardsByList(ctx context.Context, listID int64) error {
	return s.do(ctx, http.MethodDelete, TableCards, url.Values{"list_id": []string{eq(listID)}}, nil, nil)
}
