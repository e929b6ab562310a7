package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"dmchat/backend/internal/models"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Retryable reports whether the server marked the failure as transient.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusTooManyRequests
}

// API is a thin REST client for the chat endpoints.
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAPI(baseURL, token string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &API{baseURL: baseURL, token: token, http: httpClient}
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return &APIError{Status: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// AuthResult is the response of register and login.
type AuthResult struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

func (a *API) Register(ctx context.Context, username, email, password string) (*AuthResult, error) {
	var out AuthResult
	err := a.do(ctx, http.MethodPost, "/auth/register", map[string]string{
		"username": username, "email": email, "password": password,
	}, &out)
	return &out, err
}

func (a *API) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	var out AuthResult
	err := a.do(ctx, http.MethodPost, "/auth/login", map[string]string{
		"email": email, "password": password,
	}, &out)
	return &out, err
}

func (a *API) Me(ctx context.Context) (*models.User, error) {
	var out models.User
	if err := a.do(ctx, http.MethodGet, "/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) ResolveRoom(ctx context.Context, otherUserID string) (*models.Room, error) {
	var out models.Room
	if err := a.do(ctx, http.MethodPost, "/api/chat/room", map[string]string{"participantId": otherUserID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Rooms(ctx context.Context) ([]models.Room, error) {
	var out []models.Room
	err := a.do(ctx, http.MethodGet, "/api/chat/rooms", nil, &out)
	return out, err
}

// History fetches one page in chronological order; page 1 is the newest.
// A zero limit uses the server default.
func (a *API) History(ctx context.Context, roomID string, page, limit int) ([]models.Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []models.Message
	err := a.do(ctx, http.MethodGet, "/api/chat/messages/"+url.PathEscape(roomID)+"?"+q.Encode(), nil, &out)
	return out, err
}

func (a *API) Send(ctx context.Context, roomID, content string) (*models.Message, error) {
	var out models.Message
	if err := a.do(ctx, http.MethodPost, "/api/chat/messages", map[string]string{"roomId": roomID, "content": content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) MarkRead(ctx context.Context, messageID string) error {
	return a.do(ctx, http.MethodPut, "/api/chat/messages/"+url.PathEscape(messageID)+"/read", nil, nil)
}
