package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/guyuedumingx/chatSpace/internal/config"
	"github.com/guyuedumingx/chatSpace/internal/message"
)

// HTTPClient talks to the consultation backend over REST. The bearer
// credential is attached to every outgoing call.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a transport client for the configured backend.
func NewHTTPClient(cfg config.APIConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{},
	}
}

func (c *HTTPClient) ListSessions(ctx context.Context, orgID string) ([]Session, error) {
	var sessions []Session
	q := url.Values{"org": {orgID}}
	if err := c.do(ctx, http.MethodGet, "/sessions?"+q.Encode(), nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *HTTPClient) CreateSession(ctx context.Context, label, orgID string) (Session, error) {
	var session Session
	body := map[string]string{"label": label, "org": orgID}
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &session); err != nil {
		return Session{}, err
	}
	return session, nil
}

func (c *HTTPClient) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *HTTPClient) FetchHistory(ctx context.Context, sessionID string) ([]message.Message, error) {
	var raws []message.Raw
	if err := c.do(ctx, http.MethodGet, "/message_history/"+url.PathEscape(sessionID), nil, &raws); err != nil {
		return nil, err
	}
	msgs := make([]message.Message, 0, len(raws))
	for _, raw := range raws {
		msgs = append(msgs, message.Normalize(raw))
	}
	return msgs, nil
}

func (c *HTTPClient) AppendUserMessage(ctx context.Context, sessionID, text string) (message.Message, error) {
	var raw message.Raw
	body := map[string]string{"role": string(message.RoleUser), "content": text}
	if err := c.do(ctx, http.MethodPost, "/message_history/"+url.PathEscape(sessionID), body, &raw); err != nil {
		return message.Message{}, err
	}
	return message.Normalize(raw), nil
}

func (c *HTTPClient) FetchHotTopics(ctx context.Context) ([]Prompt, error) {
	var prompts []Prompt
	if err := c.do(ctx, http.MethodGet, "/hot_topics", nil, &prompts); err != nil {
		return nil, err
	}
	return prompts, nil
}

func (c *HTTPClient) FetchEscalationContacts(ctx context.Context, sessionID string) ([]EscalationContact, error) {
	var contacts []EscalationContact
	q := url.Values{"session_key": {sessionID}}
	if err := c.do(ctx, http.MethodGet, "/contact_info?"+q.Encode(), nil, &contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

func (c *HTTPClient) SubmitSurvey(ctx context.Context, survey Survey) error {
	return c.do(ctx, http.MethodPost, "/survey", survey, nil)
}

func (c *HTTPClient) SurveyExists(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	q := url.Values{"chatId": {sessionID}}
	if err := c.do(ctx, http.MethodGet, "/survey/exist?"+q.Encode(), nil, &exists); err != nil {
		return false, err
	}
	return exists, nil
}

// do performs one request/response pair. Non-2xx responses become *Error,
// except 401 which maps to ErrAuthExpired.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s %s: %w", method, path, ErrAuthExpired)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
