package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bulkwave/wacampaign-backend/internal/model"
)

// Client talks to a WhatsApp web gateway over its REST API. It implements
// both Transport and Directory.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message != "" {
			return fmt.Errorf("gateway %s %s: %s", method, path, apiErr.Message)
		}
		return fmt.Errorf("gateway %s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) Send(ctx context.Context, sessionName, phone, text string) error {
	body := map[string]string{"phone": phone, "message": text}
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/sessions/%s/messages", url.PathEscape(sessionName)), body, nil)
}

func (c *Client) ResolveGroup(ctx context.Context, sessionName, groupID string) ([]model.Recipient, error) {
	var out struct {
		Members []model.Recipient `json:"members"`
	}
	path := fmt.Sprintf("/api/sessions/%s/groups/%s/members",
		url.PathEscape(sessionName), url.PathEscape(groupID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

func (c *Client) ResolveContacts(ctx context.Context, sessionName, selection string, ids []string) ([]model.Recipient, error) {
	var out struct {
		Contacts []model.Recipient `json:"contacts"`
	}
	body := map[string]interface{}{"selection": selection}
	if selection == model.SelectByID {
		body["ids"] = ids
	}
	path := fmt.Sprintf("/api/sessions/%s/contacts/resolve", url.PathEscape(sessionName))
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return out.Contacts, nil
}

func (c *Client) SaveContact(ctx context.Context, sessionName string, r model.Recipient) error {
	body := map[string]string{"phone": r.Phone, "name": r.Name}
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/sessions/%s/contacts", url.PathEscape(sessionName)), body, nil)
}

func (c *Client) MyContacts(ctx context.Context, sessionName string) ([]string, error) {
	var out struct {
		Phones []string `json:"phones"`
	}
	path := fmt.Sprintf("/api/sessions/%s/contacts/phones", url.PathEscape(sessionName))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Phones, nil
}

func (c *Client) HasConversation(ctx context.Context, sessionName, phone string) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	path := fmt.Sprintf("/api/sessions/%s/chats/%s/exists",
		url.PathEscape(sessionName), url.PathEscape(phone))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

var (
	_ Transport = (*Client)(nil)
	_ Directory = (*Client)(nil)
)
