// Package rest is the narrow client for the course-management REST API: the
// autocomplete lookup endpoint and the persisted-history endpoint used to
// seed a group's chat log. The API's internals are not this subsystem's
// concern; only these two calls are.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/campuschat/internal/logger"
	"github.com/campuschat/internal/wire"
)

// Lookup entity types accepted by the API.
const (
	LookupUser     = "user"
	LookupMaterial = "material"
	LookupTopic    = "topic"
)

// Candidate is one ranked autocomplete suggestion. Field presence depends on
// the lookup type: users carry id/name/registration/avatar, materials carry
// id/title/material-type/source-scope, topics carry only the bare topic.
type Candidate struct {
	ID                 int64  `json:"id,omitempty"`
	Name               string `json:"name,omitempty"`
	RegistrationNumber string `json:"registration_number,omitempty"`
	AvatarURL          string `json:"profile_picture,omitempty"`
	Title              string `json:"title,omitempty"`
	MaterialType       string `json:"material_type,omitempty"`
	SourceScope        string `json:"source_scope,omitempty"`
	Topic              string `json:"topic,omitempty"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the API at baseURL, authenticating requests
// with the opaque token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Lookup returns ranked candidates for a partial query. entityType is one of
// LookupUser, LookupMaterial, LookupTopic.
func (c *Client) Lookup(ctx context.Context, entityType, query string) ([]Candidate, error) {
	defer logger.DeferLogDuration("rest.Lookup", time.Now())()
	q := url.Values{}
	q.Set("type", entityType)
	q.Set("q", query)

	var items []Candidate
	if err := c.getJSON(ctx, "/api/lookup?"+q.Encode(), &items); err != nil {
		return nil, fmt.Errorf("rest lookup: %w", err)
	}
	return items, nil
}

// History returns the most recent limit messages of a group, oldest first, in
// the same shape as inbound chat echoes.
func (c *Client) History(ctx context.Context, groupID int64, limit int) ([]wire.ChatFrame, error) {
	defer logger.DeferLogDuration("rest.History", time.Now())()
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))

	var msgs []wire.ChatFrame
	path := fmt.Sprintf("/api/groups/%d/messages?%s", groupID, q.Encode())
	if err := c.getJSON(ctx, path, &msgs); err != nil {
		return nil, fmt.Errorf("rest history: %w", err)
	}
	return msgs, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
