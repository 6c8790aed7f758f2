// Package discord is a small client for the Discord REST API and gateway,
// covering what liro needs: member roles, direct messages, slash commands
// and guild/role events.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const DefaultAPIURL = "https://discord.com/api/v10"

type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("discord %s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(token, baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

func id(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("User-Agent", "DiscordBot (https://github.com/teotwaki/liro, 1.0)")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// MemberRoles returns the ids of every role the member holds.
func (c *Client) MemberRoles(ctx context.Context, guild, member uint64) ([]uint64, error) {
	var m GuildMember
	if err := c.do(ctx, http.MethodGet, "/guilds/"+id(guild)+"/members/"+id(member), nil, &m); err != nil {
		return nil, err
	}
	roles := make([]uint64, 0, len(m.Roles))
	for _, role := range m.Roles {
		roles = append(roles, uint64(role))
	}
	return roles, nil
}

func (c *Client) AddRole(ctx context.Context, guild, member, role uint64) error {
	return c.do(ctx, http.MethodPut, "/guilds/"+id(guild)+"/members/"+id(member)+"/roles/"+id(role), nil, nil)
}

func (c *Client) RemoveRole(ctx context.Context, guild, member, role uint64) error {
	return c.do(ctx, http.MethodDelete, "/guilds/"+id(guild)+"/members/"+id(member)+"/roles/"+id(role), nil, nil)
}

func (c *Client) GuildRoles(ctx context.Context, guild uint64) ([]Role, error) {
	var roles []Role
	if err := c.do(ctx, http.MethodGet, "/guilds/"+id(guild)+"/roles", nil, &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

func (c *Client) CreateDM(ctx context.Context, user uint64) (uint64, error) {
	var channel Channel
	body := map[string]string{"recipient_id": id(user)}
	if err := c.do(ctx, http.MethodPost, "/users/@me/channels", body, &channel); err != nil {
		return 0, err
	}
	return uint64(channel.ID), nil
}

func (c *Client) SendMessage(ctx context.Context, channel uint64, content string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+id(channel)+"/messages", map[string]string{"content": content}, nil)
}

// SendDirectMessage opens (or reuses) the DM channel with user and posts
// content to it.
func (c *Client) SendDirectMessage(ctx context.Context, user uint64, content string) error {
	channel, err := c.CreateDM(ctx, user)
	if err != nil {
		return err
	}
	return c.SendMessage(ctx, channel, content)
}

// RegisterCommands replaces the application's global commands.
func (c *Client) RegisterCommands(ctx context.Context, application uint64, commands []Command) error {
	return c.do(ctx, http.MethodPut, "/applications/"+id(application)+"/commands", commands, nil)
}

func (c *Client) RespondInteraction(ctx context.Context, interaction uint64, token string, resp InteractionResponse) error {
	return c.do(ctx, http.MethodPost, "/interactions/"+id(interaction)+"/"+token+"/callback", resp, nil)
}

// EditOriginalResponse fills in a deferred interaction response.
func (c *Client) EditOriginalResponse(ctx context.Context, application uint64, token string, data ResponseData) error {
	return c.do(ctx, http.MethodPatch, "/webhooks/"+id(application)+"/"+token+"/messages/@original", data, nil)
}

// GatewayURL asks Discord which websocket endpoint to connect to.
func (c *Client) GatewayURL(ctx context.Context) (string, error) {
	var payload struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodGet, "/gateway/bot", nil, &payload); err != nil {
		return "", err
	}
	return payload.URL, nil
}
