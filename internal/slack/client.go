// Package slack is the chat-service boundary: it fetches channel
// history (the message source) and delivers reactions, channel posts,
// and direct messages (the chat sink). Session material stays inside
// the client; the rest of the pipeline only sees the interfaces it
// implements.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/prsweep/prsweep/internal/model"
)

const defaultAPIURL = "https://slack.com"

// maxHistoryPages bounds pagination so a misconfigured cursor can never
// loop forever.
const maxHistoryPages = 50

// Client talks to the Slack Web API with a bot token.
type Client struct {
	apiURL    string
	token     string
	subdomain string
	client    *http.Client
}

// NewClient creates a Slack client. The token is read from the given
// environment variable. The subdomain is only used to build permalink
// URLs in composed messages.
func NewClient(apiURL, tokenEnv, subdomain string) *Client {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	if tokenEnv == "" {
		tokenEnv = "SLACK_TOKEN"
	}
	return &Client{
		apiURL:    strings.TrimSuffix(apiURL, "/"),
		token:     os.Getenv(tokenEnv),
		subdomain: subdomain,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// IsConfigured returns whether a token is available.
func (c *Client) IsConfigured() bool {
	return c.token != ""
}

// AuthTest returns the authenticated user name, for the whoami command.
func (c *Client) AuthTest(ctx context.Context) (string, error) {
	var resp struct {
		apiResponse
		User string `json:"user"`
	}
	if err := c.get(ctx, "/api/auth.test", nil, &resp); err != nil {
		return "", err
	}
	return resp.User, nil
}

// ChannelName returns the human channel name, falling back to the ID
// when the lookup fails (private channels the bot cannot inspect).
func (c *Client) ChannelName(ctx context.Context, channelID string) string {
	var resp struct {
		apiResponse
		Channel struct {
			Name string `json:"name"`
		} `json:"channel"`
	}
	params := url.Values{"channel": {channelID}}
	if err := c.get(ctx, "/api/conversations.info", params, &resp); err != nil {
		log.Debug().Err(err).Str("channel", channelID).Msg("Channel name lookup failed, using ID")
		return channelID
	}
	if resp.Channel.Name == "" {
		return channelID
	}
	return resp.Channel.Name
}

type historyMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	TS        string `json:"ts"`
	Text      string `json:"text"`
	User      string `json:"user"`
	Reactions []struct {
		Name string `json:"name"`
	} `json:"reactions"`
}

// FetchMessages returns all channel messages strictly after the given
// Slack timestamp, oldest first. Pagination is followed to exhaustion.
func (c *Client) FetchMessages(ctx context.Context, channelID, afterTS string) ([]model.Message, error) {
	var messages []model.Message
	cursor := ""

	for page := 0; page < maxHistoryPages; page++ {
		var resp struct {
			apiResponse
			Messages []historyMessage `json:"messages"`
			HasMore  bool             `json:"has_more"`
			Metadata struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}

		params := url.Values{
			"channel": {channelID},
			"limit":   {"200"},
		}
		if afterTS != "" {
			params.Set("oldest", afterTS)
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		if err := c.get(ctx, "/api/conversations.history", params, &resp); err != nil {
			return nil, err
		}

		for _, m := range resp.Messages {
			if m.Type != "message" || m.Subtype != "" {
				continue
			}
			// Slack treats oldest as inclusive; enforce strictly-after.
			if afterTS != "" && !model.TSLess(afterTS, m.TS) {
				continue
			}
			msg := model.Message{
				ChannelID: channelID,
				ID:        m.TS,
				Timestamp: model.ParseSlackTS(m.TS),
				Text:      m.Text,
				AuthorID:  m.User,
			}
			for _, r := range m.Reactions {
				msg.Reactions = append(msg.Reactions, r.Name)
			}
			messages = append(messages, msg)
		}

		if !resp.HasMore || resp.Metadata.NextCursor == "" {
			break
		}
		cursor = resp.Metadata.NextCursor
	}

	sort.Slice(messages, func(i, j int) bool {
		return model.TSLess(messages[i].ID, messages[j].ID)
	})
	return messages, nil
}

// React adds an emoji reaction to a message. A reaction that already
// exists counts as success.
func (c *Client) React(ctx context.Context, channelID, messageID, emoji string) error {
	form := url.Values{
		"channel":   {channelID},
		"timestamp": {messageID},
		"name":      {emoji},
	}
	var resp apiResponse
	err := c.post(ctx, "/api/reactions.add", form, &resp)
	var apiErr *APIError
	if isAPIError(err, &apiErr) && apiErr.Code == "already_reacted" {
		return nil
	}
	return err
}

// PostChannelMessage posts a message to a channel.
func (c *Client) PostChannelMessage(ctx context.Context, channelID, text string) error {
	form := url.Values{
		"channel": {channelID},
		"text":    {text},
	}
	var resp apiResponse
	return c.post(ctx, "/api/chat.postMessage", form, &resp)
}

// SendDirectMessage opens (or reuses) the DM conversation with a user
// and posts the text there.
func (c *Client) SendDirectMessage(ctx context.Context, userID, text string) error {
	var openResp struct {
		apiResponse
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	}
	if err := c.post(ctx, "/api/conversations.open", url.Values{"users": {userID}}, &openResp); err != nil {
		return fmt.Errorf("opening DM with %s: %w", userID, err)
	}
	if openResp.Channel.ID == "" {
		return fmt.Errorf("opening DM with %s: no channel in response", userID)
	}
	return c.PostChannelMessage(ctx, openResp.Channel.ID, text)
}

// MessageLink builds the archive permalink for a message.
func (c *Client) MessageLink(channelID, messageID string) string {
	if c.subdomain == "" {
		return ""
	}
	p := strings.Replace(messageID, ".", "", 1)
	return fmt.Sprintf("https://%s.slack.com/archives/%s/p%s", c.subdomain, channelID, p)
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (r *apiResponse) ok() bool       { return r.OK }
func (r *apiResponse) apiErr() string { return r.Error }

type okChecker interface {
	ok() bool
	apiErr() string
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out okChecker) error {
	endpoint := c.apiURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, path, out)
}

func (c *Client) post(ctx context.Context, path string, form url.Values, out okChecker) error {
	req, err := http.NewRequestWithContext(ctx, "POST", c.apiURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, path string, out okChecker) error {
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 30 * time.Second
		if sec, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && sec > 0 {
			retryAfter = time.Duration(sec) * time.Second
		}
		return &RateLimitError{RetryAfter: retryAfter}
	}
	if resp.StatusCode >= 500 {
		return &TransientError{Err: fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	if !out.ok() {
		return &APIError{Method: path, Code: out.apiErr()}
	}
	return nil
}
