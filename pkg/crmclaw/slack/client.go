package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/store"
)

const apiBase = "https://slack.com/api/"

// Continuation is the state carried inside a chooser button so the
// interactive callback can pick up exactly where the event left off.
type Continuation struct {
	OrgID    string `json:"org_id"`
	Message  string `json:"message"`
	Channel  string `json:"channel"`
	ThreadTS string `json:"thread_ts"`
	UserID   string `json:"user_id"`
}

// Client is a minimal Web API client for posting replies and org
// choosers. Every message it sends is threaded: the thread is the
// conversation unit jobs anchor to.
type Client struct {
	botToken   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Web API client.
func NewClient(botToken string, logger *slog.Logger) *Client {
	return &Client{
		botToken:   botToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "slack"),
	}
}

// PostReply posts text into the thread.
func (c *Client) PostReply(ctx context.Context, channelID, threadTS, text string) error {
	payload := map[string]any{
		"channel": channelID,
		"text":    text,
	}
	if threadTS != "" {
		payload["thread_ts"] = threadTS
	}
	_, err := c.apiCall(ctx, "chat.postMessage", payload)
	return err
}

// PostChooser posts an interactive org picker into the thread. Each
// button carries the full continuation, so no server-side pending state
// is needed while the user decides.
func (c *Client) PostChooser(ctx context.Context, channelID, threadTS, message, userID string, orgs []store.Org) error {
	buttons := make([]map[string]any, 0, len(orgs))
	for _, org := range orgs {
		cont, err := json.Marshal(Continuation{
			OrgID:    org.ID,
			Message:  message,
			Channel:  channelID,
			ThreadTS: threadTS,
			UserID:   userID,
		})
		if err != nil {
			return fmt.Errorf("slack: marshal chooser continuation: %w", err)
		}
		buttons = append(buttons, map[string]any{
			"type":      "button",
			"action_id": "org_select:" + org.ID,
			"text": map[string]any{
				"type": "plain_text",
				"text": fmt.Sprintf("%s (%s)", org.Name, org.Class),
			},
			"value": string(cont),
		})
	}

	payload := map[string]any{
		"channel": channelID,
		"text":    "Which org should I use?",
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": "I couldn't tell which org you meant. Which one should I use?",
				},
			},
			{
				"type":     "actions",
				"block_id": "org_chooser",
				"elements": buttons,
			},
		},
	}
	if threadTS != "" {
		payload["thread_ts"] = threadTS
	}
	_, err := c.apiCall(ctx, "chat.postMessage", payload)
	return err
}

// apiCall makes a POST request to the Web API and unwraps the ok/error
// envelope.
func (c *Client) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("slack: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("slack: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.botToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("slack: reading %s response: %w", method, err)
	}

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("slack: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("slack: %s: %s", method, result.Error)
	}
	return respBody, nil
}
