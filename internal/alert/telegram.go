package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramChannel sends through the Bot API
type TelegramChannel struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  telegramAPIBase,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, p Payload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	icon := "ℹ️"
	switch p.Level {
	case Warning:
		icon = "⚠️"
	case Error:
		icon = "❌"
	case Critical:
		icon = "🚨"
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       t.formatText(icon, p),
		"parse_mode": "Markdown",
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram api failed with status: %d", resp.StatusCode)
	}
	return nil
}

// formatText renders the payload as Markdown. The session id, when
// present, leads the field list; the rest follow alphabetically so
// repeated alerts read the same way.
func (t *TelegramChannel) formatText(icon string, p Payload) string {
	text := fmt.Sprintf("%s *[%s] %s*\n\n%s", icon, p.Level, p.Title, p.Message)

	if len(p.Fields) > 0 {
		text += "\n"
		if sid, ok := p.Fields["session_id"]; ok {
			text += fmt.Sprintf("\n- *session_id*: %s", sid)
		}
		keys := make([]string, 0, len(p.Fields))
		for k := range p.Fields {
			if k != "session_id" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			text += fmt.Sprintf("\n- *%s*: %s", k, p.Fields[k])
		}
	}

	if !p.Timestamp.IsZero() {
		text += fmt.Sprintf("\n\n_%s_", p.Timestamp.UTC().Format(time.RFC3339))
	}
	return text
}
