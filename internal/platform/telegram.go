package platform

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const maxTelegramMessage = 4096

type TelegramConfig struct {
	Token string
	// APIEndpoint and FileEndpoint override the Bot API URLs; both take the
	// token and a method or file path as %s arguments.
	APIEndpoint  string
	FileEndpoint string
}

// TelegramClient replies to Telegram chats. User ids are chat ids.
type TelegramClient struct {
	bot          *tgbotapi.BotAPI
	http         *http.Client
	fileEndpoint string
}

// NewTelegramClient connects to the Bot API and verifies the token.
func NewTelegramClient(cfg TelegramConfig) (*TelegramClient, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: %w", ErrNotConfigured)
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.FileEndpoint == "" {
		cfg.FileEndpoint = tgbotapi.FileEndpoint
	}
	client := &http.Client{Timeout: DefaultTimeout}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &TelegramClient{bot: bot, http: client, fileEndpoint: cfg.FileEndpoint}, nil
}

// Username returns the bot's username.
func (c *TelegramClient) Username() string {
	return c.bot.Self.UserName
}

// Send posts text to a chat, split into Telegram-sized parts.
func (c *TelegramClient) Send(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	for _, part := range splitMessage(text) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.bot.Send(tgbotapi.NewMessage(id, part)); err != nil {
			return fmt.Errorf("sending telegram message: %w", err)
		}
	}
	return nil
}

// FetchImage downloads a photo by file id. The message id is unused.
func (c *TelegramClient) FetchImage(ctx context.Context, _ string, fileID string) ([]byte, string, error) {
	file, err := c.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("resolving telegram file: %w", err)
	}

	link := fmt.Sprintf(c.fileEndpoint, c.bot.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("downloading telegram file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", &APIError{Platform: Telegram, Status: resp.StatusCode, Message: resp.Status}
	}

	data, err := readImage(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading telegram file: %w", err)
	}
	return data, http.DetectContentType(data), nil
}

// splitMessage cuts text into parts of at most maxTelegramMessage bytes
// without splitting a UTF-8 sequence.
func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > maxTelegramMessage {
		end := maxTelegramMessage
		for end > 0 && !utf8.RuneStart(text[end]) {
			end--
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
