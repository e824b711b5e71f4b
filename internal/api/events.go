package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/walnut-ai/was/internal/dispatch"
	"github.com/walnut-ai/was/internal/platform"
)

// feishuEvent covers the URL verification handshake and the v2
// im.message.receive_v1 callback.
type feishuEvent struct {
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Header    struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
		} `json:"message"`
	} `json:"event"`
}

type feishuContent struct {
	Text     string `json:"text"`
	ImageKey string `json:"image_key"`
}

// handleFeishuEvent acknowledges every well-formed callback at once and
// hands messages to the dispatcher.
func handleFeishuEvent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var payload feishuEvent
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid event body: %v", err)
			return
		}

		if deps.FeishuToken != "" {
			token := payload.Header.Token
			if token == "" {
				token = payload.Token
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(deps.FeishuToken)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid verification token")
				return
			}
		}

		if payload.Challenge != "" {
			writeJSON(w, http.StatusOK, map[string]string{"challenge": payload.Challenge})
			return
		}

		if ev, ok := feishuToEvent(payload); ok {
			if err := deps.Dispatcher.Dispatch(ev); err != nil {
				slog.Warn("dropping feishu event", "message_id", ev.MessageID, "error", err)
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func feishuToEvent(p feishuEvent) (dispatch.Event, bool) {
	msg := p.Event.Message
	openID := p.Event.Sender.SenderID.OpenID
	if openID == "" || msg.Content == "" {
		return dispatch.Event{}, false
	}

	var content feishuContent
	if err := json.Unmarshal([]byte(msg.Content), &content); err != nil {
		slog.Warn("undecodable feishu message content", "message_id", msg.MessageID, "error", err)
		return dispatch.Event{}, false
	}

	ev := dispatch.Event{Platform: platform.Feishu, UserID: openID, MessageID: msg.MessageID}
	switch msg.MessageType {
	case "text":
		ev.Kind = dispatch.KindText
		ev.Text = strings.TrimSpace(content.Text)
		if ev.Text == "" {
			return dispatch.Event{}, false
		}
	case "image":
		if content.ImageKey == "" {
			return dispatch.Event{}, false
		}
		ev.Kind = dispatch.KindImage
		ev.ImageKey = content.ImageKey
	default:
		slog.Debug("ignoring feishu message", "type", msg.MessageType)
		return dispatch.Event{}, false
	}
	return ev, true
}

func handleTelegramWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.TelegramSecret != "" {
			got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(deps.TelegramSecret)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid webhook secret")
				return
			}
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid update body: %v", err)
			return
		}

		if ev, ok := telegramToEvent(update.Message); ok {
			if err := deps.Dispatcher.Dispatch(ev); err != nil {
				slog.Warn("dropping telegram update", "update_id", update.UpdateID, "error", err)
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// telegramToEvent maps a private or group message to an event keyed by
// chat id, so replies go back to the same chat.
func telegramToEvent(msg *tgbotapi.Message) (dispatch.Event, bool) {
	if msg == nil || msg.Chat == nil || msg.IsCommand() {
		return dispatch.Event{}, false
	}
	ev := dispatch.Event{
		Platform:  platform.Telegram,
		UserID:    strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: strconv.Itoa(msg.MessageID),
	}
	switch {
	case len(msg.Photo) > 0:
		ev.Kind = dispatch.KindImage
		ev.ImageKey = msg.Photo[len(msg.Photo)-1].FileID
		ev.Text = strings.TrimSpace(msg.Caption)
	case strings.TrimSpace(msg.Text) != "":
		ev.Kind = dispatch.KindText
		ev.Text = strings.TrimSpace(msg.Text)
	default:
		return dispatch.Event{}, false
	}
	return ev, true
}
