package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/walnut-ai/was/internal/dispatch"
	"github.com/walnut-ai/was/internal/platform"
)

func feishuMessage(msgType, content string) string {
	return `{"schema":"2.0","header":{"event_id":"e1","event_type":"im.message.receive_v1","token":"vt"},
		"event":{"sender":{"sender_id":{"open_id":"ou_1"}},
		"message":{"message_id":"om_1","message_type":"` + msgType + `","content":` + content + `}}}`
}

func TestFeishuChallenge(t *testing.T) {
	env := setup(t, nil)
	rr := do(env.handler, http.MethodPost, "/event", `{"challenge":"abc","token":"vt","type":"url_verification"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := decode[map[string]string](t, rr); got["challenge"] != "abc" {
		t.Errorf("body = %v", got)
	}
	if len(env.dispatcher.events) != 0 {
		t.Error("challenge should not be dispatched")
	}
}

func TestFeishuTextAndImage(t *testing.T) {
	env := setup(t, nil)

	rr := do(env.handler, http.MethodPost, "/event", feishuMessage("text", `"{\"text\":\" reset password \"}"`), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := decode[map[string]string](t, rr); got["status"] != "ok" {
		t.Errorf("body = %v", got)
	}

	do(env.handler, http.MethodPost, "/event", feishuMessage("image", `"{\"image_key\":\"img_1\"}"`), "")
	do(env.handler, http.MethodPost, "/event", feishuMessage("sticker", `"{\"file_key\":\"f\"}"`), "")

	evs := env.dispatcher.events
	if len(evs) != 2 {
		t.Fatalf("dispatched %d events, want 2", len(evs))
	}
	want := dispatch.Event{Platform: platform.Feishu, UserID: "ou_1", MessageID: "om_1", Kind: dispatch.KindText, Text: "reset password"}
	if evs[0] != want {
		t.Errorf("text event = %+v", evs[0])
	}
	if evs[1].Kind != dispatch.KindImage || evs[1].ImageKey != "img_1" {
		t.Errorf("image event = %+v", evs[1])
	}
}

func TestFeishuAcksWhenDispatchFails(t *testing.T) {
	env := setup(t, nil)
	env.dispatcher.err = errors.New("queue full")
	rr := do(env.handler, http.MethodPost, "/event", feishuMessage("text", `"{\"text\":\"hi\"}"`), "")
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestFeishuVerificationToken(t *testing.T) {
	env := setup(t, func(d *Deps) { d.FeishuToken = "vt" })
	rr := do(env.handler, http.MethodPost, "/event", feishuMessage("text", `"{\"text\":\"hi\"}"`), "")
	if rr.Code != http.StatusOK || len(env.dispatcher.events) != 1 {
		t.Errorf("valid token: code = %d events = %d", rr.Code, len(env.dispatcher.events))
	}

	env = setup(t, func(d *Deps) { d.FeishuToken = "other" })
	rr = do(env.handler, http.MethodPost, "/event", feishuMessage("text", `"{\"text\":\"hi\"}"`), "")
	if rr.Code != http.StatusUnauthorized || len(env.dispatcher.events) != 0 {
		t.Errorf("wrong token: code = %d events = %d", rr.Code, len(env.dispatcher.events))
	}
}

func TestFeishuMalformedBody(t *testing.T) {
	env := setup(t, nil)
	rr := do(env.handler, http.MethodPost, "/event", `{`, "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestTelegramWebhook(t *testing.T) {
	env := setup(t, func(d *Deps) { d.TelegramSecret = "s3cret" })

	body := `{"update_id":1,"message":{"message_id":5,"date":0,"chat":{"id":42,"type":"private"},"text":"where is my order"}}`
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("missing secret: code = %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "s3cret")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	photo := `{"update_id":2,"message":{"message_id":6,"date":0,"chat":{"id":42,"type":"private"},"caption":"error screen",
		"photo":[{"file_id":"small","width":90,"height":90},{"file_id":"large","width":800,"height":800}]}}`
	req = httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(photo))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "s3cret")
	env.handler.ServeHTTP(httptest.NewRecorder(), req)

	evs := env.dispatcher.events
	if len(evs) != 2 {
		t.Fatalf("dispatched %d events, want 2", len(evs))
	}
	if evs[0].Platform != platform.Telegram || evs[0].UserID != "42" || evs[0].Text != "where is my order" || evs[0].MessageID != "5" {
		t.Errorf("text event = %+v", evs[0])
	}
	if evs[1].Kind != dispatch.KindImage || evs[1].ImageKey != "large" || evs[1].Text != "error screen" {
		t.Errorf("photo event = %+v", evs[1])
	}
}

func TestTelegramIgnoresCommandsAndEmptyUpdates(t *testing.T) {
	env := setup(t, nil)
	for _, body := range []string{
		`{"update_id":1}`,
		`{"update_id":2,"message":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"},"text":"/start","entities":[{"type":"bot_command","offset":0,"length":6}]}}`,
	} {
		rr := do(env.handler, http.MethodPost, "/telegram/webhook", body, "")
		if rr.Code != http.StatusOK {
			t.Errorf("status = %d for %s", rr.Code, body)
		}
	}
	if len(env.dispatcher.events) != 0 {
		t.Errorf("dispatched %+v, want none", env.dispatcher.events)
	}
}

func TestTelegramRouteDisabled(t *testing.T) {
	env := setup(t, func(d *Deps) { d.TelegramEnabled = false })
	rr := do(env.handler, http.MethodPost, "/telegram/webhook", `{"update_id":1}`, "")
	if rr.Code != http.StatusNotFound && rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want route missing", rr.Code)
	}
}
