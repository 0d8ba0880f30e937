package notify

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"flowershop-bot/internal/config"
	"flowershop-bot/internal/crm"

	tele "gopkg.in/telebot.v3"
)

type sentMessage struct {
	kind   string
	chatID int64
	text   string
	photos int
}

type fakeMessenger struct {
	sent []sentMessage

	// per-chat errors returned on the next matching send
	textErr  map[int64]error
	photoErr map[int64]error
	albumErr map[int64]error
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		textErr:  make(map[int64]error),
		photoErr: make(map[int64]error),
		albumErr: make(map[int64]error),
	}
}

func (f *fakeMessenger) SendText(chatID int64, text string, _ *tele.ReplyMarkup) error {
	if err := f.textErr[chatID]; err != nil {
		delete(f.textErr, chatID)
		return err
	}
	f.sent = append(f.sent, sentMessage{kind: "text", chatID: chatID, text: text})
	return nil
}

func (f *fakeMessenger) SendPhoto(chatID int64, _, caption string, _ *tele.ReplyMarkup) error {
	if err := f.photoErr[chatID]; err != nil {
		delete(f.photoErr, chatID)
		return err
	}
	f.sent = append(f.sent, sentMessage{kind: "photo", chatID: chatID, text: caption, photos: 1})
	return nil
}

func (f *fakeMessenger) SendAlbum(chatID int64, urls []string, caption string) error {
	if err := f.albumErr[chatID]; err != nil {
		delete(f.albumErr, chatID)
		return err
	}
	f.sent = append(f.sent, sentMessage{kind: "album", chatID: chatID, text: caption, photos: len(urls)})
	return nil
}

func testAdmins() map[int64]config.Admin {
	return map[int64]config.Admin{
		111: {UserID: 111, Warehouse: "20", ChatID: 111},
		222: {UserID: 222, Warehouse: "20", ChatID: -500},
		333: {UserID: 333, Warehouse: "25", ChatID: 333},
	}
}

func newTestDispatcher(messenger Messenger) *Dispatcher {
	d := NewDispatcher(messenger, testAdmins(), slog.Default(), nil)
	d.sleep = func(time.Duration) {}
	return d
}

func warehouseOrder() crm.Order {
	return crm.Order{ID: 12345, Number: "12345A", ShipmentStore: "20"}
}

func TestDeliverFansOutToWarehouseAdminsOnly(t *testing.T) {
	messenger := newFakeMessenger()
	d := newTestDispatcher(messenger)

	delivered := d.Deliver(context.Background(), warehouseOrder(), "msg", OrderKeyboard(12345), nil)
	if delivered != 2 {
		t.Fatalf("delivered = %d, want 2", delivered)
	}
	if len(messenger.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(messenger.sent))
	}
	chats := map[int64]bool{}
	for _, msg := range messenger.sent {
		chats[msg.chatID] = true
	}
	if !chats[111] || !chats[-500] {
		t.Fatalf("wrong chats: %+v", messenger.sent)
	}
	if chats[333] {
		t.Fatal("admin of another warehouse was notified")
	}
}

func TestDeliverSinglePhotoCarriesCaption(t *testing.T) {
	messenger := newFakeMessenger()
	d := newTestDispatcher(messenger)

	d.Deliver(context.Background(), warehouseOrder(), "msg", nil, []string{"https://img/1.jpg"})
	for _, msg := range messenger.sent {
		if msg.kind != "photo" || msg.text != "msg" {
			t.Fatalf("unexpected message %+v", msg)
		}
	}
}

func TestDeliverAlbumFollowedByKeyboardMessage(t *testing.T) {
	messenger := newFakeMessenger()
	d := NewDispatcher(messenger, map[int64]config.Admin{
		111: {UserID: 111, Warehouse: "20", ChatID: 111},
	}, slog.Default(), nil)
	d.sleep = func(time.Duration) {}

	urls := make([]string, 12)
	for i := range urls {
		urls[i] = "https://img/x.jpg"
	}
	d.Deliver(context.Background(), warehouseOrder(), "msg", OrderKeyboard(12345), urls)

	if len(messenger.sent) != 2 {
		t.Fatalf("sent %d messages, want album + keyboard text", len(messenger.sent))
	}
	if messenger.sent[0].kind != "album" || messenger.sent[0].photos != 10 {
		t.Fatalf("album message = %+v", messenger.sent[0])
	}
	if messenger.sent[1].kind != "text" || messenger.sent[1].text != "Выберите действие:" {
		t.Fatalf("keyboard message = %+v", messenger.sent[1])
	}
}

func TestDeliverFallsBackToTextOnBadPhoto(t *testing.T) {
	messenger := newFakeMessenger()
	messenger.photoErr[111] = &tele.Error{Code: 400, Description: "wrong file identifier"}
	d := NewDispatcher(messenger, map[int64]config.Admin{
		111: {UserID: 111, Warehouse: "20", ChatID: 111},
	}, slog.Default(), nil)
	d.sleep = func(time.Duration) {}

	delivered := d.Deliver(context.Background(), warehouseOrder(), "msg", nil, []string{"https://img/broken.jpg"})
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	if len(messenger.sent) != 1 || messenger.sent[0].kind != "text" {
		t.Fatalf("expected text fallback, got %+v", messenger.sent)
	}
}

func TestDeliverSkipsBlockedChatAndContinues(t *testing.T) {
	messenger := newFakeMessenger()
	messenger.textErr[111] = tele.ErrBlockedByUser
	d := newTestDispatcher(messenger)

	delivered := d.Deliver(context.Background(), warehouseOrder(), "msg", nil, nil)
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	if len(messenger.sent) != 1 || messenger.sent[0].chatID != -500 {
		t.Fatalf("remaining admin not notified: %+v", messenger.sent)
	}
}

func TestDeliverRetriesOnceAfterFloodWait(t *testing.T) {
	messenger := newFakeMessenger()
	messenger.textErr[111] = tele.FloodError{
		Error:      &tele.Error{Code: 429, Description: "too many requests"},
		RetryAfter: 3,
	}
	var slept []time.Duration
	d := NewDispatcher(messenger, map[int64]config.Admin{
		111: {UserID: 111, Warehouse: "20", ChatID: 111},
	}, slog.Default(), nil)
	d.sleep = func(dur time.Duration) { slept = append(slept, dur) }

	delivered := d.Deliver(context.Background(), warehouseOrder(), "msg", nil, nil)
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1 after retry", delivered)
	}
	if len(slept) == 0 || slept[0] != 3*time.Second {
		t.Fatalf("flood wait not honored: %v", slept)
	}
	if len(messenger.sent) != 1 || messenger.sent[0].kind != "text" {
		t.Fatalf("retry did not send: %+v", messenger.sent)
	}
}

func TestDeliverUnexpectedErrorSkipsRecipient(t *testing.T) {
	messenger := newFakeMessenger()
	messenger.textErr[111] = errors.New("connection reset")
	d := newTestDispatcher(messenger)

	delivered := d.Deliver(context.Background(), warehouseOrder(), "msg", nil, nil)
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
}

func TestDeliverNoWarehouseNoAdmins(t *testing.T) {
	messenger := newFakeMessenger()
	d := newTestDispatcher(messenger)

	order := warehouseOrder()
	order.ShipmentStore = ""
	if got := d.Deliver(context.Background(), order, "msg", nil, nil); got != 0 {
		t.Fatalf("delivered = %d for order without warehouse", got)
	}

	order.ShipmentStore = "99"
	if got := d.Deliver(context.Background(), order, "msg", nil, nil); got != 0 {
		t.Fatalf("delivered = %d for unmapped warehouse", got)
	}
	if len(messenger.sent) != 0 {
		t.Fatalf("unexpected sends: %+v", messenger.sent)
	}
}
