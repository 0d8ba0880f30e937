package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flowershop-bot/internal/config"
	"flowershop-bot/internal/crm"
	"flowershop-bot/internal/ledger"
	"flowershop-bot/migrations"

	tele "gopkg.in/telebot.v3"
)

type statusUpdate struct {
	orderID int64
	status  string
}

type fakeAPI struct {
	orders    map[int64]*crm.Order
	updates   []statusUpdate
	updateErr error
}

func (f *fakeAPI) Order(_ context.Context, orderID int64) (*crm.Order, error) {
	if order, ok := f.orders[orderID]; ok {
		return order, nil
	}
	return nil, crm.ErrNotFound
}

func (f *fakeAPI) OrderByNumber(_ context.Context, number string) (*crm.Order, error) {
	for _, order := range f.orders {
		if order.Number == number {
			return order, nil
		}
	}
	return nil, crm.ErrNotFound
}

func (f *fakeAPI) UpdateStatus(_ context.Context, orderID int64, newStatus string) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, statusUpdate{orderID: orderID, status: newStatus})
	return nil
}

func (f *fakeAPI) Statuses(context.Context) ([]crm.Status, error) {
	return []crm.Status{
		{Code: "complete", Name: "Выполнен", Active: true},
		{Code: "old-status", Name: "Старый", Active: false},
	}, nil
}

type fakeLimiter struct {
	limited bool
	wait    time.Duration
	checks  []string
}

func (f *fakeLimiter) Check(_ context.Context, _, action string, _ int, _ time.Duration) (bool, int) {
	f.checks = append(f.checks, action)
	return f.limited, 0
}

func (f *fakeLimiter) TimeToReset(context.Context, string, string) (time.Duration, bool) {
	return f.wait, f.wait > 0
}

type fakeContext struct {
	tele.Context
	sender   *tele.User
	chat     *tele.Chat
	callback *tele.Callback
	message  *tele.Message

	sent      []string
	responses []*tele.CallbackResponse
	edited    []*tele.ReplyMarkup
}

func (f *fakeContext) Sender() *tele.User        { return f.sender }
func (f *fakeContext) Chat() *tele.Chat          { return f.chat }
func (f *fakeContext) Callback() *tele.Callback  { return f.callback }
func (f *fakeContext) Message() *tele.Message    { return f.message }

func (f *fakeContext) Send(what interface{}, _ ...interface{}) error {
	f.sent = append(f.sent, fmt.Sprint(what))
	return nil
}

func (f *fakeContext) Respond(resp ...*tele.CallbackResponse) error {
	f.responses = append(f.responses, resp...)
	return nil
}

func (f *fakeContext) Edit(what interface{}, _ ...interface{}) error {
	if markup, ok := what.(*tele.ReplyMarkup); ok {
		f.edited = append(f.edited, markup)
	}
	return nil
}

func callbackContext(data string) *fakeContext {
	return &fakeContext{
		sender:   &tele.User{ID: 111},
		chat:     &tele.Chat{ID: 111},
		callback: &tele.Callback{Data: data},
	}
}

func newTestStore(t *testing.T) ledger.Store {
	t.Helper()
	ctx := context.Background()
	store, err := ledger.NewSQLite(ctx, filepath.Join(t.TempDir(), "bot.db"), slog.Default())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return store
}

func testConfig() *config.Config {
	return &config.Config{
		Admins: map[int64]config.Admin{
			111: {UserID: 111, Warehouse: "20", ChatID: 111},
		},
		RateLimitWindow:       time.Minute,
		RateLimitButtonClicks: 10,
		RateLimitConfirm:      5,
		StatusNoProduct:       "obsuzhdenie-zameny",
		StatusConfirmed:       "send-to-assembling",
		StatusSelfPickupReady: "gotov-k-vydache",
		StatusCompleted:       "complete",
	}
}

func newTestHandlers(t *testing.T, api *fakeAPI, limiter *fakeLimiter) (*Handlers, ledger.Store) {
	t.Helper()
	store := newTestStore(t)
	h := New(context.Background(), api, store, limiter, testConfig(), slog.Default(), nil)
	return h, store
}

func seedOrder(t *testing.T, store ledger.Store, orderID int64, deliveryType string) {
	t.Helper()
	err := store.SaveProcessed(context.Background(), ledger.ProcessedOrder{
		OrderID:      orderID,
		OrderNumber:  fmt.Sprintf("%dA", orderID),
		Status:       "otpravlen-v-sborku",
		DeliveryType: deliveryType,
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
}

func TestConfirmOrderCourierClearsKeyboard(t *testing.T) {
	api := &fakeAPI{orders: map[int64]*crm.Order{
		12345: {ID: 12345, Number: "12345A", Status: "otpravlen-v-sborku"},
	}}
	h, store := newTestHandlers(t, api, &fakeLimiter{})
	seedOrder(t, store, 12345, "courier")

	c := callbackContext("confirm_order:12345")
	if err := h.handleCallback(c); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(api.updates) != 1 || api.updates[0].status != "send-to-assembling" {
		t.Fatalf("updates = %+v", api.updates)
	}
	if len(c.edited) != 1 || len(c.edited[0].InlineKeyboard) != 0 {
		t.Fatalf("keyboard not cleared: %+v", c.edited)
	}
	if len(c.sent) != 1 || !strings.Contains(c.sent[0], "ПОДТВЕРЖДЕН") {
		t.Fatalf("confirmation message missing: %v", c.sent)
	}

	actions, err := store.ActionsForOrder(context.Background(), 12345)
	if err != nil || len(actions) != 1 {
		t.Fatalf("actions = %+v, err %v", actions, err)
	}
	if actions[0].Action != ledger.ActionConfirmed || actions[0].AdminID != 111 {
		t.Fatalf("action record = %+v", actions[0])
	}
}

func TestConfirmOrderSelfPickupOffersPickedUpButton(t *testing.T) {
	api := &fakeAPI{orders: map[int64]*crm.Order{
		12345: {ID: 12345, Number: "12345A", Status: "otpravlen-v-sborku"},
	}}
	h, store := newTestHandlers(t, api, &fakeLimiter{})
	seedOrder(t, store, 12345, "self-delivery")

	c := callbackContext("confirm_order:12345")
	if err := h.handleCallback(c); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(api.updates) != 1 || api.updates[0].status != "gotov-k-vydache" {
		t.Fatalf("updates = %+v", api.updates)
	}
	if len(c.edited) != 1 || len(c.edited[0].InlineKeyboard) != 1 {
		t.Fatalf("pickup keyboard missing: %+v", c.edited)
	}
	if got := c.edited[0].InlineKeyboard[0][0].Data; got != "picked_up:12345" {
		t.Fatalf("next button payload = %q", got)
	}
}

func TestDiscussReplacementFlagsOrder(t *testing.T) {
	api := &fakeAPI{orders: map[int64]*crm.Order{
		12345: {ID: 12345, Number: "12345A", Status: "otpravlen-v-sborku"},
	}}
	h, store := newTestHandlers(t, api, &fakeLimiter{})
	seedOrder(t, store, 12345, "courier")

	c := callbackContext("discuss_replacement:12345")
	if err := h.handleCallback(c); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(api.updates) != 1 || api.updates[0].status != "obsuzhdenie-zameny" {
		t.Fatalf("updates = %+v", api.updates)
	}
	was, err := store.WasInNoProduct(context.Background(), 12345)
	if err != nil || !was {
		t.Fatalf("no-product flag not set: %v %v", was, err)
	}
}

func TestPickedUpCompletesSelfPickupOrder(t *testing.T) {
	api := &fakeAPI{orders: map[int64]*crm.Order{
		12345: {ID: 12345, Number: "12345A", Status: "gotov-k-vydache"},
	}}
	h, store := newTestHandlers(t, api, &fakeLimiter{})
	seedOrder(t, store, 12345, "self-delivery")

	c := callbackContext("picked_up:12345")
	if err := h.handleCallback(c); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(api.updates) != 1 || api.updates[0].status != "complete" {
		t.Fatalf("updates = %+v", api.updates)
	}
	actions, _ := store.ActionsForOrder(context.Background(), 12345)
	if len(actions) != 1 || actions[0].Action != ledger.ActionCompleted {
		t.Fatalf("actions = %+v", actions)
	}
	if len(c.sent) != 1 || !strings.Contains(c.sent[0], "ВЫПОЛНЕН") {
		t.Fatalf("completion message missing: %v", c.sent)
	}
}

func TestPickedUpByCourierLeavesStatusAlone(t *testing.T) {
	api := &fakeAPI{orders: map[int64]*crm.Order{
		12345: {ID: 12345, Number: "12345A", Status: "send-to-assembling"},
	}}
	h, store := newTestHandlers(t, api, &fakeLimiter{})

	c := callbackContext("order_picked_up_by_courier:12345")
	if err := h.handleCallback(c); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(api.updates) != 0 {
		t.Fatalf("courier hand-off must not change status: %+v", api.updates)
	}
	actions, _ := store.ActionsForOrder(context.Background(), 12345)
	if len(actions) != 1 || actions[0].Action != ledger.ActionPickedUpByCourier {
		t.Fatalf("actions = %+v", actions)
	}
	if len(c.sent) != 1 || !strings.Contains(c.sent[0], "ПЕРЕДАН КУРЬЕРУ") {
		t.Fatalf("courier message missing: %v", c.sent)
	}
}

func TestMalformedPayloadRejected(t *testing.T) {
	api := &fakeAPI{}
	h, _ := newTestHandlers(t, api, &fakeLimiter{})

	for _, data := range []string{"confirm_order:abc", "confirm_order:", "confirm_order:5:6", "confirm_order:-5"} {
		c := callbackContext(data)
		if err := h.handleCallback(c); err != nil {
			t.Fatalf("handle %q: %v", data, err)
		}
		if len(api.updates) != 0 {
			t.Fatalf("payload %q reached the API", data)
		}
		var alerted bool
		for _, resp := range c.responses {
			if resp.ShowAlert && strings.Contains(resp.Text, "неверный формат") {
				alerted = true
			}
		}
		if !alerted {
			t.Fatalf("payload %q: no alert, responses %+v", data, c.responses)
		}
	}
}

func TestUnknownActionRejected(t *testing.T) {
	api := &fakeAPI{}
	h, _ := newTestHandlers(t, api, &fakeLimiter{})

	c := callbackContext("drop_tables:1")
	if err := h.handleCallback(c); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(c.responses) != 1 || !c.responses[0].ShowAlert {
		t.Fatalf("responses = %+v", c.responses)
	}
}

func TestRateLimitBlocksBeforeAnyWork(t *testing.T) {
	api := &fakeAPI{orders: map[int64]*crm.Order{
		12345: {ID: 12345, Number: "12345A", Status: "otpravlen-v-sborku"},
	}}
	limiter := &fakeLimiter{limited: true, wait: 42 * time.Second}
	h, _ := newTestHandlers(t, api, limiter)

	c := callbackContext("confirm_order:12345")
	if err := h.handleCallback(c); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(api.updates) != 0 {
		t.Fatal("limited action reached the API")
	}
	if len(c.responses) != 1 || !strings.Contains(c.responses[0].Text, "42") {
		t.Fatalf("wait alert missing: %+v", c.responses)
	}
}

func TestUpdateFailureReportsToAdmin(t *testing.T) {
	api := &fakeAPI{
		orders:    map[int64]*crm.Order{12345: {ID: 12345, Number: "12345A"}},
		updateErr: errors.New("api rejected"),
	}
	h, store := newTestHandlers(t, api, &fakeLimiter{})
	seedOrder(t, store, 12345, "courier")

	c := callbackContext("confirm_order:12345")
	if err := h.handleCallback(c); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(c.sent) != 1 || !strings.Contains(c.sent[0], "Не удалось обновить статус") {
		t.Fatalf("failure message missing: %v", c.sent)
	}
	actions, _ := store.ActionsForOrder(context.Background(), 12345)
	if len(actions) != 0 {
		t.Fatalf("failed update must not log an action: %+v", actions)
	}
}

func TestOrderLookupCommand(t *testing.T) {
	api := &fakeAPI{orders: map[int64]*crm.Order{
		12345: {ID: 12345, Number: "12345A", Status: "complete", TotalSum: 4500},
	}}
	h, _ := newTestHandlers(t, api, &fakeLimiter{})

	c := &fakeContext{
		sender:  &tele.User{ID: 111},
		chat:    &tele.Chat{ID: 111},
		message: &tele.Message{Payload: "12345A"},
	}
	if err := h.handleOrderLookup(c); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(c.sent) != 1 || !strings.Contains(c.sent[0], "12345A") || !strings.Contains(c.sent[0], "4500") {
		t.Fatalf("lookup output: %v", c.sent)
	}

	c = &fakeContext{
		sender:  &tele.User{ID: 111},
		chat:    &tele.Chat{ID: 111},
		message: &tele.Message{Payload: ""},
	}
	if err := h.handleOrderLookup(c); err != nil {
		t.Fatalf("lookup usage: %v", err)
	}
	if len(c.sent) != 1 || !strings.Contains(c.sent[0], "Использование") {
		t.Fatalf("usage output: %v", c.sent)
	}
}

func TestStatsCommands(t *testing.T) {
	api := &fakeAPI{}
	h, store := newTestHandlers(t, api, &fakeLimiter{})
	ctx := context.Background()

	store.LogAction(ctx, ledger.OrderAction{OrderID: 1, AdminID: 111, Action: ledger.ActionConfirmed})
	store.LogAction(ctx, ledger.OrderAction{OrderID: 2, AdminID: 111, Action: ledger.ActionCompleted})

	c := callbackContext("")
	if err := h.handleMyStats(c); err != nil {
		t.Fatalf("my stats: %v", err)
	}
	if len(c.sent) != 1 || !strings.Contains(c.sent[0], "Подтверждено: 1") {
		t.Fatalf("my stats output: %v", c.sent)
	}

	c = callbackContext("")
	if err := h.handleStats(c); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(c.sent) != 1 || !strings.Contains(c.sent[0], "111") {
		t.Fatalf("stats output: %v", c.sent)
	}
}
