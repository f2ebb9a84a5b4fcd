package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/jbellard/stockline-backend/pkg/config"
	apperrors "github.com/jbellard/stockline-backend/pkg/errors"
	"github.com/jbellard/stockline-backend/pkg/logger"
)

type fakeAcker struct {
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (f *fakeAcker) Ack(tag uint64, _ bool) error {
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	f.nacked = append(f.nacked, tag)
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

type fakeChannel struct {
	queues     map[string][][]byte
	deliveries chan amqp.Delivery
	acker      *fakeAcker
	nextTag    uint64
}

func newFakeChannel(queueNames ...string) *fakeChannel {
	queues := make(map[string][][]byte, len(queueNames))
	for _, name := range queueNames {
		queues[name] = nil
	}
	return &fakeChannel{
		queues: queues,
		acker:  &fakeAcker{},
	}
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.queues[key] = append(f.queues[key], msg.Body)
	return nil
}

func (f *fakeChannel) ConsumeWithContext(context.Context, string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Get(queue string, _ bool) (amqp.Delivery, bool, error) {
	pending := f.queues[queue]
	if len(pending) == 0 {
		return amqp.Delivery{}, false, nil
	}
	body := pending[0]
	f.queues[queue] = pending[1:]
	f.nextTag++
	return amqp.Delivery{Acknowledger: f.acker, DeliveryTag: f.nextTag, Body: body}, true, nil
}

func (f *fakeChannel) QueueInspect(name string) (amqp.Queue, error) {
	return amqp.Queue{Name: name, Messages: len(f.queues[name]), Consumers: 1}, nil
}

func (f *fakeChannel) Close() error { return nil }

func testService(t *testing.T, ch channel) (*service, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logg := logger.New(logger.Options{ServiceName: "queue-test", Level: zerolog.DebugLevel, Output: &buf})
	cfg := config.AMQPConfig{
		ImmediateQueue: "stock.settlement.immediate",
		DeferredQueue:  "stock.settlement.deferred",
	}
	return newWithChannel(ch, cfg, logg, nil), &buf
}

func verificationMessage(queuable bool, items ...StockVerificationItem) StockVerificationMessage {
	return StockVerificationMessage{Data: StockVerificationData{
		OrderID:             uuid.New(),
		HasQueuableProducts: queuable,
		Items:               items,
	}}
}

func TestPublishRoutesToExplicitLane(t *testing.T) {
	ch := newFakeChannel("stock.settlement.immediate", "stock.settlement.deferred")
	svc, buf := testService(t, ch)

	msg := verificationMessage(false)
	if err := svc.Publish(context.Background(), LaneImmediate, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := len(ch.queues["stock.settlement.immediate"]); got != 1 {
		t.Fatalf("immediate lane has %d messages, want 1", got)
	}
	if got := len(ch.queues["stock.settlement.deferred"]); got != 0 {
		t.Fatalf("deferred lane has %d messages, want 0", got)
	}
	if strings.Contains(buf.String(), "falling back") {
		t.Fatal("explicit lane publish should not warn about fallback routing")
	}
}

func TestPublishHonorsExplicitLaneWithWarning(t *testing.T) {
	ch := newFakeChannel("stock.settlement.immediate", "stock.settlement.deferred")
	svc, buf := testService(t, ch)

	if err := svc.Publish(context.Background(), LaneImmediate, verificationMessage(true)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := len(ch.queues["stock.settlement.immediate"]); got != 1 {
		t.Fatalf("immediate lane has %d messages, want 1 (explicit lane wins)", got)
	}
	if got := len(ch.queues["stock.settlement.deferred"]); got != 0 {
		t.Fatalf("deferred lane has %d messages, want 0", got)
	}
	if !strings.Contains(buf.String(), "keeping caller's lane") {
		t.Fatal("expected a content-mismatch warning for queuable payload on the immediate lane")
	}
}

func TestPublishFallsBackToContentRouting(t *testing.T) {
	ch := newFakeChannel("stock.settlement.immediate", "stock.settlement.deferred")
	svc, buf := testService(t, ch)

	if err := svc.Publish(context.Background(), "", verificationMessage(true)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := len(ch.queues["stock.settlement.deferred"]); got != 1 {
		t.Fatalf("deferred lane has %d messages, want 1", got)
	}

	if err := svc.Publish(context.Background(), "", verificationMessage(false)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := len(ch.queues["stock.settlement.immediate"]); got != 1 {
		t.Fatalf("immediate lane has %d messages, want 1", got)
	}

	if !strings.Contains(buf.String(), "falling back to content-based routing") {
		t.Fatal("expected a fallback warning for lane-less publishes")
	}
}

func TestPublishUnknownLaneFallsBack(t *testing.T) {
	ch := newFakeChannel("stock.settlement.immediate", "stock.settlement.deferred")
	svc, _ := testService(t, ch)

	err := svc.Publish(context.Background(), Lane("sideline"), verificationMessage(false))
	if err != nil {
		t.Fatalf("unknown lane should fall back to content routing, got %v", err)
	}
	if got := len(ch.queues["stock.settlement.immediate"]); got != 1 {
		t.Fatalf("immediate lane has %d messages, want 1", got)
	}
}

func TestConsumeAcksAndRequeues(t *testing.T) {
	ch := newFakeChannel("stock.settlement.immediate", "stock.settlement.deferred")
	svc, _ := testService(t, ch)

	good := verificationMessage(false)
	goodBody, err := good.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	retry := verificationMessage(false)
	retryBody, err := retry.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	deliveries := make(chan amqp.Delivery, 3)
	deliveries <- amqp.Delivery{Acknowledger: ch.acker, DeliveryTag: 1, Body: goodBody}
	deliveries <- amqp.Delivery{Acknowledger: ch.acker, DeliveryTag: 2, Body: retryBody}
	deliveries <- amqp.Delivery{Acknowledger: ch.acker, DeliveryTag: 3, Body: []byte("{not json")}
	close(deliveries)
	ch.deliveries = deliveries

	seen := 0
	handler := func(_ context.Context, msg StockVerificationMessage) Ack {
		seen++
		if msg.Data.OrderID == retry.Data.OrderID {
			return AckRequeue
		}
		return AckDone
	}

	err = svc.Consume(context.Background(), LaneImmediate, handler)
	if !apperrors.IsCode(err, apperrors.CodeDependency) {
		t.Fatalf("consume returned %v, want a dependency error for the closed channel", err)
	}

	if seen != 2 {
		t.Fatalf("handler saw %d messages, want 2", seen)
	}
	if len(ch.acker.acked) != 1 || ch.acker.acked[0] != 1 {
		t.Fatalf("acked tags = %v, want [1]", ch.acker.acked)
	}
	if len(ch.acker.nacked) != 2 {
		t.Fatalf("nacked tags = %v, want two entries", ch.acker.nacked)
	}
	if !ch.acker.requeue[0] || !ch.acker.requeue[1] {
		t.Fatalf("requeue flags = %v, want both true", ch.acker.requeue)
	}
}

func TestExtractMatchingRepublishesSurvivors(t *testing.T) {
	ch := newFakeChannel("stock.settlement.immediate", "stock.settlement.deferred")
	svc, _ := testService(t, ch)
	ctx := context.Background()

	target := verificationMessage(true)
	first := verificationMessage(true)
	last := verificationMessage(true)
	for _, msg := range []StockVerificationMessage{first, target, last} {
		if err := svc.Publish(ctx, LaneDeferred, msg); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	matched, err := svc.ExtractMatching(ctx, LaneDeferred, func(msg StockVerificationMessage) bool {
		return msg.Data.OrderID == target.Data.OrderID
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(matched) != 1 || matched[0].Data.OrderID != target.Data.OrderID {
		t.Fatalf("matched %v, want the target order only", matched)
	}

	remaining := ch.queues["stock.settlement.deferred"]
	if len(remaining) != 2 {
		t.Fatalf("deferred lane has %d messages after extract, want 2", len(remaining))
	}
	wantOrder := []uuid.UUID{first.Data.OrderID, last.Data.OrderID}
	for i, body := range remaining {
		var envelope Envelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			t.Fatalf("unmarshal survivor %d: %v", i, err)
		}
		var data StockVerificationData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			t.Fatalf("unmarshal survivor payload %d: %v", i, err)
		}
		if data.OrderID != wantOrder[i] {
			t.Fatalf("survivor %d is order %s, want %s", i, data.OrderID, wantOrder[i])
		}
	}
}

// cancellingChannel cancels the caller's context once the first Get has
// handed out a delivery, mimicking a request context that expires mid-drain.
type cancellingChannel struct {
	*fakeChannel
	cancel context.CancelFunc
	gets   int
}

func (c *cancellingChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	c.gets++
	if c.gets == 1 {
		defer c.cancel()
	}
	return c.fakeChannel.Get(queue, autoAck)
}

func TestExtractMatchingRepublishesOnContextCancel(t *testing.T) {
	inner := newFakeChannel("stock.settlement.immediate", "stock.settlement.deferred")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := &cancellingChannel{fakeChannel: inner, cancel: cancel}
	svc, _ := testService(t, ch)

	for i := 0; i < 3; i++ {
		if err := svc.Publish(context.Background(), LaneDeferred, verificationMessage(true)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	matched, err := svc.ExtractMatching(ctx, LaneDeferred, func(StockVerificationMessage) bool { return true })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("extract returned %v, want context.Canceled", err)
	}
	if len(matched) != 0 {
		t.Fatalf("aborted extract handed %d messages to the caller, want 0", len(matched))
	}
	if got := len(inner.queues["stock.settlement.deferred"]); got != 3 {
		t.Fatalf("deferred lane has %d messages after aborted extract, want all 3 back", got)
	}
}

// failingChannel errors on the second Get so the drain aborts with one
// message already acked.
type failingChannel struct {
	*fakeChannel
	gets int
}

func (c *failingChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	c.gets++
	if c.gets > 1 {
		return amqp.Delivery{}, false, errors.New("broker gone")
	}
	return c.fakeChannel.Get(queue, autoAck)
}

func TestExtractMatchingRepublishesOnGetError(t *testing.T) {
	inner := newFakeChannel("stock.settlement.immediate", "stock.settlement.deferred")
	ch := &failingChannel{fakeChannel: inner}
	svc, _ := testService(t, ch)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := svc.Publish(ctx, LaneDeferred, verificationMessage(true)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	matched, err := svc.ExtractMatching(ctx, LaneDeferred, func(StockVerificationMessage) bool { return true })
	if !apperrors.IsCode(err, apperrors.CodeDependency) {
		t.Fatalf("extract returned %v, want a dependency error", err)
	}
	if len(matched) != 0 {
		t.Fatalf("failed extract handed %d messages to the caller, want 0", len(matched))
	}
	if got := len(inner.queues["stock.settlement.deferred"]); got != 2 {
		t.Fatalf("deferred lane has %d messages after failed extract, want both back", got)
	}
}

func TestExtractMatchingNoMatchKeepsDepth(t *testing.T) {
	ch := newFakeChannel("stock.settlement.immediate", "stock.settlement.deferred")
	svc, _ := testService(t, ch)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := svc.Publish(ctx, LaneDeferred, verificationMessage(true)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	matched, err := svc.ExtractMatching(ctx, LaneDeferred, func(StockVerificationMessage) bool { return false })
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(matched) != 0 {
		t.Fatalf("matched %d messages, want 0", len(matched))
	}

	depth, err := svc.Depth(ctx, LaneDeferred)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth.Messages != 3 {
		t.Fatalf("deferred depth = %d after no-match extract, want 3", depth.Messages)
	}
}

func TestDecodeStockVerificationRejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", "{oops"},
		{"wrong type", `{"type":"PING","data":{}}`},
		{"missing order id", `{"type":"STOCK_VERIFICATION","data":{"items":[]}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeStockVerification([]byte(tc.body))
			if !apperrors.IsCode(err, apperrors.CodeValidation) {
				t.Fatalf("got %v, want a validation error", err)
			}
		})
	}
}
