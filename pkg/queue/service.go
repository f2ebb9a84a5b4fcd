package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"

	"github.com/jbellard/stockline-backend/pkg/config"
	apperrors "github.com/jbellard/stockline-backend/pkg/errors"
	"github.com/jbellard/stockline-backend/pkg/logger"
	"github.com/jbellard/stockline-backend/pkg/metrics"
)

// Ack is the decision a consumer handler returns for a delivery.
type Ack int

const (
	// AckDone removes the message from the lane.
	AckDone Ack = iota
	// AckRequeue returns the message to the lane for redelivery.
	AckRequeue
	// AckDrop discards the message without redelivery.
	AckDrop
)

// Handler processes one decoded settlement message.
type Handler func(ctx context.Context, msg StockVerificationMessage) Ack

// Depth is a point-in-time snapshot of a lane.
type Depth struct {
	Lane      Lane
	Messages  int
	Consumers int
}

// Service is the lane-aware broker surface used by the order and worker
// services.
type Service interface {
	Publish(ctx context.Context, lane Lane, msg StockVerificationMessage) error
	Consume(ctx context.Context, lane Lane, handler Handler) error
	ExtractMatching(ctx context.Context, lane Lane, match func(StockVerificationMessage) bool) ([]StockVerificationMessage, error)
	Depth(ctx context.Context, lane Lane) (Depth, error)
	Close() error
}

// channel is the subset of *amqp.Channel the service depends on. Narrowed so
// tests can substitute a fake.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	QueueInspect(name string) (amqp.Queue, error)
	Close() error
}

type acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
}

type service struct {
	conn    *amqp.Connection
	channel channel
	cfg     config.AMQPConfig
	logg    *logger.Logger
	metrics *metrics.QueueMetrics
}

// New dials the broker with bounded backoff, declares both durable lanes and
// applies the configured prefetch.
func New(ctx context.Context, cfg config.AMQPConfig, logg *logger.Logger, qm *metrics.QueueMetrics) (Service, error) {
	s := &service{cfg: cfg, logg: logg, metrics: qm}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	logg.Info(ctx, "amqp lanes declared")
	return s, nil
}

func (s *service) connect(ctx context.Context) error {
	var conn *amqp.Connection
	backoff := retry.WithMaxRetries(s.cfg.ConnectMaxAttempts, retry.NewExponential(s.cfg.ConnectBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var dialErr error
		conn, dialErr = amqp.Dial(s.cfg.URL)
		if dialErr != nil {
			s.logg.Warn(ctx, fmt.Sprintf("amqp dial failed, retrying: %v", dialErr))
			return retry.RetryableError(dialErr)
		}
		return nil
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDependency, err, "connecting to amqp broker")
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return apperrors.Wrap(apperrors.CodeDependency, err, "opening amqp channel")
	}
	for _, name := range []string{s.cfg.ImmediateQueue, s.cfg.DeferredQueue} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return apperrors.Wrap(apperrors.CodeDependency, err, fmt.Sprintf("declaring queue %s", name))
		}
	}
	if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return apperrors.Wrap(apperrors.CodeDependency, err, "setting channel prefetch")
	}

	s.conn = conn
	s.channel = ch
	return nil
}

// reconnect tears down the dead connection and dials again. Only meaningful
// for broker-backed services; a test channel has nothing to redial.
func (s *service) reconnect(ctx context.Context) error {
	if s.conn == nil {
		return apperrors.New(apperrors.CodeDependency, "amqp channel closed and no connection to redial")
	}
	_ = s.conn.Close()
	s.logg.Warn(ctx, "amqp channel lost, redialing")
	return s.connect(ctx)
}

func newWithChannel(ch channel, cfg config.AMQPConfig, logg *logger.Logger, qm *metrics.QueueMetrics) *service {
	return &service{channel: ch, cfg: cfg, logg: logg, metrics: qm}
}

func (s *service) queueName(lane Lane) (string, error) {
	switch lane {
	case LaneImmediate:
		return s.cfg.ImmediateQueue, nil
	case LaneDeferred:
		return s.cfg.DeferredQueue, nil
	default:
		return "", apperrors.Newf(apperrors.CodeValidation, "unknown lane %q", lane)
	}
}

// Publish routes the message to the named lane. Lane selection is the
// caller's responsibility; when the lane is omitted the message content
// decides, and a warning is logged so the missing call site can be fixed.
// An explicit lane is always honored: a validated order's message moves to
// the immediate lane even though its payload still flags queuable items, so
// a content mismatch is only an assertion, never a reroute.
func (s *service) Publish(ctx context.Context, lane Lane, msg StockVerificationMessage) error {
	ctx = s.logg.WithOrderID(ctx, msg.Data.OrderID.String())

	if !lane.IsValid() {
		lane = msg.LaneHint()
		s.logg.Warn(s.logg.WithLane(ctx, lane.String()), "publish called without explicit lane, falling back to content-based routing")
	} else if lane == LaneImmediate && msg.LaneHint() == LaneDeferred {
		s.logg.Warn(s.logg.WithLane(ctx, lane.String()), "immediate publish carries queuable payload, keeping caller's lane")
	}

	name, err := s.queueName(lane)
	if err != nil {
		return err
	}
	body, err := msg.Encode()
	if err != nil {
		return err
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    msg.Data.OrderID.String(),
		Body:         body,
	}
	err = s.channel.PublishWithContext(ctx, "", name, false, false, publishing)
	if err != nil && errors.Is(err, amqp.ErrClosed) {
		if reconnectErr := s.reconnect(ctx); reconnectErr != nil {
			return reconnectErr
		}
		err = s.channel.PublishWithContext(ctx, "", name, false, false, publishing)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDependency, err, fmt.Sprintf("publishing to lane %s", lane))
	}
	s.metrics.IncPublished(lane.String())
	s.logg.Debug(s.logg.WithLane(ctx, lane.String()), "message published")
	return nil
}

// Consume delivers lane messages to the handler one at a time until the
// context is cancelled. Undecodable bodies are nack-requeued rather than
// discarded so nothing leaves the lane without an explicit decision.
func (s *service) Consume(ctx context.Context, lane Lane, handler Handler) error {
	name, err := s.queueName(lane)
	if err != nil {
		return err
	}
	deliveries, err := s.channel.ConsumeWithContext(ctx, name, "", false, false, false, false, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDependency, err, fmt.Sprintf("starting consumer on lane %s", lane))
	}

	laneCtx := s.logg.WithLane(ctx, lane.String())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return apperrors.Newf(apperrors.CodeDependency, "consumer channel closed on lane %s", lane)
			}
			s.metrics.IncConsumed(lane.String())
			s.dispatch(laneCtx, lane, delivery, handler)
		}
	}
}

func (s *service) dispatch(ctx context.Context, lane Lane, delivery amqp.Delivery, handler Handler) {
	msg, err := DecodeStockVerification(delivery.Body)
	if err != nil {
		s.logg.Error(ctx, "requeueing undecodable message", err)
		s.settle(ctx, lane, delivery.Acknowledger, delivery.DeliveryTag, AckRequeue)
		return
	}

	msgCtx := s.logg.WithOrderID(ctx, msg.Data.OrderID.String())
	s.settle(msgCtx, lane, delivery.Acknowledger, delivery.DeliveryTag, handler(msgCtx, msg))
}

func (s *service) settle(ctx context.Context, lane Lane, acker acknowledger, tag uint64, decision Ack) {
	if acker == nil {
		return
	}
	var err error
	switch decision {
	case AckRequeue:
		err = acker.Nack(tag, false, true)
		s.metrics.IncNacked(lane.String())
	case AckDrop:
		err = acker.Nack(tag, false, false)
		s.metrics.IncNacked(lane.String())
	default:
		err = acker.Ack(tag, false)
		s.metrics.IncAcked(lane.String())
	}
	if err != nil {
		s.logg.Error(ctx, "settling delivery failed", err)
	}
}

// ExtractMatching drains up to the lane's current depth, keeps every message
// the predicate selects and republishes the rest in their original order.
// The drain is bounded by both the depth snapshot and the configured timeout
// so a busy lane cannot trap the caller.
func (s *service) ExtractMatching(ctx context.Context, lane Lane, match func(StockVerificationMessage) bool) ([]StockVerificationMessage, error) {
	name, err := s.queueName(lane)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.channel.QueueInspect(name)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDependency, err, fmt.Sprintf("inspecting lane %s", lane))
	}

	timeout := s.cfg.ExtractTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	deadline := time.Now().Add(timeout)

	type drainedMessage struct {
		msg   StockVerificationMessage
		match bool
	}
	var drained []drainedMessage
	var drainErr error
	laneCtx := s.logg.WithLane(ctx, lane.String())

	for i := 0; i < snapshot.Messages; i++ {
		if time.Now().After(deadline) {
			s.logg.Warn(laneCtx, "extract drain hit timeout before reaching depth snapshot")
			break
		}
		if err := ctx.Err(); err != nil {
			drainErr = err
			break
		}

		delivery, ok, err := s.channel.Get(name, false)
		if err != nil {
			drainErr = apperrors.Wrap(apperrors.CodeDependency, err, fmt.Sprintf("draining lane %s", lane))
			break
		}
		if !ok {
			break
		}

		msg, decodeErr := DecodeStockVerification(delivery.Body)
		if decodeErr != nil {
			s.logg.Error(laneCtx, "requeueing undecodable message during extract", decodeErr)
			s.settle(laneCtx, lane, delivery.Acknowledger, delivery.DeliveryTag, AckRequeue)
			continue
		}
		s.settle(laneCtx, lane, delivery.Acknowledger, delivery.DeliveryTag, AckDone)
		drained = append(drained, drainedMessage{msg: msg, match: match(msg)})
	}

	// Republish keeps lane order for the survivors; matched messages are
	// owned by the caller. An aborted drain republishes the matched ones
	// too — the caller only gets an error, so handing them over would lose
	// them. The detached context lets acked messages get back on the lane
	// even when the abort was a cancellation.
	var matched []StockVerificationMessage
	repubCtx := context.WithoutCancel(ctx)
	for _, item := range drained {
		if drainErr == nil && item.match {
			matched = append(matched, item.msg)
			continue
		}
		if err := s.Publish(repubCtx, lane, item.msg); err != nil {
			return matched, apperrors.Wrap(apperrors.CodeDependency, err, fmt.Sprintf("republishing retained message to lane %s", lane))
		}
	}
	if drainErr != nil {
		return nil, drainErr
	}
	return matched, nil
}

// Depth reports the broker's live message and consumer counts for the lane.
func (s *service) Depth(ctx context.Context, lane Lane) (Depth, error) {
	name, err := s.queueName(lane)
	if err != nil {
		return Depth{}, err
	}
	snapshot, err := s.channel.QueueInspect(name)
	if err != nil {
		return Depth{}, apperrors.Wrap(apperrors.CodeDependency, err, fmt.Sprintf("inspecting lane %s", lane))
	}
	s.metrics.SetDepth(lane.String(), snapshot.Messages, snapshot.Consumers)
	return Depth{Lane: lane, Messages: snapshot.Messages, Consumers: snapshot.Consumers}, nil
}

func (s *service) Close() error {
	if s.channel != nil {
		_ = s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
