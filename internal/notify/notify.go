package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/metrics"
)

// Menu selects the persistent keyboard the transport attaches to a message.
type Menu string

const (
	MenuKeep   Menu = ""
	MenuAdmin  Menu = "admin"
	MenuWorker Menu = "worker"
	MenuRemove Menu = "remove"
)

// Button is an inline action; Data is the callback payload, e.g. "accept_task:12".
type Button struct {
	Text string `json:"text"`
	Data string `json:"data"`
}

// OutboundMessage is one rendered message for one recipient. Kind is set for
// task notifications and empty for direct replies.
type OutboundMessage struct {
	Recipient int64      `json:"recipient"`
	Text      string     `json:"text"`
	Buttons   [][]Button `json:"buttons,omitempty"`
	Menu      Menu       `json:"menu,omitempty"`
	Kind      string     `json:"kind,omitempty"`
}

// Sender hands a message to the chat channel. Errors are per message and never fatal.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// NoticeRenderer turns a notification intent into the message one recipient sees.
type NoticeRenderer interface {
	Notice(n domain.Notice, recipient int64) OutboundMessage
}

// Journal records delivery attempts.
type Journal interface {
	Append(ctx context.Context, d events.Delivery) (int64, error)
}

// DeliveryError means the recipient could not be reached.
type DeliveryError struct {
	Recipient int64
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %d: %v", e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Result of one delivery. Err is nil exactly when Delivered is true.
type Result struct {
	Recipient int64
	Delivered bool
	Err       *DeliveryError
}

// Dispatcher delivers messages best-effort: one attempt per recipient, failures
// are logged and journaled but never returned as errors.
type Dispatcher struct {
	Sender      Sender
	Renderer    NoticeRenderer
	Journal     Journal
	Limiter     *rate.Limiter
	Concurrency int
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

func (d *Dispatcher) log() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return zap.NewNop()
}

// Deliver sends msg once.
func (d *Dispatcher) Deliver(ctx context.Context, msg OutboundMessage) Result {
	start := time.Now()
	err := d.send(ctx, msg)
	d.Metrics.Delivery(err == nil, time.Since(start))
	if msg.Kind != "" && d.Journal != nil {
		if _, jerr := d.Journal.Append(ctx, events.Delivery{Recipient: msg.Recipient, Kind: msg.Kind, Message: msg.Text, Err: err}); jerr != nil {
			d.log().Error("journal delivery", zap.Int64("recipient", msg.Recipient), zap.Error(jerr))
		}
	}
	if err != nil {
		de := &DeliveryError{Recipient: msg.Recipient, Err: err}
		d.log().Warn("delivery failed", zap.Int64("recipient", msg.Recipient), zap.String("kind", msg.Kind), zap.Error(err))
		return Result{Recipient: msg.Recipient, Err: de}
	}
	return Result{Recipient: msg.Recipient, Delivered: true}
}

func (d *Dispatcher) send(ctx context.Context, msg OutboundMessage) (err error) {
	if d.Sender == nil {
		return fmt.Errorf("no sender configured")
	}
	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	return d.Sender.Send(ctx, msg)
}

// DeliverAll sends every message concurrently. A failed recipient never stops
// its siblings; results keep the input order.
func (d *Dispatcher) DeliverAll(ctx context.Context, msgs []OutboundMessage) []Result {
	results := make([]Result, len(msgs))
	if len(msgs) == 0 {
		return results
	}
	limit := d.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for i, msg := range msgs {
		g.Go(func() error {
			results[i] = d.Deliver(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Notify renders each notice for each of its recipients and delivers them.
func (d *Dispatcher) Notify(ctx context.Context, notices ...domain.Notice) []Result {
	var msgs []OutboundMessage
	for _, n := range notices {
		for _, recipient := range n.Recipients {
			msg := d.Renderer.Notice(n, recipient)
			msg.Recipient = recipient
			if msg.Kind == "" {
				msg.Kind = string(n.Kind)
			}
			msgs = append(msgs, msg)
		}
	}
	return d.DeliverAll(ctx, msgs)
}

// Failed returns the results that did not reach their recipient.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Delivered {
			out = append(out, r)
		}
	}
	return out
}
