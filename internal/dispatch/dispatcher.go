// Package dispatch routes admitted alert events to notification channels.
// Channels fail independently and are never retried inline; a slow or broken
// channel cannot stall the poll cycle.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"fabricmon/internal/logger"
	"fabricmon/internal/metrics"
	"fabricmon/internal/models"

	"go.uber.org/zap"
)

// ChannelDeliveryError marks one channel's failed send.
type ChannelDeliveryError struct {
	Channel string
	Err     error
}

func (e *ChannelDeliveryError) Error() string {
	return fmt.Sprintf("dispatch: channel %s delivery failed: %v", e.Channel, e.Err)
}

func (e *ChannelDeliveryError) Unwrap() error { return e.Err }

// Notification is one delivery unit: a raise or a clear for an alert event.
type Notification struct {
	Event models.AlertEvent
	Clear bool
}

// Title renders the notification subject line.
func (n Notification) Title() string {
	if n.Clear {
		return fmt.Sprintf("[cleared] %s - %s", n.Event.Rule, n.Event.TargetID)
	}
	return fmt.Sprintf("[%s] %s - %s", n.Event.Severity, n.Event.Rule, n.Event.TargetID)
}

// Body renders the notification body.
func (n Notification) Body() string {
	if n.Clear {
		return fmt.Sprintf("Recovered: %s\nRule: %s\nTarget: %s\nRaised at: %s",
			n.Event.Message, n.Event.Rule, n.Event.TargetID,
			n.Event.FiredAt.Format("2006-01-02 15:04:05"))
	}
	return fmt.Sprintf("%s\nRule: %s\nTarget: %s\nSeverity: %s\nObserved value: %.2f\nFired at: %s",
		n.Event.Message, n.Event.Rule, n.Event.TargetID, n.Event.Severity,
		n.Event.Value, n.Event.FiredAt.Format("2006-01-02 15:04:05"))
}

type channelWorker struct {
	name     string
	notifier Notifier
	queue    chan Notification
}

// Dispatcher fans notifications out to named channels. Each channel has one
// worker goroutine and a FIFO queue, so per-channel ordering matches the
// order the analyzer produced events.
type Dispatcher struct {
	workers map[string]*channelWorker
	wg      sync.WaitGroup
}

// NewDispatcher builds a dispatcher over the configured channel adapters.
func NewDispatcher(channels map[string]Notifier, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{workers: make(map[string]*channelWorker, len(channels))}
	for name, notifier := range channels {
		d.workers[name] = &channelWorker{
			name:     name,
			notifier: notifier,
			queue:    make(chan Notification, queueSize),
		}
	}
	return d
}

// Start launches one worker per channel. Workers drain their queue after ctx
// is cancelled so an in-flight cycle's notifications still go out.
func (d *Dispatcher) Start(ctx context.Context) {
	for _, w := range d.workers {
		d.wg.Add(1)
		go func(w *channelWorker) {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					for {
						select {
						case n := <-w.queue:
							d.deliver(w, n)
						default:
							return
						}
					}
				case n := <-w.queue:
					d.deliver(w, n)
				}
			}
		}(w)
	}
}

// Wait blocks until all channel workers have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch enqueues a notification for every named channel. Unknown channels
// and full queues drop the notification with a diagnostic; they never block.
func (d *Dispatcher) Dispatch(event models.AlertEvent, channels []string, clear bool) {
	n := Notification{Event: event, Clear: clear}
	for _, name := range channels {
		w, ok := d.workers[name]
		if !ok {
			logger.Warn("dispatch to unknown channel",
				zap.String("channel", name),
				zap.String("rule", event.Rule),
			)
			continue
		}
		select {
		case w.queue <- n:
		default:
			metrics.DispatchTotal.WithLabelValues(name, "dropped").Inc()
			logger.Warn("dispatch queue full, dropping notification",
				zap.String("channel", name),
				zap.String("event_id", event.EventID),
			)
		}
	}
}

func (d *Dispatcher) deliver(w *channelWorker, n Notification) {
	if err := w.notifier.Send(n.Title(), n.Body()); err != nil {
		derr := &ChannelDeliveryError{Channel: w.name, Err: err}
		metrics.DispatchTotal.WithLabelValues(w.name, "failed").Inc()
		logger.Error("notification delivery failed",
			zap.String("channel", w.name),
			zap.String("event_id", n.Event.EventID),
			zap.Error(derr),
		)
		return
	}
	metrics.DispatchTotal.WithLabelValues(w.name, "sent").Inc()
	logger.Info("notification delivered",
		zap.String("channel", w.name),
		zap.String("event_id", n.Event.EventID),
		zap.Bool("clear", n.Clear),
	)
}

// Channels returns the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.workers))
	for name := range d.workers {
		names = append(names, name)
	}
	return names
}
