package action

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

// EventDispatcher fans gateway events out to the configured broker and the
// webhook notifier. Either sink may be absent; at least one must be set.
type EventDispatcher struct {
	logger   types.Logger
	metrics  types.MetricsManager
	broker   types.ActionBroker
	webhooks *WebhookNotifier
	running  atomic.Bool
}

func NewEventDispatcher(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, health types.HealthManager) (types.ActionBroker, error) {
	actionsConfig := config.GetConfig().Actions
	if actionsConfig == nil || !actionsConfig.Enabled {
		return nil, types.ErrActionIsDisabled
	}

	ed := &EventDispatcher{
		logger:  logger,
		metrics: metrics,
	}

	switch actionsConfig.Type {
	case "websocket":
		feed, err := NewWebSocketFeed(ctx, logger, metrics, actionsConfig)
		if err != nil {
			return nil, err
		}
		ed.broker = feed
	case "":
		// webhook-only mode
	default:
		creator, ok := customActionCreators[actionsConfig.Type]
		if !ok {
			return nil, types.ErrActionTypeUnknown
		}
		broker, err := creator(actionsConfig.Config)
		if err != nil {
			return nil, err
		}
		ed.broker = broker
	}

	if actionsConfig.Webhook {
		notifier, err := NewWebhookNotifier(logger, metrics, actionsConfig.Config)
		if err != nil {
			return nil, err
		}
		ed.webhooks = notifier
	}

	if ed.broker == nil && ed.webhooks == nil {
		return nil, types.ErrActionConfigInvalid
	}

	return ed, nil
}

// Publish delivers the event to every sink concurrently. A partial failure
// is logged but tolerated; Publish fails only when no sink accepted the
// event.
func (ed *EventDispatcher) Publish(action string, payload interface{}) error {
	if !ed.running.Load() {
		return types.ErrActionNotInitialized
	}

	start := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	sinks := 0

	publish := func(name string, fn func() error) {
		sinks++
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				ed.logger.Error("Event sink rejected event",
					zap.String("sink", name),
					zap.String("action", action),
					zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}

	if ed.broker != nil {
		publish("broker", func() error { return ed.broker.Publish(action, payload) })
	}
	if ed.webhooks != nil {
		publish("webhooks", func() error { return ed.webhooks.Notify(action, payload) })
	}
	wg.Wait()

	if len(errs) == sinks {
		ed.record("publish", "error", action, start)
		return types.WrapError(errs[0], "all event sinks failed")
	}
	if len(errs) > 0 {
		ed.record("publish", "partial", action, start)
		return nil
	}
	ed.record("publish", "success", action, start)
	return nil
}

// Subscribe is allowed before Start so handlers are in place when the
// broker connects.
func (ed *EventDispatcher) Subscribe(action string, handler types.ActionHandler) error {
	if ed.broker == nil {
		return types.ErrActionNotInitialized
	}
	return ed.broker.Subscribe(action, handler)
}

func (ed *EventDispatcher) Unsubscribe(action string) error {
	if ed.broker == nil {
		return types.ErrActionNotInitialized
	}
	return ed.broker.Unsubscribe(action)
}

func (ed *EventDispatcher) Start() error {
	if !ed.running.CompareAndSwap(false, true) {
		return types.ErrServerAlreadyRunning
	}

	if ed.webhooks != nil {
		if err := ed.webhooks.Start(); err != nil {
			ed.running.Store(false)
			return err
		}
	}
	if ed.broker != nil {
		if err := ed.broker.Start(); err != nil {
			if ed.webhooks != nil {
				_ = ed.webhooks.Stop()
			}
			ed.running.Store(false)
			return err
		}
	}

	ed.logger.Info("Event dispatcher started")
	return nil
}

func (ed *EventDispatcher) Stop() error {
	if !ed.running.CompareAndSwap(true, false) {
		return types.ErrServerNotRunning
	}

	var firstErr error
	if ed.broker != nil {
		if err := ed.broker.Stop(); err != nil {
			ed.logger.Error("Failed to stop broker", zap.Error(err))
			firstErr = err
		}
	}
	if ed.webhooks != nil {
		if err := ed.webhooks.Stop(); err != nil {
			ed.logger.Error("Failed to stop webhook notifier", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	ed.logger.Info("Event dispatcher stopped")
	return firstErr
}

func (ed *EventDispatcher) IsRunning() bool {
	return ed.running.Load()
}

func (ed *EventDispatcher) RegisterRoutes(router types.HTTPRouter) {
	if ed.webhooks != nil {
		ed.webhooks.RegisterRoutes(router)
	}
}

func (ed *EventDispatcher) record(operation, result, action string, start time.Time) {
	if ed.metrics == nil {
		return
	}

	ed.metrics.Counter("action_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"action":    action,
	}).Inc()

	ed.metrics.Histogram("action_operation_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1.0, 5.0},
		map[string]string{"operation": operation, "action": action},
	).Observe(time.Since(start).Seconds())
}
