package action

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

type feedConfig struct {
	URL            string        `json:"url"`
	ReconnectDelay time.Duration `json:"reconnect_delay"`
	MaxRetries     int           `json:"max_retries"`
	PingInterval   time.Duration `json:"ping_interval"`
	PongWait       time.Duration `json:"pong_wait"`
	WriteWait      time.Duration `json:"write_wait"`
}

// WebSocketFeed streams gateway events over a single outbound WebSocket
// connection. The feed reconnects with a fixed delay until MaxRetries
// consecutive attempts fail, then shuts itself down.
type WebSocketFeed struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   types.Logger
	metrics  types.MetricsManager
	cfg      *feedConfig
	conn     *websocket.Conn
	connMu   sync.Mutex
	handlers map[string][]types.ActionHandler
	mu       sync.RWMutex
	send     chan *types.ActionMessage
	running  atomic.Bool
	seq      atomic.Int64
	done     chan struct{}
}

func NewWebSocketFeed(ctx context.Context, logger types.Logger, metrics types.MetricsManager, config *types.ActionsConfig) (types.ActionBroker, error) {
	cfg := &feedConfig{
		URL:            "ws://localhost:8081/ws",
		ReconnectDelay: 5 * time.Second,
		MaxRetries:     10,
		PingInterval:   54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
	}
	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, cfg); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal websocket feed config")
		}
	}

	feedCtx, cancel := context.WithCancel(ctx)
	feed := &WebSocketFeed{
		ctx:      feedCtx,
		cancel:   cancel,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		handlers: make(map[string][]types.ActionHandler),
		send:     make(chan *types.ActionMessage, 256),
		done:     make(chan struct{}),
	}

	logger.Info("WebSocket feed initialized",
		zap.String("url", cfg.URL),
		zap.Duration("reconnect_delay", cfg.ReconnectDelay),
		zap.Int("max_retries", cfg.MaxRetries))

	return feed, nil
}

func (f *WebSocketFeed) Publish(action string, payload interface{}) error {
	if !f.IsRunning() {
		return types.ErrActionNotInitialized
	}

	start := time.Now()
	message := &types.ActionMessage{
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    "lumonew-gateway",
		MessageID: fmt.Sprintf("ev-%d-%d", time.Now().Unix(), f.seq.Add(1)),
	}

	select {
	case f.send <- message:
		f.record("publish", "success", action, start)
		return nil
	case <-f.ctx.Done():
		f.record("publish", "canceled", action, start)
		return types.ErrActionNotInitialized
	default:
		f.logger.Error("Feed send buffer is full, dropping event",
			zap.String("action", action),
			zap.String("message_id", message.MessageID))
		f.record("publish", "dropped", action, start)
		return types.ErrActionPublishFailed
	}
}

// Subscribe registers a handler for inbound messages. Handlers must be in
// place before Start so no message arrives without a receiver.
func (f *WebSocketFeed) Subscribe(action string, handler types.ActionHandler) error {
	if action == "" || handler == nil {
		return types.ErrActionConfigInvalid
	}
	if f.IsRunning() {
		return types.ErrActionIsRunning
	}

	f.mu.Lock()
	f.handlers[action] = append(f.handlers[action], handler)
	f.mu.Unlock()
	return nil
}

func (f *WebSocketFeed) Unsubscribe(action string) error {
	if !f.IsRunning() {
		return types.ErrActionNotInitialized
	}

	f.mu.Lock()
	delete(f.handlers, action)
	f.mu.Unlock()
	return nil
}

func (f *WebSocketFeed) Start() error {
	if !f.running.CompareAndSwap(false, true) {
		return types.ErrServerAlreadyRunning
	}

	if err := f.connect(); err != nil {
		f.running.Store(false)
		return types.WrapError(err, "failed to establish initial connection")
	}

	go f.run()

	f.logger.Info("WebSocket feed started")
	return nil
}

func (f *WebSocketFeed) Stop() error {
	if !f.running.CompareAndSwap(true, false) {
		return types.ErrServerNotRunning
	}

	f.cancel()
	f.closeConn()

	select {
	case <-f.done:
		f.logger.Info("WebSocket feed stopped gracefully")
	case <-time.After(10 * time.Second):
		f.logger.Warn("WebSocket feed stop timeout")
	}
	return nil
}

func (f *WebSocketFeed) IsRunning() bool {
	return f.running.Load()
}

// run owns the connection lifecycle: it pumps the current connection until
// it breaks, then backs off and redials.
func (f *WebSocketFeed) run() {
	defer close(f.done)

	retries := 0
	for {
		f.pump()

		if f.ctx.Err() != nil || !f.IsRunning() {
			return
		}

		retries++
		if retries > f.cfg.MaxRetries {
			f.logger.Error("Max reconnection attempts reached, shutting feed down",
				zap.Int("max_retries", f.cfg.MaxRetries))
			f.running.Store(false)
			f.cancel()
			return
		}

		f.logger.Info("Reconnecting to event sink",
			zap.Int("attempt", retries),
			zap.Int("max_retries", f.cfg.MaxRetries))

		select {
		case <-time.After(f.cfg.ReconnectDelay):
		case <-f.ctx.Done():
			return
		}

		if err := f.connect(); err != nil {
			f.logger.Error("Reconnection attempt failed",
				zap.Int("attempt", retries), zap.Error(err))
			continue
		}
		retries = 0
	}
}

// pump runs the read and write loops for one connection and returns when
// either side fails.
func (f *WebSocketFeed) pump() {
	conn := f.currentConn()
	if conn == nil {
		return
	}

	pumpCtx, cancel := context.WithCancel(f.ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(pumpCtx)
	g.Go(func() error { return f.readLoop(gCtx, conn) })
	g.Go(func() error { return f.writeLoop(gCtx, conn) })

	if err := g.Wait(); err != nil && f.IsRunning() {
		f.logger.Debug("Feed connection lost", zap.Error(err))
	}
	f.closeConn()
}

func (f *WebSocketFeed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				f.logger.Debug("Feed connection closed by peer", zap.Error(err))
			}
			return err
		}

		var message types.ActionMessage
		if err := utils.Unmarshal(data, &message); err != nil {
			f.logger.Error("Failed to unmarshal inbound message", zap.Error(err))
			continue
		}
		f.dispatch(&message)
	}
}

func (f *WebSocketFeed) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message := <-f.send:
			data, err := utils.Marshal(message)
			if err != nil {
				f.logger.Error("Failed to marshal outbound message",
					zap.String("action", message.Action), zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (f *WebSocketFeed) dispatch(message *types.ActionMessage) {
	start := time.Now()

	f.mu.RLock()
	handlers := make([]types.ActionHandler, len(f.handlers[message.Action]))
	copy(handlers, f.handlers[message.Action])
	f.mu.RUnlock()

	if len(handlers) == 0 {
		f.record("handle", "no_handlers", message.Action, start)
		return
	}

	for _, handler := range handlers {
		f.invoke(handler, message)
	}
	f.record("handle", "success", message.Action, start)
}

func (f *WebSocketFeed) invoke(handler types.ActionHandler, message *types.ActionMessage) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("Action handler panicked",
				zap.String("action", message.Action),
				zap.Any("panic", r))
		}
	}()

	if err := handler(message); err != nil {
		f.logger.Error("Action handler failed",
			zap.String("action", message.Action),
			zap.String("message_id", message.MessageID),
			zap.Error(err))
	}
}

func (f *WebSocketFeed) connect() error {
	dialCtx, cancel := context.WithTimeout(f.ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.cfg.URL, nil)
	if err != nil {
		return types.WrapError(err, "failed to dial event sink")
	}

	_ = conn.SetReadDeadline(time.Now().Add(f.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.PongWait))
	})

	f.connMu.Lock()
	if f.conn != nil {
		_ = f.conn.Close()
	}
	f.conn = conn
	f.connMu.Unlock()

	f.logger.Info("Connected to event sink", zap.String("url", f.cfg.URL))
	return nil
}

func (f *WebSocketFeed) currentConn() *websocket.Conn {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	return f.conn
}

func (f *WebSocketFeed) closeConn() {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
}

func (f *WebSocketFeed) record(operation, result, action string, start time.Time) {
	if f.metrics == nil {
		return
	}

	f.metrics.Counter("websocket_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"action":    action,
	}).Inc()

	f.metrics.Histogram("websocket_operation_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1.0, 5.0},
		map[string]string{"operation": operation, "action": action},
	).Observe(time.Since(start).Seconds())
}
