package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/kds/internal/domain"
	"github.com/vladislavdragonenkov/kds/internal/metrics"
)

// State описывает состояние realtime-соединения терминала.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
	StateError        State = "error"
	StateReconnecting State = "reconnecting"
	// StateFailed — лимит переподключений исчерпан; дальше только ручной Retry.
	StateFailed State = "failed"
)

// Типы входящих событий заказов.
const (
	EventOrderCreated   = "order.created"
	EventOrderUpdated   = "order.updated"
	EventOrderCancelled = "order.cancelled"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectBase     = 1000 * time.Millisecond
	defaultReconnectMax      = 30 * time.Second
	defaultReconnectJitter   = 1000 * time.Millisecond
	defaultMaxReconnects     = 10
	defaultHandshakeTimeout  = 10 * time.Second
)

// Config задаёт параметры подключения к venue-скоупнутому потоку событий.
type Config struct {
	// URL точки подключения, например wss://api.example.com/v1/events.
	URL string
	// VenueID — заведение, на события которого подписывается терминал.
	VenueID string

	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	MaxReconnects     int
	HandshakeTimeout  time.Duration
}

// DefaultConfig возвращает параметры транспорта по умолчанию.
func DefaultConfig(url, venueID string) Config {
	return Config{
		URL:               url,
		VenueID:           venueID,
		HeartbeatInterval: defaultHeartbeatInterval,
		ReconnectBase:     defaultReconnectBase,
		ReconnectMax:      defaultReconnectMax,
		MaxReconnects:     defaultMaxReconnects,
		HandshakeTimeout:  defaultHandshakeTimeout,
	}
}

// OrderHandler получает нормализованный заказ из входящего события.
// Транспорт только нормализует и передаёт дальше: версионная логика и
// конфликты — забота кэша и движка, не транспорта.
type OrderHandler func(eventType string, order domain.VersionedOrder)

// StateHandler получает смены состояния соединения.
type StateHandler func(state State, reason string)

// wireEvent — формат кадра события заказа на проводе.
type wireEvent struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Version   flexInt64       `json:"version"`
	Timestamp string          `json:"timestamp"`
	VenueID   string          `json:"venueId"`
}

// controlFrame — служебные кадры heartbeat и подписки.
type controlFrame struct {
	Type    string `json:"type"`
	VenueID string `json:"venueId,omitempty"`
}

// flexInt64 терпимо декодирует версию, присланную числом или строкой.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parse version %q: %w", s, err)
		}
		*f = flexInt64(v)
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexInt64(v)
	return nil
}

// Client держит живое дуплексное соединение с потоком событий заведения:
// переподключается с ограниченным экспоненциальным backoff-ом и джиттером,
// шлёт heartbeat и раздаёт входящие события заказов.
type Client struct {
	cfg      Config
	handler  OrderHandler
	onState  StateHandler
	dialer   *websocket.Dialer
	sched    domain.Scheduler
	metrics  *metrics.SyncMetrics
	logger   *log.Entry
	now      func() time.Time
	jitterFn func(time.Duration) time.Duration

	mu sync.Mutex
	// writeMu сериализует записи: gorilla допускает только одного писателя.
	writeMu       sync.Mutex
	conn          *websocket.Conn
	state         State
	attempts      int
	lastPong      time.Time
	stopHeartbeat domain.CancelFunc
	cancelRetry   domain.CancelFunc
	closed        bool
	readGen       int
}

// NewClient создаёт транспорт. handler обязателен; metrics может быть nil.
func NewClient(cfg Config, sched domain.Scheduler, handler OrderHandler, onState StateHandler, m *metrics.SyncMetrics, logger *log.Entry) *Client {
	if logger == nil {
		logger = log.New().WithField("component", "transport")
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		onState: onState,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		sched:   sched,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		jitterFn: func(max time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(max)))
		},
		state: StateDisconnected,
	}
}

// State возвращает текущее состояние соединения.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect устанавливает соединение и подписывается на события заведения.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrTransportClosed
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting, "")
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateError, err.Error())
		c.mu.Unlock()
		c.scheduleReconnect()
		return fmt.Errorf("dial venue event stream: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.lastPong = c.now()
	c.readGen++
	gen := c.readGen
	c.setStateLocked(StateConnected, "")
	c.startHeartbeatLocked()
	c.mu.Unlock()

	// Подписка на venue-скоупнутый поток событий заказов.
	if err := c.send(controlFrame{Type: "subscribe", VenueID: c.cfg.VenueID}); err != nil {
		c.logger.WithError(err).Warn("failed to send venue subscription")
	}

	go c.readLoop(conn, gen)

	c.logger.WithFields(log.Fields{
		"url":      c.cfg.URL,
		"venue_id": c.cfg.VenueID,
	}).Info("venue event stream connected")
	return nil
}

// Close закрывает соединение кодом 1000; автопереподключение не запускается.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.stopTimersLocked()
	c.setStateLocked(StateClosed, "terminal shutdown")
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), deadline)
		_ = conn.Close()
	}
}

// Retry — ручной повтор после исчерпания лимита переподключений.
func (c *Client) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateFailed && c.state != StateClosed && c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.attempts = 0
	c.closed = false
	c.state = StateDisconnected
	c.mu.Unlock()
	return c.Connect(ctx)
}

// readLoop читает кадры соединения до его смерти.
func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * c.cfg.HeartbeatInterval))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, gen, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.handleFrame(data)
	}
}

// handleFrame разбирает один текстовый кадр: heartbeat или событие заказа.
func (c *Client) handleFrame(data []byte) {
	var control controlFrame
	if err := json.Unmarshal(data, &control); err == nil {
		switch control.Type {
		case "ping":
			_ = c.send(controlFrame{Type: "pong"})
			return
		case "pong":
			c.mu.Lock()
			c.lastPong = c.now()
			c.mu.Unlock()
			return
		}
	}

	var event wireEvent
	if err := json.Unmarshal(data, &event); err != nil {
		c.logger.WithError(err).Warn("undecodable frame from event stream")
		return
	}

	switch event.Type {
	case EventOrderCreated, EventOrderUpdated, EventOrderCancelled:
	default:
		c.logger.WithField("type", event.Type).Debug("ignoring unknown event type")
		return
	}

	order, err := c.normalize(event)
	if err != nil {
		c.logger.WithFields(log.Fields{
			"type":  event.Type,
			"error": err,
		}).Warn("dropping malformed order event")
		return
	}

	if c.metrics != nil {
		c.metrics.RecordEventReceived(event.Type)
	}
	c.handler(event.Type, order)
}

// normalize приводит кадр к VersionedOrder и отбрасывает чужие заведения.
func (c *Client) normalize(event wireEvent) (domain.VersionedOrder, error) {
	if event.VenueID != "" && event.VenueID != c.cfg.VenueID {
		return domain.VersionedOrder{}, fmt.Errorf("event for foreign venue %q", event.VenueID)
	}

	var order domain.VersionedOrder
	if err := json.Unmarshal(event.Payload, &order); err != nil {
		return domain.VersionedOrder{}, fmt.Errorf("decode order payload: %w", err)
	}
	if order.ID == "" {
		return domain.VersionedOrder{}, domain.ErrOrderIDRequired
	}
	if order.Version == 0 {
		order.Version = int64(event.Version)
	}
	if order.ClientVersion == 0 {
		order.ClientVersion = order.Version
	}
	if order.VenueID == "" {
		order.VenueID = c.cfg.VenueID
	}
	if order.LastModified.IsZero() && event.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, event.Timestamp); err == nil {
			order.LastModified = ts
		}
	}
	// Отмена заказа приходит и без поля status в payload.
	if event.Type == EventOrderCancelled {
		order.Status = domain.OrderStatusCancelled
	}
	if !order.Status.Valid() {
		return domain.VersionedOrder{}, domain.ErrStatusUnknown
	}
	return order, nil
}

// handleDisconnect переводит автомат в closed или error и решает, нужно ли
// переподключение: нормальное закрытие (код 1000) — конечное состояние,
// всё остальное — кандидат на reconnect.
func (c *Client) handleDisconnect(conn *websocket.Conn, gen int, err error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.readGen != gen || c.closed {
		// Устаревший цикл чтения от уже заменённого соединения.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.stopHeartbeatLocked()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.setStateLocked(StateClosed, "server closed connection")
		c.mu.Unlock()
		return
	}

	c.setStateLocked(StateError, err.Error())
	c.mu.Unlock()

	c.logger.WithError(err).Warn("event stream connection lost")
	c.scheduleReconnect()
}

// scheduleReconnect планирует следующую попытку подключения с задержкой
// min(base·2^attempts, 30s) + jitter[0,1s), останавливаясь после лимита.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.cancelRetry != nil {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxReconnects {
		c.setStateLocked(StateFailed, domain.ErrReconnectExhausted.Error())
		c.mu.Unlock()
		c.logger.WithField("attempts", c.attempts).Error("reconnect attempts exhausted, manual retry required")
		return
	}

	delay := c.ReconnectDelay(c.attempts)
	c.attempts++
	c.setStateLocked(StateReconnecting, "")
	if c.metrics != nil {
		c.metrics.RecordReconnectAttempt()
	}
	c.logger.WithFields(log.Fields{
		"attempt": c.attempts,
		"delay":   delay,
	}).Info("scheduling reconnect")

	c.cancelRetry = c.sched.After(delay, func() {
		c.mu.Lock()
		c.cancelRetry = nil
		c.state = StateDisconnected
		c.mu.Unlock()
		if err := c.Connect(context.Background()); err != nil {
			c.logger.WithError(err).Warn("reconnect attempt failed")
		}
	})
	c.mu.Unlock()
}

// ReconnectDelay возвращает задержку перед попыткой attempt (с нуля).
func (c *Client) ReconnectDelay(attempt int) time.Duration {
	delay := c.cfg.ReconnectBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMax
			break
		}
	}
	if delay > c.cfg.ReconnectMax {
		delay = c.cfg.ReconnectMax
	}
	return delay + c.jitterFn(defaultReconnectJitter)
}

// startHeartbeatLocked запускает периодический ping; вызывается под c.mu.
func (c *Client) startHeartbeatLocked() {
	c.stopHeartbeatLocked()
	c.stopHeartbeat = c.sched.Every(c.cfg.HeartbeatInterval, c.heartbeat)
}

// heartbeat шлёт ping и проверяет, что pong приходил недавно; молчащее
// соединение убивается, чтобы его подхватил reconnect.
func (c *Client) heartbeat() {
	c.mu.Lock()
	conn := c.conn
	lastPong := c.lastPong
	c.mu.Unlock()
	if conn == nil {
		return
	}

	if c.now().Sub(lastPong) > 2*c.cfg.HeartbeatInterval {
		c.logger.Warn("heartbeat timed out, dropping silent connection")
		// Закрытие соединения уронит readLoop, который запустит reconnect.
		_ = conn.Close()
		return
	}

	if err := c.send(controlFrame{Type: "ping"}); err != nil {
		c.logger.WithError(err).Warn("failed to send ping")
	}
}

func (c *Client) send(frame interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrTransportClosed
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) stopHeartbeatLocked() {
	if c.stopHeartbeat != nil {
		c.stopHeartbeat()
		c.stopHeartbeat = nil
	}
}

// stopTimersLocked гасит heartbeat и отложенный reconnect; вызывается под c.mu.
func (c *Client) stopTimersLocked() {
	c.stopHeartbeatLocked()
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
}

// setStateLocked меняет состояние и уведомляет подписчика; вызывается под c.mu.
func (c *Client) setStateLocked(state State, reason string) {
	if c.state == state {
		return
	}
	c.state = state
	if c.metrics != nil {
		c.metrics.SetConnectionUp(state == StateConnected)
	}
	if c.onState != nil {
		// Уведомление вне блокировки, чтобы подписчик мог дёргать клиента.
		go c.onState(state, reason)
	}
}
