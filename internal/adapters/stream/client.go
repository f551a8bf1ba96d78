package stream

// Package stream mantiene la conexión websocket al canal market de
// Polymarket: una conexión, muchos assets, reconexión con backoff y
// resuscripción del set completo.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adrianvm/whalebot/internal/domain"
	"github.com/adrianvm/whalebot/internal/ports"
)

const (
	defaultWSBase = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterPercent  = 0.2

	defaultPingInterval = 5 * time.Second
	defaultReadIdle     = 30 * time.Second
	defaultMinBuffer    = 256

	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second

	// Breaker de parseo: más de parseErrLimit errores en
	// parseErrWindow fuerza una reconexión.
	parseErrLimit  = 10
	parseErrWindow = 30 * time.Second
)

var errParseBreaker = errors.New("stream: too many parse errors, reconnecting")

// Config son los knobs del cliente. Los campos en cero usan defaults.
type Config struct {
	URL             string
	PingInterval    time.Duration
	ReadIdleTimeout time.Duration
	MinBuffer       int
}

// Client implementa ports.Stream sobre gorilla/websocket.
type Client struct {
	url          string
	pingInterval time.Duration
	readIdle     time.Duration
	minBuffer    int

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu      sync.RWMutex
	subscribed map[string]struct{}

	backoffMu sync.Mutex
	backoff   time.Duration

	parseMu   sync.Mutex
	parseErrs []time.Time

	buf *eventBuffer

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

var _ ports.Stream = (*Client)(nil)

// NewClient crea el cliente del stream. No conecta hasta Start.
func NewClient(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = defaultWSBase
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = defaultReadIdle
	}
	if cfg.MinBuffer <= 0 {
		cfg.MinBuffer = defaultMinBuffer
	}
	return &Client{
		url:          cfg.URL,
		pingInterval: cfg.PingInterval,
		readIdle:     cfg.ReadIdleTimeout,
		minBuffer:    cfg.MinBuffer,
		subscribed:   make(map[string]struct{}),
		backoff:      initialBackoff,
		buf:          newEventBuffer(cfg.MinBuffer),
		stopChan:     make(chan struct{}),
	}
}

// Start hace el primer dial de forma síncrona y arranca los loops de
// lectura y reconexión. Un rechazo de autenticación en el dial es fatal
// y se devuelve aquí; cualquier otro fallo pasa al ciclo de backoff.
func (c *Client) Start(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		var aerr *domain.AuthError
		if errors.As(err, &aerr) {
			return err
		}
		slog.Warn("initial stream dial failed, will retry", "err", err)
	}

	c.wg.Add(1)
	go c.runLoop(ctx)
	return nil
}

// Events devuelve el canal de eventos. Se cierra tras Close.
func (c *Client) Events() <-chan domain.StreamEvent {
	return c.buf.Events()
}

// Subscribe añade assets al set deseado y, con conexión viva, manda el
// frame incremental.
func (c *Client) Subscribe(ctx context.Context, assetIDs ...string) error {
	added := c.updateSet(assetIDs, true)
	if len(added) == 0 {
		return nil
	}
	return c.sendOperation(added, "subscribe")
}

// Unsubscribe quita assets del set deseado.
func (c *Client) Unsubscribe(ctx context.Context, assetIDs ...string) error {
	removed := c.updateSet(assetIDs, false)
	if len(removed) == 0 {
		return nil
	}
	return c.sendOperation(removed, "unsubscribe")
}

// Close corta la conexión y cierra Events.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.closeConn()
	c.wg.Wait()
	c.buf.Close()
	return nil
}

// updateSet aplica el cambio al set suscrito y redimensiona el buffer.
// Devuelve los ids que realmente cambiaron.
func (c *Client) updateSet(assetIDs []string, add bool) []string {
	c.subMu.Lock()
	var changed []string
	for _, id := range assetIDs {
		if id == "" {
			continue
		}
		_, ok := c.subscribed[id]
		if add && !ok {
			c.subscribed[id] = struct{}{}
			changed = append(changed, id)
		}
		if !add && ok {
			delete(c.subscribed, id)
			changed = append(changed, id)
		}
	}
	size := len(c.subscribed)
	c.subMu.Unlock()

	capacity := c.minBuffer
	if 4*size > capacity {
		capacity = 4 * size
	}
	c.buf.Resize(capacity)
	return changed
}

// snapshotSet devuelve el set suscrito ordenado, para frames estables.
func (c *Client) snapshotSet() []string {
	c.subMu.RLock()
	ids := make([]string, 0, len(c.subscribed))
	for id := range c.subscribed {
		ids = append(ids, id)
	}
	c.subMu.RUnlock()
	sort.Strings(ids)
	return ids
}

// sendOperation manda un frame incremental subscribe/unsubscribe. Sin
// conexión viva no es un error: el set completo se replica al
// reconectar.
func (c *Client) sendOperation(assetIDs []string, operation string) error {
	msg := map[string]any{
		"assets_ids": assetIDs,
		"operation":  operation,
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("stream.sendOperation: %s: %w", operation, err)
	}
	slog.Debug("stream subscription updated", "operation", operation, "assets", len(assetIDs))
	return nil
}

// connect abre la conexión y manda el frame inicial con el set
// completo.
func (c *Client) connect(ctx context.Context) error {
	c.buf.Push(domain.ConnectionStateChange{State: domain.ConnConnecting, At: time.Now().UTC()})
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	headers := http.Header{}
	headers.Set("Origin", "https://polymarket.com")

	conn, resp, err := dialer.DialContext(ctx, c.url, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &domain.AuthError{Op: "stream.connect", Err: fmt.Errorf("dial status %d", resp.StatusCode)}
		}
		if resp != nil {
			return fmt.Errorf("stream.connect: dial status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("stream.connect: dial: %w", err)
	}

	ids := c.snapshotSet()
	initial := map[string]any{
		"assets_ids": ids,
		"type":       "market",
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(initial); err != nil {
		conn.Close()
		return fmt.Errorf("stream.connect: initial frame: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	slog.Info("stream connected", "endpoint", c.url, "assets", len(ids))
	c.buf.Push(domain.ConnectionStateChange{State: domain.ConnConnected, At: time.Now().UTC()})
	return nil
}

// runLoop es el ciclo conexión → lectura → reconexión.
func (c *Client) runLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		default:
		}

		if !c.hasConn() {
			if err := c.connect(ctx); err != nil {
				var aerr *domain.AuthError
				if errors.As(err, &aerr) {
					// Credenciales rechazadas a mitad de vuelo: no hay
					// backoff que lo arregle.
					slog.Error("stream auth rejected, giving up", "err", err)
					c.buf.Push(domain.ConnectionStateChange{
						State:  domain.ConnDisconnected,
						Reason: domain.ReasonAuthRejected,
						At:     time.Now().UTC(),
					})
					return
				}
				slog.Warn("stream reconnect failed", "err", err)
				c.waitBackoff(ctx)
				continue
			}
		}

		pingDone := make(chan struct{})
		c.wg.Add(1)
		go c.pingLoop(ctx, pingDone)

		err := c.readLoop(ctx)
		close(pingDone)
		c.closeConn()

		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		default:
		}

		reason := "read error"
		if err != nil {
			reason = err.Error()
		}
		slog.Warn("stream disconnected", "reason", reason)
		c.buf.Push(domain.ConnectionStateChange{
			State:  domain.ConnDisconnected,
			Reason: reason,
			At:     time.Now().UTC(),
		})
		c.waitBackoff(ctx)
	}
}

// readLoop lee frames hasta que la conexión falla. Cada lectura buena
// resetea el backoff.
func (c *Client) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopChan:
			return nil
		default:
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return fmt.Errorf("stream.readLoop: connection is nil")
		}

		conn.SetReadDeadline(time.Now().Add(c.readIdle))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("stream.readLoop: %w", err)
		}

		c.resetBackoff()
		now := time.Now().UTC()

		decoded, err := decodeFrame(raw)
		if err == nil {
			var events []domain.StreamEvent
			events, err = parseEvents(decoded, now)
			for _, ev := range events {
				c.buf.Push(ev)
			}
		}
		if err != nil {
			slog.Debug("stream parse error", "err", err)
			if c.recordParseError(now) {
				return errParseBreaker
			}
		}
	}
}

// pingLoop manda el "PING" literal que el server espera cada
// pingInterval.
func (c *Client) pingLoop(ctx context.Context, done <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
					slog.Warn("stream ping failed", "err", err)
					c.connMu.Unlock()
					c.closeConn()
					return
				}
			}
			c.connMu.Unlock()
		}
	}
}

// recordParseError registra un error de parseo y devuelve true si el
// breaker debe disparar.
func (c *Client) recordParseError(now time.Time) bool {
	c.parseMu.Lock()
	defer c.parseMu.Unlock()

	cutoff := now.Add(-parseErrWindow)
	kept := c.parseErrs[:0]
	for _, t := range c.parseErrs {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.parseErrs = append(kept, now)
	return len(c.parseErrs) > parseErrLimit
}

func (c *Client) hasConn() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) resetBackoff() {
	c.backoffMu.Lock()
	c.backoff = initialBackoff
	c.backoffMu.Unlock()
}

// waitBackoff espera el backoff actual con ±20% de jitter y lo dobla
// para el siguiente intento, hasta 60s.
func (c *Client) waitBackoff(ctx context.Context) {
	c.backoffMu.Lock()
	base := c.backoff
	next := time.Duration(float64(base) * backoffFactor)
	if next > maxBackoff {
		next = maxBackoff
	}
	c.backoff = next
	c.backoffMu.Unlock()

	jitter := time.Duration(float64(base) * jitterPercent * (rand.Float64()*2 - 1))
	wait := base + jitter

	select {
	case <-ctx.Done():
	case <-c.stopChan:
	case <-time.After(wait):
	}
}
