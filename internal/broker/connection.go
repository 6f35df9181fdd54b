package broker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ConnState describes the broker connection lifecycle.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
	ConnCircuitOpen  ConnState = "circuit_open"
	ConnShutdown     ConnState = "shutdown"
)

// AccountSnapshot is the venue account view returned by a probe.
type AccountSnapshot struct {
	AccountID   string
	Status      string
	Equity      decimal.Decimal
	Cash        decimal.Decimal
	BuyingPower decimal.Decimal
}

// VenueClient is the minimal venue surface the connection needs: a probe
// that authenticates and returns the account. The Alpaca client satisfies
// it; tests plug in fakes.
type VenueClient interface {
	Probe(ctx context.Context) (*AccountSnapshot, error)
}

// Connection manages the link to the trading venue: connecting through the
// circuit breaker, periodic health monitoring, and orderly shutdown.
type Connection struct {
	client  VenueClient
	breaker *CircuitBreaker
	logger  *slog.Logger

	baseURL         string
	monitorInterval time.Duration
	connectTimeout  time.Duration

	// closePositions, when set, is invoked during Shutdown before the
	// connection is marked down.
	closePositions func(ctx context.Context) error

	mu                sync.Mutex
	state             ConnState
	account           *AccountSnapshot
	connectedAt       time.Time
	lastCheck         time.Time
	reconnectAttempts int

	cancelMonitor context.CancelFunc
	wg            sync.WaitGroup
	shutdownOnce  sync.Once
}

// ConnectionOptions configures a Connection.
type ConnectionOptions struct {
	BaseURL         string
	MonitorInterval time.Duration
	ConnectTimeout  time.Duration
	// ClosePositions is called during Shutdown while the venue is still
	// reachable. Optional.
	ClosePositions func(ctx context.Context) error
}

// NewConnection creates a Connection over the given venue client, guarded by
// the given circuit breaker.
func NewConnection(client VenueClient, breaker *CircuitBreaker, opts ConnectionOptions, logger *slog.Logger) *Connection {
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &Connection{
		client:          client,
		breaker:         breaker,
		logger:          logger,
		baseURL:         opts.BaseURL,
		monitorInterval: opts.MonitorInterval,
		connectTimeout:  opts.ConnectTimeout,
		closePositions:  opts.ClosePositions,
		state:           ConnDisconnected,
	}
}

// IsPaper reports whether the configured endpoint is a paper trading
// account, judged from the base URL.
func (c *Connection) IsPaper() bool {
	return strings.Contains(c.baseURL, "paper")
}

// Connect authenticates against the venue through the circuit breaker. On a
// live (non-paper) endpoint it logs a prominent warning: orders placed over
// this connection move real money.
func (c *Connection) Connect(ctx context.Context) error {
	c.setState(ConnConnecting)

	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()

		snap, err := c.client.Probe(probeCtx)
		if err != nil {
			return classifyProbeError(err)
		}

		c.mu.Lock()
		c.account = snap
		c.connectedAt = time.Now().UTC()
		c.lastCheck = c.connectedAt
		c.reconnectAttempts = 0
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		if _, open := err.(*CircuitOpenError); open {
			c.setState(ConnCircuitOpen)
		} else {
			c.setState(ConnDisconnected)
		}
		return err
	}

	c.setState(ConnConnected)

	c.mu.Lock()
	snap := c.account
	c.mu.Unlock()

	if c.IsPaper() {
		c.logger.Info("connected to paper trading account",
			"account_id", snap.AccountID,
			"equity", snap.Equity.String())
	} else {
		c.logger.Error("LIVE TRADING ACCOUNT CONNECTED - orders will move real money",
			"account_id", snap.AccountID,
			"equity", snap.Equity.String())
	}
	return nil
}

// classifyProbeError maps probe failures onto the connection error taxonomy.
func classifyProbeError(err error) error {
	if _, ok := err.(*ConnectionError); ok {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "timeout"):
		return NewConnectionError(ConnectionErrorTimeout, err)
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return NewConnectionError(ConnectionErrorAuth, err)
	default:
		return NewConnectionError(ConnectionErrorGeneric, err)
	}
}

// StartMonitor launches a background loop that re-probes the venue at the
// monitor interval and reconnects through the breaker when a probe fails.
// It returns immediately; stop it via Shutdown or the passed context.
func (c *Connection) StartMonitor(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancelMonitor = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.monitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.checkOnce(ctx)
			}
		}
	}()
}

// checkOnce probes the venue and drives reconnection on failure.
func (c *Connection) checkOnce(ctx context.Context) {
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()

		snap, err := c.client.Probe(probeCtx)
		if err != nil {
			return classifyProbeError(err)
		}

		c.mu.Lock()
		c.account = snap
		c.lastCheck = time.Now().UTC()
		c.mu.Unlock()
		return nil
	})

	c.mu.Lock()
	if c.state == ConnShutdown {
		c.mu.Unlock()
		return
	}
	if err != nil {
		// A credential rejection will not heal with retries; stop the
		// monitor and mark the connection down until Connect is called
		// with fixed credentials.
		if IsAuthError(err) {
			cancel := c.cancelMonitor
			c.cancelMonitor = nil
			c.state = ConnDisconnected
			c.mu.Unlock()
			c.logger.Error("broker rejected credentials, monitoring stopped", "error", err)
			if cancel != nil {
				cancel()
			}
			return
		}
		c.reconnectAttempts++
		attempts := c.reconnectAttempts
		if _, open := err.(*CircuitOpenError); open {
			c.state = ConnCircuitOpen
		} else {
			c.state = ConnReconnecting
		}
		c.mu.Unlock()
		c.logger.Warn("broker health check failed",
			"attempts", attempts,
			"error", err)
		return
	}
	if c.state != ConnConnected {
		c.logger.Info("broker connection restored", "after_attempts", c.reconnectAttempts)
	}
	c.state = ConnConnected
	c.reconnectAttempts = 0
	c.mu.Unlock()
}

// Shutdown stops monitoring and marks the connection down. When a
// close-positions hook is configured it runs first, while the venue is
// still reachable. Safe to call more than once.
func (c *Connection) Shutdown(ctx context.Context) error {
	var hookErr error
	c.shutdownOnce.Do(func() {
		if c.closePositions != nil {
			if err := c.closePositions(ctx); err != nil {
				c.logger.Error("closing positions during shutdown failed", "error", err)
				hookErr = err
			}
		}

		c.mu.Lock()
		cancel := c.cancelMonitor
		c.state = ConnShutdown
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.wg.Wait()
		c.logger.Info("broker connection shut down")
	})
	return hookErr
}

// Disconnect stops monitoring and marks the connection down without running
// the shutdown hook. A later Connect re-establishes the link.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	cancel := c.cancelMonitor
	c.cancelMonitor = nil
	if c.state != ConnShutdown {
		c.state = ConnDisconnected
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.logger.Info("broker connection disconnected")
}

// IsConnected reports whether the venue link is currently up.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == ConnConnected
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionStatus is a point-in-time view of the connection.
type ConnectionStatus struct {
	State             ConnState
	LastConnected     time.Time
	ReconnectAttempts int
	AccountID         string
	IsPaper           bool
}

// Status returns a snapshot of the connection state.
func (c *Connection) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := ConnectionStatus{
		State:             c.state,
		LastConnected:     c.connectedAt,
		ReconnectAttempts: c.reconnectAttempts,
		IsPaper:           strings.Contains(c.baseURL, "paper"),
	}
	if c.account != nil {
		status.AccountID = c.account.AccountID
	}
	return status
}

// Account returns the most recent account snapshot, or nil before the first
// successful probe.
func (c *Connection) Account() *AccountSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.account == nil {
		return nil
	}
	snap := *c.account
	return &snap
}

// HealthCheck returns a status report suitable for logging or serving.
func (c *Connection) HealthCheck() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := map[string]any{
		"state":              string(c.state),
		"paper":              strings.Contains(c.baseURL, "paper"),
		"breaker_state":      string(c.breaker.State()),
		"breaker_failures":   c.breaker.FailureCount(),
		"reconnect_attempts": c.reconnectAttempts,
	}
	if !c.connectedAt.IsZero() {
		report["connected_at"] = c.connectedAt.Format(time.RFC3339)
	}
	if !c.lastCheck.IsZero() {
		report["last_check"] = c.lastCheck.Format(time.RFC3339)
	}
	if c.account != nil {
		report["account_id"] = c.account.AccountID
		report["equity"] = c.account.Equity.String()
	}
	return report
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
