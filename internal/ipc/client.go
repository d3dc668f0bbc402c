package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"oopstime/internal/health"
	"oopstime/internal/store"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// IPCClient is the client for communicating with the oopstime daemon
type IPCClient struct {
	mu       sync.RWMutex
	conn     net.Conn
	clientID string
	version  string

	connected atomic.Bool
	writeMu   sync.Mutex

	// Request handling
	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	wg     sync.WaitGroup
	config ClientConfig
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(dataDir string) ClientConfig {
	return ClientConfig{
		SocketPath:     filepath.Join(dataDir, "oopstime.sock"),
		ClientName:     "oopstimectl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &IPCClient{
		pending: make(map[uint32]chan *Message),
		config:  cfg,
	}
}

// Connect dials the daemon and performs the handshake.
func (c *IPCClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected.Load() {
		c.mu.Unlock()
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.config.SocketPath)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, os.ErrNotExist) || isConnRefused(err) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)

	if err := c.handshake(ctx); err != nil {
		c.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Close closes the connection to the daemon
func (c *IPCClient) Close() error {
	c.close()
	c.wg.Wait()
	return nil
}

// close closes the connection and fails pending requests
func (c *IPCClient) close() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)
	c.mu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the ID assigned by the server
func (c *IPCClient) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// ServerVersion returns the daemon version reported in the handshake
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *IPCClient) handshake(ctx context.Context) error {
	req := &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}

	var ack HandshakeResponse
	if err := c.call(ctx, MsgHandshake, MsgHandshakeAck, req, &ack); err != nil {
		return err
	}

	c.mu.Lock()
	c.clientID = ack.ClientID
	c.version = ack.ServerVersion
	c.mu.Unlock()
	return nil
}

// request sends a request and waits for the matching response
func (c *IPCClient) request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	data, err := Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.config.RequestTimeout))
	err = msg.Write(conn)
	c.writeMu.Unlock()
	if err != nil {
		c.close()
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// call sends a request and decodes the expected response type into out.
func (c *IPCClient) call(ctx context.Context, msgType, want MessageType, payload, out any) error {
	resp, err := c.request(ctx, msgType, payload)
	if err != nil {
		return err
	}

	if resp.Header.Type == MsgError {
		var errResp ErrorResponse
		if err := Decode(resp.Payload, &errResp); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &RemoteError{Code: errResp.Code, Message: errResp.Message}
	}
	if resp.Header.Type != want {
		return fmt.Errorf("unexpected response type: %s", resp.Header.Type)
	}
	if out == nil {
		return nil
	}
	return Decode(resp.Payload, out)
}

// readLoop reads responses until the connection closes
func (c *IPCClient) readLoop(conn net.Conn) {
	defer c.wg.Done()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			c.close()
			return
		}

		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// High-level API methods

// Ping checks if the daemon is responsive
func (c *IPCClient) Ping(ctx context.Context) error {
	return c.call(ctx, MsgPing, MsgPong, nil, nil)
}

// Status requests the daemon status
func (c *IPCClient) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.call(ctx, MsgStatusRequest, MsgStatusResponse, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetConfig returns the daemon's active settings
func (c *IPCClient) GetConfig(ctx context.Context) (*ConfigResponse, error) {
	var result ConfigResponse
	if err := c.call(ctx, MsgGetConfig, MsgGetConfigResp, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetConfig changes settings in memory and returns the new values
func (c *IPCClient) SetConfig(ctx context.Context, req SetConfigRequest) (*ConfigResponse, error) {
	var result ConfigResponse
	if err := c.call(ctx, MsgSetConfig, MsgSetConfigResp, &req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SaveConfig persists the active settings
func (c *IPCClient) SaveConfig(ctx context.Context) (*SaveConfigResponse, error) {
	var result SaveConfigResponse
	if err := c.call(ctx, MsgSaveConfig, MsgSaveConfigResp, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ClearHistory empties the keystroke window
func (c *IPCClient) ClearHistory(ctx context.Context) (*ClearHistoryResponse, error) {
	var result ClearHistoryResponse
	if err := c.call(ctx, MsgClearHistory, MsgClearHistoryResp, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RecentAlerts lists up to limit alerts, newest first
func (c *IPCClient) RecentAlerts(ctx context.Context, limit int) ([]store.Alert, error) {
	var result RecentAlertsResponse
	if err := c.call(ctx, MsgRecentAlerts, MsgRecentAlertsResp, &RecentAlertsRequest{Limit: limit}, &result); err != nil {
		return nil, err
	}
	return result.Alerts, nil
}

// Metrics returns rendered metrics in the given format
func (c *IPCClient) Metrics(ctx context.Context, format string) (string, error) {
	var result MetricsResponse
	if err := c.call(ctx, MsgMetrics, MsgMetricsResp, &MetricsRequest{Format: format}, &result); err != nil {
		return "", err
	}
	return result.Text, nil
}

// Health runs the daemon's component checks
func (c *IPCClient) Health(ctx context.Context) (*health.Report, error) {
	var resp health.Report
	if err := c.call(ctx, MsgHealth, MsgHealthResp, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
