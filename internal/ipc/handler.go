package ipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"oopstime/internal/config"
	"oopstime/internal/health"
	"oopstime/internal/history"
	"oopstime/internal/keystroke"
	"oopstime/internal/metrics"
	"oopstime/internal/store"
)

// AlertStore is the subset of the alert database the handler uses.
type AlertStore interface {
	RecentAlerts(ctx context.Context, limit int) ([]store.Alert, error)
	RecordSettings(ctx context.Context, snap store.SettingsSnapshot) (int64, error)
}

// DaemonHandler implements the Handler interface for the oopstime daemon
type DaemonHandler struct {
	version   string
	startedAt time.Time

	settings *config.Store
	window   *history.Window
	queue    *keystroke.Queue
	capture  keystroke.Capture
	alerts   AlertStore
	metrics  *metrics.OopsMetrics
	health   *health.Checker
	logger   *slog.Logger
}

// DaemonHandlerConfig configures the daemon handler. Settings and Window
// are required; the rest are optional.
type DaemonHandlerConfig struct {
	Version   string
	StartedAt time.Time
	Settings  *config.Store
	Window    *history.Window
	Queue     *keystroke.Queue
	Capture   keystroke.Capture
	Alerts    AlertStore
	Metrics   *metrics.OopsMetrics
	Health    *health.Checker
	Logger    *slog.Logger
}

// NewDaemonHandler creates a new daemon handler
func NewDaemonHandler(cfg DaemonHandlerConfig) (*DaemonHandler, error) {
	if cfg.Settings == nil || cfg.Window == nil {
		return nil, errors.New("ipc: handler needs settings and window")
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &DaemonHandler{
		version:   cfg.Version,
		startedAt: cfg.StartedAt,
		settings:  cfg.Settings,
		window:    cfg.Window,
		queue:     cfg.Queue,
		capture:   cfg.Capture,
		alerts:    cfg.Alerts,
		metrics:   cfg.Metrics,
		health:    cfg.Health,
		logger:    cfg.Logger,
	}, nil
}

// HandleMessage processes an IPC message
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(ctx, msg)

	case MsgGetConfig:
		return h.handleGetConfig(ctx, msg)

	case MsgSetConfig:
		return h.handleSetConfig(ctx, msg)

	case MsgSaveConfig:
		return h.handleSaveConfig(ctx, msg)

	case MsgClearHistory:
		return h.handleClearHistory(ctx, msg)

	case MsgRecentAlerts:
		return h.handleRecentAlerts(ctx, msg)

	case MsgMetrics:
		return h.handleMetrics(ctx, msg)

	case MsgHealth:
		return h.handleHealth(ctx, msg)

	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown message type: %s", msg.Header.Type)), nil
	}
}

// handleStatus reports the window, queue and counters
func (h *DaemonHandler) handleStatus(ctx context.Context, msg *Message) (*Message, error) {
	snap := h.window.Snapshot()
	s := h.settings.Settings()

	resp := &StatusResponse{
		Version:        h.version,
		StartedAt:      h.startedAt,
		Uptime:         time.Since(h.startedAt),
		Mistakes:       snap.Mistakes,
		WindowLength:   len(snap.Entries),
		WindowCapacity: snap.Capacity,
		ThresholdCount: s.ThresholdCount(),
		ConfigPath:     h.settings.Path(),
		Capture:        "none",
	}

	if h.queue != nil {
		resp.QueueDepth = h.queue.Len()
		resp.QueueCapacity = h.queue.Cap()
		resp.EventsDropped = h.queue.Dropped()
	}
	if h.capture != nil {
		resp.Capture = fmt.Sprintf("%T", h.capture)
		resp.EventsRejected = h.capture.Stats().Rejected
	}
	if h.metrics != nil {
		resp.KeysClassified = h.metrics.KeysTotal.Value()
		resp.AlertsFired = h.metrics.AlertsTotal.Value()
	}

	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

// handleGetConfig returns the active settings
func (h *DaemonHandler) handleGetConfig(ctx context.Context, msg *Message) (*Message, error) {
	resp := &ConfigResponse{
		Settings: h.settings.Settings(),
		Path:     h.settings.Path(),
	}
	return NewResponse(MsgGetConfigResp, msg.Header.RequestID, resp)
}

// handleSetConfig applies a partial update. The whole update is validated
// before anything changes, so a bad field leaves every setting untouched.
func (h *DaemonHandler) handleSetConfig(ctx context.Context, msg *Message) (*Message, error) {
	var req SetConfigRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}
	if req.Empty() {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no settings given"), nil
	}

	next := req.Apply(h.settings.Settings())
	if err := h.settings.Replace(next); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidConfig, err.Error()), nil
	}

	h.logger.Info("settings changed over ipc",
		"threshold", next.Threshold,
		"count", next.Count,
		"interval", next.Interval,
		"afterallow", next.AfterAllow,
	)

	resp := &ConfigResponse{
		Settings: h.settings.Settings(),
		Path:     h.settings.Path(),
	}
	return NewResponse(MsgSetConfigResp, msg.Header.RequestID, resp)
}

// handleSaveConfig persists the active settings and snapshots them
func (h *DaemonHandler) handleSaveConfig(ctx context.Context, msg *Message) (*Message, error) {
	if err := h.settings.Save(); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInternalError, fmt.Sprintf("save config: %v", err)), nil
	}

	resp := &SaveConfigResponse{Path: h.settings.Path()}

	if h.alerts != nil {
		s := h.settings.Settings()
		id, err := h.alerts.RecordSettings(ctx, store.SettingsSnapshot{
			Threshold:  s.Threshold,
			Count:      s.Count,
			Interval:   s.Interval,
			AfterAllow: s.AfterAllow,
			Reason:     "ipc save",
		})
		if err != nil {
			h.logger.Warn("failed to snapshot settings", "error", err)
		} else {
			resp.SnapshotID = id
		}
	}

	return NewResponse(MsgSaveConfigResp, msg.Header.RequestID, resp)
}

// handleClearHistory empties the window
func (h *DaemonHandler) handleClearHistory(ctx context.Context, msg *Message) (*Message, error) {
	snap := h.window.Snapshot()
	h.window.Clear()
	if h.metrics != nil {
		h.metrics.ObserveWindow(0, 0, h.window.Capacity())
	}
	h.logger.Info("history cleared over ipc", "mistakes", snap.Mistakes, "entries", len(snap.Entries))

	resp := &ClearHistoryResponse{
		Mistakes: snap.Mistakes,
		Entries:  len(snap.Entries),
	}
	return NewResponse(MsgClearHistoryResp, msg.Header.RequestID, resp)
}

// handleRecentAlerts lists stored alerts
func (h *DaemonHandler) handleRecentAlerts(ctx context.Context, msg *Message) (*Message, error) {
	if h.alerts == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "alert store disabled"), nil
	}

	var req RecentAlertsRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	alerts, err := h.alerts.RecentAlerts(ctx, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("recent alerts: %w", err)
	}
	if alerts == nil {
		alerts = []store.Alert{}
	}
	return NewResponse(MsgRecentAlertsResp, msg.Header.RequestID, &RecentAlertsResponse{Alerts: alerts})
}

// handleMetrics renders the registry
func (h *DaemonHandler) handleMetrics(ctx context.Context, msg *Message) (*Message, error) {
	if h.metrics == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "metrics disabled"), nil
	}

	var req MetricsRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	h.metrics.UpdateUptime()
	h.metrics.ObserveWindow(h.window.MistakeCount(), h.window.Len(), h.window.Capacity())
	if h.queue != nil {
		h.metrics.QueueDepth.Set(int64(h.queue.Len()))
	}

	var buf bytes.Buffer
	var err error
	format := req.Format
	switch format {
	case "", "prometheus":
		format = "prometheus"
		err = h.metrics.Registry().WritePrometheus(&buf)
	case "json":
		err = h.metrics.Registry().WriteJSON(&buf)
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, fmt.Sprintf("unknown format %q", req.Format)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("render metrics: %w", err)
	}

	return NewResponse(MsgMetricsResp, msg.Header.RequestID, &MetricsResponse{Format: format, Text: buf.String()})
}

// handleHealth runs the component checks
func (h *DaemonHandler) handleHealth(ctx context.Context, msg *Message) (*Message, error) {
	if h.health == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "health checks not configured"), nil
	}
	report := h.health.Report(ctx)
	return NewResponse(MsgHealthResp, msg.Header.RequestID, &report)
}
