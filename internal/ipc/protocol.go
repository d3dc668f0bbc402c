// Package ipc provides inter-process communication between the oopstime
// daemon and its control client.
//
// Every message is a fixed 16-byte header followed by a JSON payload.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"oopstime/internal/config"
	"oopstime/internal/store"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x4F4F5053 // "OOPS"
)

// MaxPayload bounds a single message payload.
const MaxPayload = 1 << 20

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// History (0x02xx)
	MsgClearHistory     MessageType = 0x0200
	MsgClearHistoryResp MessageType = 0x0201

	// Alerts (0x03xx)
	MsgRecentAlerts     MessageType = 0x0300
	MsgRecentAlertsResp MessageType = 0x0301

	// Configuration (0x04xx)
	MsgGetConfig      MessageType = 0x0400
	MsgGetConfigResp  MessageType = 0x0401
	MsgSetConfig      MessageType = 0x0402
	MsgSetConfigResp  MessageType = 0x0403
	MsgSaveConfig     MessageType = 0x0404
	MsgSaveConfigResp MessageType = 0x0405

	// Metrics (0x05xx)
	MsgMetrics     MessageType = 0x0500
	MsgMetricsResp MessageType = 0x0501

	// Health (0x06xx)
	MsgHealth     MessageType = 0x0600
	MsgHealthResp MessageType = 0x0601
)

func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgHandshake:
		return "handshake"
	case MsgHandshakeAck:
		return "handshake-ack"
	case MsgError:
		return "error"
	case MsgStatusRequest:
		return "status"
	case MsgStatusResponse:
		return "status-resp"
	case MsgClearHistory:
		return "clear"
	case MsgClearHistoryResp:
		return "clear-resp"
	case MsgRecentAlerts:
		return "alerts"
	case MsgRecentAlertsResp:
		return "alerts-resp"
	case MsgGetConfig:
		return "get-config"
	case MsgGetConfigResp:
		return "get-config-resp"
	case MsgSetConfig:
		return "set-config"
	case MsgSetConfigResp:
		return "set-config-resp"
	case MsgSaveConfig:
		return "save-config"
	case MsgSaveConfigResp:
		return "save-config-resp"
	case MsgMetrics:
		return "metrics"
	case MsgMetricsResp:
		return "metrics-resp"
	case MsgHealth:
		return "health"
	case MsgHealthResp:
		return "health-resp"
	default:
		return fmt.Sprintf("msg(0x%04x)", uint16(t))
	}
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// FlagJSON marks a JSON payload. It is the only encoding.
const FlagJSON uint8 = 0x04

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}

	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Write writes the message to a writer
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	ClientID        string `json:"client_id"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error codes
const (
	ErrUnknown        = 1
	ErrInvalidRequest = 2
	ErrNotFound       = 3
	ErrInternalError  = 5
	ErrNotInitialized = 7
	ErrInvalidConfig  = 10
)

// StatusResponse contains daemon status
type StatusResponse struct {
	Version        string        `json:"version"`
	StartedAt      time.Time     `json:"started_at"`
	Uptime         time.Duration `json:"uptime"`
	Mistakes       int           `json:"mistakes"`
	WindowLength   int           `json:"window_length"`
	WindowCapacity int           `json:"window_capacity"`
	ThresholdCount int           `json:"threshold_count"`
	QueueDepth     int           `json:"queue_depth"`
	QueueCapacity  int           `json:"queue_capacity"`
	EventsDropped  uint64        `json:"events_dropped"`
	EventsRejected uint64        `json:"events_rejected"`
	KeysClassified uint64        `json:"keys_classified"`
	AlertsFired    uint64        `json:"alerts_fired"`
	Capture        string        `json:"capture"`
	ConfigPath     string        `json:"config_path"`
}

// ClearHistoryResponse reports what a clear discarded.
type ClearHistoryResponse struct {
	Mistakes int `json:"mistakes"`
	Entries  int `json:"entries"`
}

// RecentAlertsRequest asks for the newest alerts.
type RecentAlertsRequest struct {
	Limit int `json:"limit,omitempty"`
}

// RecentAlertsResponse lists alerts, newest first.
type RecentAlertsResponse struct {
	Alerts []store.Alert `json:"alerts"`
}

// ConfigResponse contains the active settings.
type ConfigResponse struct {
	Settings config.Settings `json:"settings"`
	Path     string          `json:"path"`
}

// SetConfigRequest changes any subset of the settings. Nil fields are kept.
type SetConfigRequest struct {
	Threshold  *float64 `json:"threshold,omitempty"`
	Count      *int     `json:"count,omitempty"`
	Interval   *int     `json:"interval,omitempty"`
	AfterAllow *bool    `json:"afterallow,omitempty"`
}

// Empty reports whether the request changes nothing.
func (r SetConfigRequest) Empty() bool {
	return r.Threshold == nil && r.Count == nil && r.Interval == nil && r.AfterAllow == nil
}

// Apply returns s with the request's fields overlaid.
func (r SetConfigRequest) Apply(s config.Settings) config.Settings {
	if r.Threshold != nil {
		s.Threshold = *r.Threshold
	}
	if r.Count != nil {
		s.Count = *r.Count
	}
	if r.Interval != nil {
		s.Interval = *r.Interval
	}
	if r.AfterAllow != nil {
		s.AfterAllow = *r.AfterAllow
	}
	return s
}

// SaveConfigResponse acknowledges a save.
type SaveConfigResponse struct {
	Path       string `json:"path"`
	SnapshotID int64  `json:"snapshot_id,omitempty"`
}

// MetricsRequest selects the metrics rendering.
type MetricsRequest struct {
	Format string `json:"format,omitempty"` // "prometheus" (default) or "json"
}

// MetricsResponse carries rendered metrics.
type MetricsResponse struct {
	Format string `json:"format"`
	Text   string `json:"text"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload. An empty payload leaves v unchanged.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}

// RemoteError is an error response returned by the daemon.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}
