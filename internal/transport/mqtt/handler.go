package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/broker"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/control"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/registry"
)

// Commands.
const (
	CmdGrabFrame     = "grab_frame"
	CmdGetInfo       = "get_info"
	CmdPutFrame      = "put_frame"
	CmdReleaseHandle = "release_handle"
	CmdReleaseSlot   = "release_slot"
	CmdGetStats      = "get_stats"
)

// Grabs over MQTT are capped so one slow command cannot stall the queue.
const maxGrabTimeout = 5 * time.Second

// Broker is the slice of the broker the handler drives.
type Broker interface {
	Grab(ctx context.Context, timeout time.Duration) (*control.FrameHandleSet, error)
	Info() engine.Counters
	Put(token uint64) bool
	InvalidateSlot(slot int) error
	Stats() broker.Stats
}

// Command is one control request.
//
// ClientID scopes frames and handle references: a put or release is honored
// only for what the same client grabbed. Commands without one share the
// anonymous client.
type Command struct {
	Command   string `json:"command"`
	RequestID string `json:"request_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
	Token     uint64 `json:"token,omitempty"`
	HandleID  string `json:"handle_id,omitempty"`
	Slot      int    `json:"slot,omitempty"`
}

// Response answers a command.
type Response struct {
	CommandAck string                 `json:"command_ack"`
	RequestID  string                 `json:"request_id,omitempty"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// PlaneData describes one plane of a grabbed frame.
type PlaneData struct {
	HandleID string `json:"handle_id"`
	Plane    int    `json:"plane"`
	Addr     uint64 `json:"addr"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Stride   int    `json:"stride"`
	Length   int    `json:"length"`
}

// FrameData describes a grabbed frame.
type FrameData struct {
	Token      uint64      `json:"token"`
	Slot       int         `json:"slot"`
	Format     string      `json:"format"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Stride     int         `json:"stride"`
	CropWidth  int         `json:"crop_width"`
	CropHeight int         `json:"crop_height"`
	PTSMillis  int64       `json:"pts_ms"`
	Timestamp  string      `json:"timestamp"`
	Seq        uint64      `json:"seq"`
	TraceID    string      `json:"trace_id"`
	Size       int         `json:"size"`
	Planes     []PlaneData `json:"planes"`
}

// HandlerConfig names the topics.
type HandlerConfig struct {
	RequestTopic  string
	ResponseTopic string
	QoS           byte
	// GrabTimeout applies when a command carries none.
	GrabTimeout time.Duration
}

// Handler serves control commands from MQTT.
//
// Each remote client owns the tokens it grabbed and one reference per handle
// reported to it, until put/release or Stop.
type Handler struct {
	cfg      HandlerConfig
	client   paho.Client
	broker   Broker
	commands chan Command

	mu      sync.Mutex
	tokens  map[uint64]string
	handles map[handleKey]*registry.Handle
	stopped bool
}

type handleKey struct {
	client string
	id     string
}

// NewHandler creates a handler. client may be nil in tests that drive
// handleCommand directly.
func NewHandler(cfg HandlerConfig, client paho.Client, b Broker) *Handler {
	if cfg.GrabTimeout <= 0 {
		cfg.GrabTimeout = time.Second
	}
	return &Handler{
		cfg:      cfg,
		client:   client,
		broker:   b,
		commands: make(chan Command, 10),
		tokens:   make(map[uint64]string),
		handles:  make(map[handleKey]*registry.Handle),
	}
}

// Start subscribes to the request topic and processes commands until ctx ends.
func (h *Handler) Start(ctx context.Context) error {
	slog.Info("mqtt: subscribing to control topic", "topic", h.cfg.RequestTopic, "qos", h.cfg.QoS)

	token := h.client.Subscribe(h.cfg.RequestTopic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt: control subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: control subscription failed: %w", err)
	}

	go h.processCommands(ctx)

	slog.Info("mqtt: control handler started")
	return nil
}

// Stop unsubscribes, returns every outstanding frame and drops every handle
// reference the handler took.
func (h *Handler) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	tokens := h.tokens
	handles := h.handles
	h.tokens = make(map[uint64]string)
	h.handles = make(map[handleKey]*registry.Handle)
	h.mu.Unlock()

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.RequestTopic)
		token.WaitTimeout(2 * time.Second)
	}

	for t := range tokens {
		h.broker.Put(t)
	}
	for _, hd := range handles {
		hd.Release()
	}

	slog.Info("mqtt: control handler stopped",
		"frames_returned", len(tokens),
		"handles_released", len(handles),
	)
	return nil
}

func (h *Handler) messageHandler(_ paho.Client, msg paho.Message) {
	cmd, err := decodeCommand(msg.Payload())
	if err != nil {
		slog.Error("mqtt: failed to parse control command", "error", err)
		h.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: err.Error()})
		return
	}

	slog.Debug("mqtt: control command received", "command", cmd.Command, "request_id", cmd.RequestID)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("mqtt: command queue full, dropping command", "command", cmd.Command)
		h.sendResponse(Response{
			CommandAck: cmd.Command,
			RequestID:  cmd.RequestID,
			Status:     "error",
			Error:      "command queue full",
		})
	}
}

func decodeCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if cmd.Command == "" {
		return Command{}, errors.New("missing command")
	}
	return cmd, nil
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(ctx, cmd))
		}
	}
}

func (h *Handler) handleCommand(ctx context.Context, cmd Command) Response {
	resp := Response{CommandAck: cmd.Command, RequestID: cmd.RequestID, Status: "success"}

	switch cmd.Command {
	case CmdGrabFrame:
		frame, err := h.grab(ctx, cmd.ClientID, cmd.TimeoutMS)
		if err != nil {
			resp.Status = statusFor(err)
			resp.Error = err.Error()
			break
		}
		resp.Data = map[string]interface{}{"frame": frame}

	case CmdGetInfo:
		c := h.broker.Info()
		resp.Data = map[string]interface{}{
			"decoded": c.Decoded,
			"ready":   c.Ready,
		}

	case CmdPutFrame:
		resp.Data = map[string]interface{}{"accepted": h.put(cmd.ClientID, cmd.Token)}

	case CmdReleaseHandle:
		resp.Data = map[string]interface{}{"accepted": h.releaseHandle(cmd.ClientID, cmd.HandleID)}

	case CmdReleaseSlot:
		if err := h.broker.InvalidateSlot(cmd.Slot); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		}

	case CmdGetStats:
		st := h.broker.Stats()
		h.mu.Lock()
		held := len(h.handles)
		h.mu.Unlock()
		resp.Data = map[string]interface{}{
			"started":       st.Started,
			"decoded":       st.Engine.Decoded,
			"ready":         st.Engine.Ready,
			"fps":           st.Engine.FPS,
			"live_handles":  st.Registry.Live,
			"generation":    st.Registry.Generation,
			"grabs":         st.Control.Grabs,
			"puts":          st.Control.Puts,
			"rejected_puts": st.Control.RejectedPuts,
			"outstanding":   st.Control.Outstanding,
			"held_handles":  held,
		}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command %q", cmd.Command)
	}

	return resp
}

func (h *Handler) grab(ctx context.Context, clientID string, timeoutMS int64) (*FrameData, error) {
	timeout := h.cfg.GrabTimeout
	if timeoutMS > 0 {
		timeout = time.Duration(timeoutMS) * time.Millisecond
	}
	if timeout > maxGrabTimeout {
		timeout = maxGrabTimeout
	}

	set, err := h.broker.Grab(ctx, timeout)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		h.broker.Put(set.Token)
		return nil, engine.ErrClosed
	}

	frame := &FrameData{
		Token:      set.Token,
		Slot:       set.Slot,
		Format:     set.Format.String(),
		Width:      set.Width,
		Height:     set.Height,
		Stride:     set.Stride,
		CropWidth:  set.CropWidth,
		CropHeight: set.CropHeight,
		PTSMillis:  set.PTS.Milliseconds(),
		Timestamp:  set.Timestamp.UTC().Format(time.RFC3339Nano),
		Seq:        set.Seq,
		TraceID:    set.TraceID,
		Size:       set.Size,
		Planes:     make([]PlaneData, 0, len(set.Planes)),
	}

	var acquired []handleKey
	for p, ph := range set.Planes {
		key := handleKey{client: clientID, id: ph.Handle.ID()}
		if _, held := h.handles[key]; !held {
			if !ph.Handle.Acquire() {
				for _, k := range acquired {
					h.handles[k].Release()
					delete(h.handles, k)
				}
				h.broker.Put(set.Token)
				return nil, fmt.Errorf("handle %s released during grab", key.id)
			}
			h.handles[key] = ph.Handle
			acquired = append(acquired, key)
		}
		frame.Planes = append(frame.Planes, PlaneData{
			HandleID: key.id,
			Plane:    p,
			Addr:     ph.Region.Addr,
			Width:    ph.Region.Width,
			Height:   ph.Region.Height,
			Stride:   ph.Region.Stride,
			Length:   ph.Region.Length,
		})
	}
	h.tokens[set.Token] = clientID

	return frame, nil
}

func (h *Handler) put(clientID string, token uint64) bool {
	h.mu.Lock()
	owner, ok := h.tokens[token]
	owned := ok && owner == clientID
	if owned {
		delete(h.tokens, token)
	}
	h.mu.Unlock()

	if !owned {
		slog.Warn("mqtt: put of token not grabbed by client ignored", "token", token, "client_id", clientID)
		return false
	}
	return h.broker.Put(token)
}

func (h *Handler) releaseHandle(clientID, id string) bool {
	key := handleKey{client: clientID, id: id}
	h.mu.Lock()
	hd, ok := h.handles[key]
	delete(h.handles, key)
	h.mu.Unlock()

	if !ok {
		return false
	}
	hd.Release()
	return true
}

func statusFor(err error) string {
	switch {
	case errors.Is(err, engine.ErrTimeout):
		return "timeout"
	case errors.Is(err, control.ErrNoFrameAvailable):
		return "no_frame"
	case errors.Is(err, engine.ErrClosed):
		return "closed"
	default:
		return "error"
	}
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("mqtt: failed to marshal response", "error", err)
		return
	}
	if h.client == nil {
		return
	}

	token := h.client.Publish(h.cfg.ResponseTopic, h.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("mqtt: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("mqtt: failed to publish response", "error", err)
		return
	}

	slog.Debug("mqtt: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
