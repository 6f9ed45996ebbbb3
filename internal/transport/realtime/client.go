// Package realtime connects a session to a realtime voice API over
// websocket. Inbound frames become ingest events; outbound commands drive
// the upstream audio buffer and response creation.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"conversation-stream-coordinator/internal/observability/logging"
	"conversation-stream-coordinator/internal/observability/metrics"
	"conversation-stream-coordinator/internal/service/commit"
	"conversation-stream-coordinator/internal/service/ingest"
)

// ErrNotConnected is returned when writing to a closed client.
var ErrNotConnected = errors.New("realtime client not connected")

// EventSink receives decoded events. Enqueue must be safe from any goroutine.
type EventSink interface {
	Enqueue(ev ingest.Event)
}

// Config describes the upstream endpoint.
type Config struct {
	URL    string
	APIKey string
	Model  string
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// SessionUpdate is the subset of session settings the coordinator manages.
type SessionUpdate struct {
	InputAudioFormat   string
	OutputAudioFormat  string
	TranscriptionModel string
	ServerVAD          bool
}

// Client is one websocket connection to the realtime API.
type Client struct {
	conn   *websocket.Conn
	connMu sync.Mutex
	sink   EventSink
	done   chan struct{}

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Dial opens the websocket and starts forwarding events to sink. A
// connection.opened event is enqueued once the handshake succeeds and
// connection.closed when the read side fails.
func Dial(ctx context.Context, cfg Config, sink EventSink) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime url: %w", err)
	}
	if cfg.Model != "" {
		q := u.Query()
		q.Set("model", cfg.Model)
		u.RawQuery = q.Encode()
	}

	header := http.Header{"OpenAI-Beta": {"realtime=v1"}}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to open realtime socket (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to open realtime socket: %w", err)
	}

	c := &Client{
		conn:    conn,
		sink:    sink,
		done:    make(chan struct{}),
		logger:  logging.WithComponent("realtime"),
		metrics: metrics.DefaultMetrics,
	}
	c.logger.Info().Str("host", u.Host).Str("model", cfg.Model).Msg("Realtime socket connected")
	sink.Enqueue(ingest.Event{Type: ingest.TypeConnectionOpened})
	go c.readLoop(conn)
	return c, nil
}

// Done is closed when the read loop stops.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.done)
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			detail := err.Error()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Info().Msg("Realtime socket closed")
			} else {
				c.logger.Warn().Err(err).Msg("Realtime socket read failed")
			}
			c.sink.Enqueue(ingest.Event{Type: ingest.TypeConnectionClosed, Message: detail})
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.handleFrame(msg)
	}
}

func (c *Client) handleFrame(msg []byte) {
	var fields map[string]any
	if err := json.Unmarshal(msg, &fields); err != nil {
		c.metrics.RecordMalformed("invalid_json")
		c.logger.Debug().Err(err).Msg("Dropping undecodable realtime frame")
		return
	}
	ev, err := ingest.EventFromFields(fields)
	if err != nil {
		c.metrics.RecordMalformed("missing_type")
		c.logger.Debug().Err(err).Msg("Dropping realtime frame")
		return
	}
	c.sink.Enqueue(ev)
}

// SendAudio appends PCM bytes to the upstream input buffer.
func (c *Client) SendAudio(ctx context.Context, pcm []byte) error {
	return c.write(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitAudio commits the upstream input buffer.
func (c *Client) CommitAudio(ctx context.Context) error {
	return c.write(ctx, map[string]any{"type": "input_audio_buffer.commit"})
}

// CreateResponse asks the API to respond to the committed turn.
func (c *Client) CreateResponse(ctx context.Context, entry commit.Entry) error {
	return c.write(ctx, map[string]any{
		"type":     "response.create",
		"event_id": "evt_" + uuid.NewString(),
		"response": map[string]any{
			"metadata": map[string]any{"commit_number": fmt.Sprint(entry.CommitNumber)},
		},
	})
}

// UpdateSession sends session.update.
func (c *Client) UpdateSession(ctx context.Context, u SessionUpdate) error {
	session := map[string]any{}
	if u.InputAudioFormat != "" {
		session["input_audio_format"] = u.InputAudioFormat
	}
	if u.OutputAudioFormat != "" {
		session["output_audio_format"] = u.OutputAudioFormat
	}
	if u.TranscriptionModel != "" {
		session["input_audio_transcription"] = map[string]any{"model": u.TranscriptionModel}
	}
	if u.ServerVAD {
		session["turn_detection"] = map[string]any{"type": "server_vad"}
	} else {
		session["turn_detection"] = nil
	}
	return c.write(ctx, map[string]any{"type": "session.update", "session": session})
}

func (c *Client) write(ctx context.Context, v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("failed to write to realtime socket: %w", err)
	}
	return nil
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	return err
}
