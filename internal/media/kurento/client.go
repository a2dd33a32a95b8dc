// Package kurento implements the media.Client contract against a Kurento
// media server's JSON-RPC-over-WebSocket control protocol.
package kurento

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"
	websocketjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"

	"github.com/onecast/onecast/internal/media"
)

const (
	eventIceCandidateFound = "IceCandidateFound"
	eventError             = "Error"
)

// Client drives one Kurento server over a single websocket. Request/response
// correlation and async onEvent notifications are handled by jsonrpc2; the
// client itself only tracks the server sessionId and the event handler.
type Client struct {
	conn *jsonrpc2.Conn

	mu        sync.Mutex
	sessionID string
	notify    func(media.Notification)

	done chan struct{}
}

var _ media.Client = (*Client)(nil)

// Dial connects to the server (ws://host:8888/kurento) and verifies the RPC
// path with an initial ping. keepAlive > 0 starts a protocol-level ping loop.
func Dial(ctx context.Context, url string, keepAlive time.Duration) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial media server %s: %w", url, err)
	}

	c := &Client{done: make(chan struct{})}
	handler := jsonrpc2.HandlerWithError(c.handle)
	c.conn = jsonrpc2.NewConn(context.Background(), websocketjsonrpc2.NewObjectStream(ws), jsonrpc2.AsyncHandler(handler))

	if err := c.ping(ctx, keepAlive); err != nil {
		_ = c.conn.Close()
		return nil, fmt.Errorf("media server ping: %w", err)
	}
	if keepAlive > 0 {
		go c.keepAlive(keepAlive)
	}
	log.Info().Str("module", "kurento").Str("url", url).Msg("connected to media server")
	return c, nil
}

func (c *Client) OnNotification(fn func(media.Notification)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
}

func (c *Client) CreatePipeline(ctx context.Context) (media.ObjectID, error) {
	return c.create(ctx, "MediaPipeline", map[string]any{})
}

func (c *Client) CreatePlayer(ctx context.Context, pipeline media.ObjectID, uri string) (media.ObjectID, error) {
	return c.create(ctx, "PlayerEndpoint", map[string]any{
		"mediaPipeline": string(pipeline),
		"uri":           uri,
	})
}

func (c *Client) CreateEndpoint(ctx context.Context, pipeline media.ObjectID) (media.ObjectID, error) {
	return c.create(ctx, "WebRtcEndpoint", map[string]any{
		"mediaPipeline": string(pipeline),
	})
}

func (c *Client) Play(ctx context.Context, player media.ObjectID) error {
	return c.invoke(ctx, player, "play", nil, nil)
}

func (c *Client) ProcessOffer(ctx context.Context, endpoint media.ObjectID, offer string) (string, error) {
	var answer string
	err := c.invoke(ctx, endpoint, "processOffer", map[string]any{"offer": offer}, &answer)
	if err != nil {
		return "", err
	}
	return answer, nil
}

func (c *Client) GatherCandidates(ctx context.Context, endpoint media.ObjectID) error {
	return c.invoke(ctx, endpoint, "gatherCandidates", nil, nil)
}

func (c *Client) AddCandidate(ctx context.Context, endpoint media.ObjectID, cand media.Candidate) error {
	return c.invoke(ctx, endpoint, "addIceCandidate", map[string]any{
		"candidate": toWireCandidate(cand),
	}, nil)
}

func (c *Client) Connect(ctx context.Context, source, sink media.ObjectID) error {
	return c.invoke(ctx, source, "connect", map[string]any{
		"sink": string(sink),
	}, nil)
}

// Subscribe registers for candidate and error events on object.
func (c *Client) Subscribe(ctx context.Context, object media.ObjectID) error {
	for _, typ := range []string{eventIceCandidateFound, eventError} {
		params := subscribeParams{Object: string(object), Type: typ, SessionID: c.session()}
		var res createResult
		if err := c.conn.Call(ctx, "subscribe", params, &res); err != nil {
			return fmt.Errorf("subscribe %s on %s: %w", typ, object, err)
		}
		c.setSession(res.SessionID)
	}
	return nil
}

func (c *Client) GraphDot(ctx context.Context, object media.ObjectID) (string, error) {
	var dot string
	err := c.invoke(ctx, object, "getGstreamerDot", map[string]any{"details": "SHOW_ALL"}, &dot)
	if err != nil {
		return "", err
	}
	return dot, nil
}

func (c *Client) Release(ctx context.Context, object media.ObjectID) error {
	params := releaseParams{Object: string(object), SessionID: c.session()}
	return c.conn.Call(ctx, "release", params, nil)
}

func (c *Client) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.conn.Close()
}

// Done is closed when the underlying connection drops.
func (c *Client) Done() <-chan struct{} {
	return c.conn.DisconnectNotify()
}

func (c *Client) create(ctx context.Context, typ string, ctor map[string]any) (media.ObjectID, error) {
	params := createParams{Type: typ, ConstructorParams: ctor, SessionID: c.session()}
	var res createResult
	if err := c.conn.Call(ctx, "create", params, &res); err != nil {
		return "", fmt.Errorf("create %s: %w", typ, err)
	}
	c.setSession(res.SessionID)
	return media.ObjectID(res.Value), nil
}

// invoke runs an operation on a server object. result, when non-nil, gets
// the operation's return value.
func (c *Client) invoke(ctx context.Context, object media.ObjectID, operation string, opParams map[string]any, result any) error {
	params := invokeParams{
		Object:          string(object),
		Operation:       operation,
		OperationParams: opParams,
		SessionID:       c.session(),
	}
	var res invokeResult
	if err := c.conn.Call(ctx, "invoke", params, &res); err != nil {
		return fmt.Errorf("invoke %s on %s: %w", operation, object, err)
	}
	c.setSession(res.SessionID)
	if result != nil && len(res.Value) > 0 {
		if err := json.Unmarshal(res.Value, result); err != nil {
			return fmt.Errorf("invoke %s: decode result: %w", operation, err)
		}
	}
	return nil
}

func (c *Client) ping(ctx context.Context, keepAlive time.Duration) error {
	interval := keepAlive
	if interval <= 0 {
		interval = 240 * time.Second
	}
	var res invokeResult
	return c.conn.Call(ctx, "ping", pingParams{Interval: interval.Milliseconds()}, &res)
}

func (c *Client) keepAlive(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.conn.DisconnectNotify():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.ping(ctx, interval); err != nil {
				log.Warn().Err(err).Str("module", "kurento").Msg("keepalive ping")
			}
			cancel()
		}
	}
}

// handle receives server-initiated messages; the only one Kurento sends is
// the onEvent notification.
func (c *Client) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	if req.Method != "onEvent" {
		if req.Notif {
			log.Warn().Str("module", "kurento").Str("method", req.Method).Msg("unexpected notification")
			return nil, nil
		}
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not supported"}
	}
	if req.Params == nil {
		return nil, nil
	}
	var ev eventParams
	if err := json.Unmarshal(*req.Params, &ev); err != nil {
		log.Warn().Err(err).Str("module", "kurento").Msg("bad onEvent payload")
		return nil, nil
	}
	c.dispatch(ev.Value)
	return nil, nil
}

func (c *Client) dispatch(ev eventValue) {
	c.mu.Lock()
	notify := c.notify
	c.mu.Unlock()
	if notify == nil {
		return
	}

	switch ev.Type {
	case eventIceCandidateFound:
		var data iceCandidateFoundData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			log.Warn().Err(err).Str("module", "kurento").Msg("bad IceCandidateFound data")
			return
		}
		notify(media.Notification{
			Kind:      media.CandidateFound,
			Source:    media.ObjectID(ev.Object),
			Candidate: fromWireCandidate(data.Candidate),
		})
	case eventError:
		var data errorEventData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			log.Warn().Err(err).Str("module", "kurento").Msg("bad Error data")
			return
		}
		notify(media.Notification{
			Kind:   media.EndpointError,
			Source: media.ObjectID(ev.Object),
			Detail: fmt.Sprintf("%s (code %d, %s)", data.Description, data.ErrorCode, data.Type),
		})
	default:
		log.Debug().Str("module", "kurento").Str("type", ev.Type).Msg("ignoring event")
	}
}

func (c *Client) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setSession(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}
