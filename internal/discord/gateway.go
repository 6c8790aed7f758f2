package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11

	// IntentGuilds delivers guild and role lifecycle events. Interactions
	// need no intent.
	IntentGuilds = 1 << 0
)

var (
	errReconnect      = errors.New("gateway requested reconnect")
	errInvalidSession = errors.New("gateway invalidated session")
	errZombie         = errors.New("heartbeat not acknowledged")
)

// EventHandler receives gateway dispatches. Interactions are delivered on
// their own goroutine; every other event is handled in order on the read
// loop.
type EventHandler interface {
	Ready(ctx context.Context, ready Ready)
	GuildCreate(ctx context.Context, guild Guild)
	GuildDelete(ctx context.Context, guild GuildDelete)
	RoleCreate(ctx context.Context, event GuildRoleEvent)
	RoleUpdate(ctx context.Context, event GuildRoleEvent)
	RoleDelete(ctx context.Context, event GuildRoleDelete)
	InteractionCreate(ctx context.Context, interaction Interaction)
}

type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type GatewayOption func(*Gateway)

// WithReconnectDelay sets the pause between two connection attempts.
func WithReconnectDelay(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.reconnectDelay = d }
}

func WithIntents(intents int) GatewayOption {
	return func(g *Gateway) { g.intents = intents }
}

// Gateway keeps a websocket session to Discord open and feeds its events
// to an EventHandler.
type Gateway struct {
	token          string
	intents        int
	resolveURL     func(ctx context.Context) (string, error)
	handler        EventHandler
	logger         *slog.Logger
	dialer         *websocket.Dialer
	reconnectDelay time.Duration

	writeMu sync.Mutex
}

// NewGateway builds a gateway. resolveURL is called before every connection
// attempt, typically Client.GatewayURL.
func NewGateway(token string, resolveURL func(ctx context.Context) (string, error), handler EventHandler, logger *slog.Logger, opts ...GatewayOption) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		token:          token,
		intents:        IntentGuilds,
		resolveURL:     resolveURL,
		handler:        handler,
		logger:         logger.With(slog.String("module", "gateway")),
		dialer:         websocket.DefaultDialer,
		reconnectDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run connects and reconnects until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		err := g.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		g.logger.Warn("gateway session ended", slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(g.reconnectDelay):
		}
	}
}

func (g *Gateway) session(ctx context.Context) error {
	rawURL, err := g.resolveURL(ctx)
	if err != nil {
		return fmt.Errorf("resolve gateway url: %w", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("v", "10")
	q.Set("encoding", "json")
	u.RawQuery = q.Encode()

	conn, _, err := g.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = conn.Close()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sessionCtx.Done()
		g.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		g.writeMu.Unlock()
		_ = conn.Close()
	}()

	var hello payload
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}

	if err := g.identify(conn); err != nil {
		return err
	}

	var (
		seqMu sync.Mutex
		seq   *int64
		acked = true
	)
	lastSeq := func() *int64 {
		seqMu.Lock()
		defer seqMu.Unlock()
		return seq
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Duration(helloData.HeartbeatInterval) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-sessionCtx.Done():
				return
			case <-ticker.C:
				seqMu.Lock()
				missed := !acked
				acked = false
				seqMu.Unlock()
				if missed {
					g.logger.Warn(errZombie.Error())
					cancel()
					return
				}
				if err := g.send(conn, opHeartbeat, lastSeq()); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var msg payload
		if err := conn.ReadJSON(&msg); err != nil {
			if sessionCtx.Err() != nil && ctx.Err() == nil {
				return errZombie
			}
			return fmt.Errorf("read gateway: %w", err)
		}

		switch msg.Op {
		case opDispatch:
			if msg.S != nil {
				seqMu.Lock()
				seq = msg.S
				seqMu.Unlock()
			}
			g.dispatch(ctx, &wg, msg.T, msg.D)
		case opHeartbeat:
			if err := g.send(conn, opHeartbeat, lastSeq()); err != nil {
				return err
			}
		case opHeartbeatAck:
			seqMu.Lock()
			acked = true
			seqMu.Unlock()
		case opReconnect:
			return errReconnect
		case opInvalidSession:
			return errInvalidSession
		}
	}
}

func (g *Gateway) identify(conn *websocket.Conn) error {
	data := map[string]any{
		"token":   g.token,
		"intents": g.intents,
		"properties": map[string]string{
			"os":      runtime.GOOS,
			"browser": "liro",
			"device":  "liro",
		},
	}
	if err := g.send(conn, opIdentify, data); err != nil {
		return fmt.Errorf("identify: %w", err)
	}
	return nil
}

func (g *Gateway) send(conn *websocket.Conn, op int, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return conn.WriteJSON(payload{Op: op, D: raw})
}

func (g *Gateway) dispatch(ctx context.Context, wg *sync.WaitGroup, event string, data json.RawMessage) {
	decode := func(v any) bool {
		if err := json.Unmarshal(data, v); err != nil {
			g.logger.Error("decode dispatch", slog.String("event", event), slog.String("error", err.Error()))
			return false
		}
		return true
	}

	switch event {
	case "READY":
		var ready Ready
		if decode(&ready) {
			g.handler.Ready(ctx, ready)
		}
	case "GUILD_CREATE":
		var guild Guild
		if decode(&guild) {
			g.handler.GuildCreate(ctx, guild)
		}
	case "GUILD_DELETE":
		var guild GuildDelete
		if decode(&guild) {
			g.handler.GuildDelete(ctx, guild)
		}
	case "GUILD_ROLE_CREATE":
		var ev GuildRoleEvent
		if decode(&ev) {
			g.handler.RoleCreate(ctx, ev)
		}
	case "GUILD_ROLE_UPDATE":
		var ev GuildRoleEvent
		if decode(&ev) {
			g.handler.RoleUpdate(ctx, ev)
		}
	case "GUILD_ROLE_DELETE":
		var ev GuildRoleDelete
		if decode(&ev) {
			g.handler.RoleDelete(ctx, ev)
		}
	case "INTERACTION_CREATE":
		var interaction Interaction
		if decode(&interaction) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				g.handler.InteractionCreate(ctx, interaction)
			}()
		}
	default:
		g.logger.Debug("ignoring dispatch", slog.String("event", event))
	}
}
