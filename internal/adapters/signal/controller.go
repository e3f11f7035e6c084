package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/internal/app"
	"github.com/voicebridge/voicebridge/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller upgrades HTTP requests to signaling websockets and runs
// one read/write pump pair per connection.
type Controller struct {
	Router *app.Router

	// ReadLimit caps one inbound frame; oversized frames kill the
	// connection at the websocket layer.
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int

	// Limiter throttles reconnect storms per client token. Nil allows
	// everything.
	Limiter *ConnRateLimiter
}

type connectedEvent struct {
	Type string        `json:"type"`
	ID   domain.ConnID `json:"id"`
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("marshal")
	}
	return b
}

// HandleSignal is the gin handler for the signaling endpoint. Each
// upgrade gets a fresh connection id; the client token from the
// session cookie only gates admission.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	if ctl.Limiter != nil && !ctl.Limiter.Allow(token) {
		log.Warn().Str("module", "signal").Str("token", token).Msg("connection rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	id := domain.ConnID(uuid.NewString())
	conn := newConn(ws, ctl.SendBuffer)
	log.Info().Str("module", "signal").Str("conn", string(id)).Str("token", token).Msg("new WS connection")

	ctl.Router.Registry.Register(id, conn)
	_ = conn.TrySend(mustJSON(connectedEvent{Type: "connected", ID: id}))

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, id, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, id, conn)
	}()
}

func (ctl *Controller) writePump(ctx context.Context, id domain.ConnID, c *Conn) {
	pingPeriod := ctl.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = 30 * time.Second
	}
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(id)).Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("writePump ping failed")
				return
			}
		case f, ok := <-c.send:
			if !ok {
				log.Info().Str("module", "signal").Str("conn", string(id)).Msg("writePump channel closed")
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("writePump set deadline")
				return
			}
			msgType := websocket.TextMessage
			if f.binary {
				msgType = websocket.BinaryMessage
			}
			if err := c.ws.WriteMessage(msgType, f.data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("writePump write error")
				return
			}
		}
	}
}

// readPump handles frames serially, so one connection's messages keep
// their order. Teardown runs exactly once when the read side ends.
func (ctl *Controller) readPump(ctx context.Context, id domain.ConnID, c *Conn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(id)).Msg("readPump closing")
		ctl.Router.HandleDisconnect(id)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(id)).Msg("readPump ctx done")
			return
		default:
			msgType, data, err := c.ws.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("readPump read ended")
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				ctl.Router.HandleBinary(id, data)
			case websocket.TextMessage:
				ctl.Router.HandleMessage(ctx, id, data)
			}
		}
	}
}
