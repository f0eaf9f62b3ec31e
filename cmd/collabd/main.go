// collabd is the collaborative map session server. It accepts WebSocket
// connections, reconciles room state from inbound protocol messages, and
// fans updates out to every participant, optionally relaying across
// instances through Redis.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/maproom/collab/config"
	"github.com/maproom/collab/src/bridge"
	"github.com/maproom/collab/src/hub"
	"github.com/maproom/collab/src/service"
	"github.com/maproom/collab/src/session"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg := config.FromEnv()

	store := session.New(logger)
	h := hub.New(store, logger)
	svc := service.New(h, logger)
	go h.Run()

	// The Redis bridge is optional: without it the server runs standalone.
	var br bridge.Bridge
	rb := bridge.NewRedisBridge(bridge.RedisConfigFromEnv(), h, logger)
	if err := rb.Start(); err != nil {
		logger.Warn().Err(err).Msg("redis bridge unavailable, running standalone")
	} else {
		br = rb
		h.SetBridge(rb)
	}

	app := fiber.New()
	registerRoutes(app, svc)

	upgrader := websocket.FastHTTPUpgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     func(*fasthttp.RequestCtx) bool { return true },
	}
	wsHandler := upgradeHandler(h, upgrader, time.Duration(cfg.WriteTimeout)*time.Second, logger)

	// Application-level keepalive. Clients answer with pongs, which refresh
	// their activity timestamps in the store.
	pinger := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer pinger.Stop()
	go func() {
		for range pinger.C {
			h.PingClients()
		}
	}()

	// Fiber v3 does not expose *fasthttp.RequestCtx, so the WebSocket
	// upgrade is registered at the fasthttp level alongside the app.
	appHandler := app.Handler()
	server := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			if string(ctx.Path()) == "/ws" {
				wsHandler(ctx)
				return
			}
			appHandler(ctx)
		},
		Concurrency: cfg.MaxConnections,
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("session server listening")
		if err := server.ListenAndServe(cfg.ListenAddr); err != nil {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down")
	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	if br != nil {
		if err := br.Stop(); err != nil {
			logger.Error().Err(err).Msg("bridge stop error")
		}
	}
	h.Stop()
}

func registerRoutes(app *fiber.App, svc *service.Service) {
	app.Get("/ws/info", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"websocket": true,
			"endpoint":  "/ws",
			"clients":   len(svc.GetConnectedClients()),
			"channels":  len(svc.GetChannels()),
		})
	})

	app.Get("/rooms", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"rooms": svc.GetRooms()})
	})

	app.Get("/rooms/:id", func(c fiber.Ctx) error {
		room, err := svc.GetRoom(c.Params("id"))
		if err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "room_not_found"})
		}
		return c.JSON(room)
	})

	app.Get("/rooms/:id/users", func(c fiber.Ctx) error {
		users := svc.GetUsersInRoom(c.Params("id"))
		now := time.Now()
		out := make([]fiber.Map, 0, len(users))
		for _, u := range users {
			out = append(out, fiber.Map{
				"id":          u.ID,
				"displayName": u.DisplayName,
				"presence":    session.TierAt(u.LastActivityAt, now),
				"cursor":      u.Cursor,
			})
		}
		return c.JSON(fiber.Map{"users": out})
	})
}

// upgradeHandler returns the raw fasthttp handler for WebSocket upgrades.
func upgradeHandler(h *hub.Hub, upgrader websocket.FastHTTPUpgrader, writeTimeout time.Duration, logger zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		clientID := uuid.New().String()

		err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			client := hub.NewClient(clientID, &wsConn{conn: conn, writeTimeout: writeTimeout}, h)
			h.Register(client)
			go client.WritePump()
			client.ReadPump()
		})
		if err != nil {
			logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

// wsConn adapts fasthttp/websocket.Conn to hub.Conn.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	if w.writeTimeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
			return err
		}
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error { return w.conn.Close() }
