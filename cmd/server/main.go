package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/tabletop/internal/config"
	"github.com/kiliankoe/tabletop/internal/game"
	"github.com/kiliankoe/tabletop/internal/poll"
	"github.com/kiliankoe/tabletop/internal/relay"
	"github.com/kiliankoe/tabletop/internal/ws"
	staticserver "github.com/kiliankoe/tabletop/static"
)

const version = "v1.0.0-dev"

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
		portFlag    = flag.String("port", "", "Port to listen on (overrides PORT env var)")
	)
	flag.BoolVar(showHelp, "h", false, "Show help message (shorthand)")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	flag.Parse()

	if *showHelp {
		fmt.Printf(`Tabletop - multiplayer sync relay for the virtual tabletop

Usage: %s [options]

Options:
  -h, --help      Show this help message
  -v, --version   Show version information
  --port PORT     Port to listen on (default: 8080 or PORT env var)

Environment Variables:
  PORT                     Port to listen on (default: 8080)
  HEARTBEAT_INTERVAL       Ping interval for push connections (default: 30s)
  SESSION_IDLE_TIMEOUT     Evict sessions idle this long with nobody connected (default: 24h)
  EVICTION_INTERVAL        How often idle sessions are swept (default: 1h)
  ENFORCE_GM_ROLES         Reject GM-only updates from players (default: true)
  MAX_PLAYERS_PER_SESSION  Member limit per session, 0 for none (default: 0)
  HISTORY_SIZE             Updates kept per session for polling clients (default: 200)
  POLL_PRESENCE_TIMEOUT    Drop polling players silent this long (default: 60s)
  EXPORT_ENABLED           Write evicted sessions to EXPORT_DIR (default: false)
  EXPORT_DIR               Directory for session exports (default: ./exports)
  SEND_BUFFER              Queued frames per connection before dropping (default: 256)

Examples:
  %s                  Start server with default settings
  %s --port 3000      Start server on port 3000

Clients connect to ws://localhost:8080/ws, /socket.io/ or the /api polling endpoints.
`, os.Args[0], os.Args[0], os.Args[0])
		return
	}

	if *showVersion {
		fmt.Printf("Tabletop %s\n", version)
		return
	}

	cfg := config.FromEnv()
	if *portFlag != "" {
		cfg.Port = *portFlag
	}

	// zerolog setup (human-friendly console)
	zerolog.TimeFieldFormat = time.RFC3339
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log.Logger = log.Output(cw)

	// Gin setup with custom logger (skip socket and poll noise)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/socket.io") || path == "/ws" || path == "/api/poll" {
			return
		}
		status := c.Writer.Status()
		dur := time.Since(start)
		log.Info().Str("path", path).Int("status", status).Dur("dur", dur).Msg("http")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC()})
	})

	store := game.NewStore(game.Options{
		MaxPlayers:   cfg.MaxPlayers,
		HistorySize:  cfg.HistorySize,
		EnforceRoles: cfg.EnforceGMRoles,
	})
	opts := relay.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleTimeout:       cfg.SessionIdleTimeout,
		EvictionInterval:  cfg.EvictionInterval,
	}
	if cfg.ExportEnabled {
		opts.ExportDir = cfg.ExportDir
	}
	rl := relay.New(store, opts)

	// Push transports
	wsHandler := ws.NewHandler(rl, ws.HandlerConfig{SendBuffer: cfg.SendBuffer, PingInterval: cfg.HeartbeatInterval})
	r.GET("/ws", gin.WrapF(wsHandler.Handle))
	io := ws.NewSocketServer(rl, cfg.SendBuffer).Mount(r)
	defer io.Close()

	// Polling surface
	pl := poll.New(rl, poll.Options{PresenceTimeout: cfg.PollPresenceTimeout})
	pl.Mount(r)

	r.GET("/api/sessions/:id", func(c *gin.Context) {
		sess, err := store.Get(c.Param("id"))
		if errors.Is(err, game.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Session not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "session": sess})
	})

	// Serve frontend (if embedded build is present) for all other routes
	r.NoRoute(func(c *gin.Context) {
		staticserver.Handler().ServeHTTP(c.Writer, c.Request)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go rl.Run(ctx)
	go pl.Run(ctx)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.Info().Str("port", cfg.Port).Bool("enforceRoles", cfg.EnforceGMRoles).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
