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
	"github.com/kiliankoe/onionshell/internal/config"
	"github.com/kiliankoe/onionshell/internal/game"
	"github.com/kiliankoe/onionshell/internal/narrative"
	"github.com/kiliankoe/onionshell/internal/sched"
	"github.com/kiliankoe/onionshell/internal/state"
	"github.com/kiliankoe/onionshell/internal/storage"
	"github.com/kiliankoe/onionshell/internal/ws"
	staticserver "github.com/kiliankoe/onionshell/static"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const version = "v0.3.0-dev"

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
		fmt.Printf(`onionshell - fake desktop mission game

Usage: %s [options]

Options:
  -h, --help      Show this help message
  -v, --version   Show version information
  --port PORT     Port to listen on (default: 8080 or PORT env var)

Environment Variables:
  PORT                 Port to listen on (default: 8080)
  SAVE_BACKEND         "sqlite", "file" or "memory" (default: sqlite)
  SAVE_PATH            Database or JSON file path (default: ./data/onionshell.db)
  SAVE_KEY             Key the save is stored under (default: onionshell_save)
  AUTOSAVE_INTERVAL    How often the game is saved (default: 30s)
  WAIT_POLL_INTERVAL   How often story conditions are re-checked (default: 800ms)
  SCRIPT_FILE          YAML story script replacing the built-in one (optional)
  EXPORT_ENABLED       Write a transcript when a run ends (default: true)
  EXPORT_FILE          Transcript file (default: ./onionshell-transcripts.txt)
  DEV_TOOLS            Enable the reset endpoint and socket event (default: false)
  LOG_LEVEL            debug, info, warn or error (default: info)

Examples:
  %s                  Start server with default settings
  %s --port 3000      Start server on port 3000

Visit http://localhost:8080 after starting the server.
`, os.Args[0], os.Args[0], os.Args[0])
		return
	}

	if *showVersion {
		fmt.Printf("onionshell %s\n", version)
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
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	gw, closeStore := openGateway(cfg)
	defer closeStore()
	store := state.NewStore(gw)

	script := narrative.DefaultScript()
	if cfg.ScriptFile != "" {
		loaded, err := narrative.LoadScriptFile(cfg.ScriptFile)
		if err != nil {
			log.Warn().Err(err).Str("file", cfg.ScriptFile).Msg("could not load script, using built-in story")
		} else {
			script = loaded
			log.Info().Str("file", cfg.ScriptFile).Int("steps", len(script)).Msg("script loaded")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Socket server first: the session renders through it.
	srv := ws.New(cfg)
	opts := game.Options{
		Clock:        sched.Real{},
		Store:        store,
		Script:       script,
		PollInterval: cfg.WaitPollInterval,
		Desktop:      srv,
		Chat:         srv.ChatView(),
	}
	if cfg.ExportEnabled {
		opts.ExportFile = cfg.ExportFile
	}
	sess := game.NewSession(store.LoadOrDefault(ctx), opts)
	srv.Attach(sess)
	sess.Start()

	// Gin setup with custom logger (skip /socket.io noise)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/socket.io") {
			return
		}
		status := c.Writer.Status()
		dur := time.Since(start)
		log.Info().Str("path", path).Int("status", status).Dur("dur", dur).Msg("http")
	})

	// Healthcheck
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC(), "sockets": srv.Members()})
	})

	io := srv.Mount(r)
	defer io.Close()

	r.GET("/api/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, sess.Status())
	})
	if cfg.DevTools {
		r.POST("/api/dev/reset", func(c *gin.Context) {
			sess.DevReset()
			c.JSON(http.StatusOK, sess.Status())
		})
	}

	// Serve frontend (if embedded build is present) for all other routes
	r.NoRoute(func(c *gin.Context) {
		staticserver.Handler().ServeHTTP(c.Writer, c.Request)
	})

	go store.Autosave(ctx, cfg.AutosaveInterval, sess.Persisted)

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.Info().Str("port", cfg.Port).Str("run", sess.RunID()).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown")
	}
	store.Save(shutdownCtx, sess.Persisted())
}

// openGateway picks the save backend. Anything that fails to open falls back
// to memory so the game still runs, just without persistence.
func openGateway(cfg config.Config) (state.Gateway, func()) {
	switch cfg.SaveBackend {
	case "sqlite":
		db, err := storage.OpenSQLite(cfg.SavePath, cfg.SaveKey)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.SavePath).Msg("could not open save database, saves will not persist")
			return storage.NewMemory(), func() {}
		}
		log.Info().Str("path", cfg.SavePath).Msg("saving to sqlite")
		return db, func() {
			if err := db.Close(); err != nil {
				log.Warn().Err(err).Msg("closing save database")
			}
		}
	case "file":
		log.Info().Str("path", cfg.SavePath).Msg("saving to file")
		return storage.NewFile(cfg.SavePath), func() {}
	case "memory":
	default:
		log.Warn().Str("backend", cfg.SaveBackend).Msg("unknown save backend, saves will not persist")
	}
	return storage.NewMemory(), func() {}
}
