package ws

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	socketio "github.com/googollee/go-socket.io"
	"github.com/kiliankoe/onionshell/internal/config"
	"github.com/kiliankoe/onionshell/internal/countdown"
	"github.com/kiliankoe/onionshell/internal/game"
	"github.com/kiliankoe/onionshell/internal/narrative"
	"github.com/rs/zerolog/log"
)

// ConnCtx is stored on every socket.
type ConnCtx struct {
	Countdown *countdown.Subscription
}

type Server struct {
	Session *game.Session
	config  config.Config

	mu      sync.RWMutex
	members map[string]socketio.Conn // socketID -> Conn
}

func New(cfg config.Config) *Server {
	return &Server{config: cfg, members: make(map[string]socketio.Conn)}
}

// Attach sets the session served by this server. The server must be created
// first because the session uses it as its desktop and chat view.
func (srv *Server) Attach(sess *game.Session) { srv.Session = sess }

// Mount attaches Socket.IO server with handlers to the given Gin engine.
func (srv *Server) Mount(r *gin.Engine) *socketio.Server {
	io := socketio.NewServer(nil)

	io.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext(&ConnCtx{})
		srv.addMember(s)
		log.Info().Str("sid", s.ID()).Msg("socket connected")
		return nil
	})

	// desktop:resume sends the full state to a (re)connecting desktop.
	io.OnEvent("/", "desktop:resume", func(s socketio.Conn) map[string]any {
		st := srv.Session.Status()
		s.Emit("desktop:state", st)
		if st.GameOver != "" {
			s.Emit("game:over", gameOverPayload(st.GameOver, st.GameOver == game.ReasonExpired))
		}
		return map[string]any{"ok": true}
	})

	io.OnEvent("/", "countdown:attach", func(s socketio.Conn) map[string]any {
		ctx := connCtx(s)
		if ctx.Countdown != nil {
			return map[string]any{"ok": true, "subscription": ctx.Countdown.ID}
		}
		surface := &connSurface{srv: srv, conn: s}
		ctx.Countdown = srv.Session.AttachCountdown(surface, countdown.AttachOptions{
			OnStateChange: surface.stateChanged,
		})
		log.Debug().Str("sid", s.ID()).Str("subscription", ctx.Countdown.ID).Msg("countdown:attach")
		return map[string]any{"ok": true, "subscription": ctx.Countdown.ID}
	})

	io.OnEvent("/", "countdown:detach", func(s socketio.Conn) map[string]any {
		srv.detach(s)
		return map[string]any{"ok": true}
	})

	io.OnEvent("/", "chat:open", func(s socketio.Conn) map[string]any {
		srv.Session.OpenChat(connView(s))
		return map[string]any{"ok": true}
	})

	io.OnEvent("/", "chat:key", func(s socketio.Conn) map[string]any {
		if err := srv.Session.TypeKey(); err != nil {
			return srv.err(s, err)
		}
		return map[string]any{"ok": true}
	})

	io.OnEvent("/", "chat:send", func(s socketio.Conn) map[string]any {
		if err := srv.Session.SubmitReply(); err != nil {
			return srv.err(s, err)
		}
		return map[string]any{"ok": true}
	})

	io.OnEvent("/", "chat:file", func(s socketio.Conn, payload struct {
		Step int `json:"step"`
	}) map[string]any {
		if err := srv.Session.ClickFile(payload.Step); err != nil {
			return srv.err(s, err)
		}
		return map[string]any{"ok": true}
	})

	io.OnEvent("/", "net:connect", func(s socketio.Conn, payload struct {
		SSID string `json:"ssid"`
	}) map[string]any {
		if err := srv.Session.ConnectNetwork(payload.SSID); err != nil {
			return srv.err(s, err)
		}
		srv.emitState()
		return map[string]any{"ok": true}
	})

	io.OnEvent("/", "net:disconnect", func(s socketio.Conn) map[string]any {
		if err := srv.Session.DisconnectNetwork(); err != nil {
			return srv.err(s, err)
		}
		srv.emitState()
		return map[string]any{"ok": true}
	})

	io.OnEvent("/", "tor:start", func(s socketio.Conn) map[string]any {
		if err := srv.Session.StartTor(); err != nil {
			return srv.err(s, err)
		}
		srv.emitState()
		return map[string]any{"ok": true}
	})

	io.OnEvent("/", "tor:stop", func(s socketio.Conn) map[string]any {
		if err := srv.Session.StopTor(); err != nil {
			return srv.err(s, err)
		}
		srv.emitState()
		return map[string]any{"ok": true}
	})

	io.OnEvent("/", "threat:adjust", func(s socketio.Conn, payload struct {
		Delta int `json:"delta"`
	}) map[string]any {
		level, err := srv.Session.AdjustThreat(payload.Delta)
		if err != nil {
			return srv.err(s, err)
		}
		srv.emitState()
		return map[string]any{"threatLevel": level}
	})

	io.OnEvent("/", "minigame:reward", func(s socketio.Conn, payload struct {
		Keys    int `json:"keys"`
		Alerts  int `json:"alerts"`
		DOSCoin int `json:"dosCoin"`
	}) map[string]any {
		for _, apply := range []struct {
			n int
			f func(int) error
		}{
			{payload.Keys, srv.Session.AddKeys},
			{payload.Alerts, srv.Session.AddAlerts},
			{payload.DOSCoin, srv.Session.AddDOSCoin},
		} {
			if apply.n == 0 {
				continue
			}
			if err := apply.f(apply.n); err != nil {
				return srv.err(s, err)
			}
		}
		srv.emitState()
		return map[string]any{"ok": true}
	})

	io.OnEvent("/", "game:restart", func(s socketio.Conn) map[string]any {
		srv.Session.Restart()
		log.Info().Str("sid", s.ID()).Msg("game:restart")
		srv.emitState()
		return map[string]any{"ok": true}
	})

	io.OnEvent("/", "dev:reset", func(s socketio.Conn) map[string]any {
		if !srv.config.DevTools {
			return srv.notice(s, "forbidden", "developer tools are disabled")
		}
		srv.Session.DevReset()
		srv.emitState()
		return map[string]any{"ok": true}
	})

	io.OnError("/", func(s socketio.Conn, e error) {
		if s == nil {
			log.Error().Err(e).Msg("socket error")
			return
		}
		log.Error().Str("sid", s.ID()).Err(e).Msg("socket error")
	})
	io.OnDisconnect("/", func(s socketio.Conn, reason string) {
		srv.removeMember(s)
		srv.detach(s)
		log.Info().Str("sid", s.ID()).Str("reason", reason).Msg("socket disconnected")
	})

	go io.Serve()

	// Mount to router
	r.GET("/socket.io/*any", gin.WrapH(io))
	r.POST("/socket.io/*any", gin.WrapH(io))

	// Basic CORS preflight for Socket.IO POST
	r.OPTIONS("/socket.io/*any", func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Status(http.StatusNoContent)
	})

	return io
}

func (srv *Server) addMember(c socketio.Conn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.members[c.ID()] = c
}

func (srv *Server) removeMember(c socketio.Conn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.members, c.ID())
}

func (srv *Server) isMember(id string) bool {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	_, ok := srv.members[id]
	return ok
}

// Members returns the number of connected sockets.
func (srv *Server) Members() int {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return len(srv.members)
}

func (srv *Server) detach(s socketio.Conn) {
	ctx := connCtx(s)
	if ctx.Countdown == nil {
		return
	}
	srv.Session.ReleaseCountdown(ctx.Countdown)
	log.Debug().Str("sid", s.ID()).Str("subscription", ctx.Countdown.ID).Msg("countdown detached")
	ctx.Countdown = nil
}

// broadcast emits to every connected socket.
func (srv *Server) broadcast(event string, payload any) {
	srv.mu.RLock()
	conns := make([]socketio.Conn, 0, len(srv.members))
	for _, c := range srv.members {
		conns = append(conns, c)
	}
	srv.mu.RUnlock()
	for _, c := range conns {
		safeEmit(c, event, payload)
	}
}

func (srv *Server) emitState() {
	srv.broadcast("desktop:state", srv.Session.Status())
}

// err reports a rejected action to the socket as a dismissable notice.
func (srv *Server) err(s socketio.Conn, err error) map[string]any {
	code := errorCode(err)
	log.Debug().Str("sid", s.ID()).Str("code", code).Err(err).Msg("action rejected")
	return srv.notice(s, code, err.Error())
}

func (srv *Server) notice(s socketio.Conn, code, message string) map[string]any {
	s.Emit("notice", map[string]any{"code": code, "message": message})
	return map[string]any{"error": message}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, game.ErrNotInstalled):
		return "not_installed"
	case errors.Is(err, game.ErrNoNetwork):
		return "no_network"
	case errors.Is(err, game.ErrEmptySSID):
		return "bad_request"
	case errors.Is(err, game.ErrGameOver):
		return "game_over"
	case errors.Is(err, narrative.ErrNotAwaitingReply):
		return "not_awaiting_reply"
	case errors.Is(err, narrative.ErrWrongStep):
		return "wrong_step"
	case errors.Is(err, narrative.ErrUnknownAction):
		return "download_failed"
	}
	return "failed"
}

func connCtx(s socketio.Conn) *ConnCtx {
	ctx, ok := s.Context().(*ConnCtx)
	if !ok || ctx == nil {
		ctx = &ConnCtx{}
		s.SetContext(ctx)
	}
	return ctx
}
