package ws

import (
	socketio "github.com/googollee/go-socket.io"
	"github.com/kiliankoe/onionshell/internal/countdown"
	"github.com/kiliankoe/onionshell/internal/game"
	"github.com/kiliankoe/onionshell/internal/narrative"
	"github.com/kiliankoe/onionshell/internal/state"
	"github.com/rs/zerolog/log"
)

// safeEmit sends one event. A payload the transport cannot handle is replaced
// by a generic notice so the rest of the desktop keeps working.
func safeEmit(c socketio.Conn, event string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("sid", c.ID()).Str("event", event).Interface("panic", r).Msg("emit failed")
			func() {
				defer func() { _ = recover() }()
				c.Emit("notice", map[string]any{"code": "render_failed", "message": "something went wrong"})
			}()
		}
	}()
	c.Emit(event, payload)
}

func updatePayload(u countdown.Update) map[string]any {
	return map[string]any{
		"text":     u.Text(),
		"critical": u.Critical(),
		"blank":    u.Blank,
		"expired":  u.Expired,
	}
}

func gameOverPayload(reason string, keepCountdownVisible bool) map[string]any {
	return map[string]any{"reason": reason, "keepCountdownVisible": keepCountdownVisible}
}

// connSurface shows the mission clock on one socket. It stops being live as
// soon as the socket disconnects.
type connSurface struct {
	srv  *Server
	conn socketio.Conn
}

func (s *connSurface) Render(u countdown.Update) {
	s.conn.Emit("countdown:update", updatePayload(u))
}

func (s *connSurface) Connected() bool { return s.srv.isMember(s.conn.ID()) }

func (s *connSurface) stateChanged(v countdown.VisualState) {
	s.conn.Emit("countdown:state", map[string]any{"state": string(v)})
}

// chatEvents maps chat view calls to socket events, for one socket or all.
type chatEvents struct {
	emit func(event string, payload any)
}

func (v chatEvents) SetTyping(typing bool) {
	v.emit("chat:typing", map[string]any{"typing": typing})
}

func (v chatEvents) SetInputEnabled(enabled bool) {
	v.emit("chat:input", map[string]any{"enabled": enabled})
}

func (v chatEvents) AppendMessage(entry state.ChatEntry) {
	v.emit("chat:message", entry)
}

func (v chatEvents) ShowDraft(text string) {
	v.emit("chat:draft", map[string]any{"text": text})
}

func (v chatEvents) OfferFile(stepIndex int, fileName string) {
	v.emit("chat:file", map[string]any{"step": stepIndex, "fileName": fileName})
}

func (v chatEvents) DisableFile(stepIndex int) {
	v.emit("chat:fileDone", map[string]any{"step": stepIndex})
}

func (v chatEvents) Notice(msg string) {
	v.emit("notice", map[string]any{"code": "download_failed", "message": msg})
}

// connView renders the chat to a single socket, used for history replay.
func connView(c socketio.Conn) narrative.View {
	return chatEvents{emit: func(event string, payload any) { safeEmit(c, event, payload) }}
}

// ChatView returns the live chat view shared by every open chat window.
func (srv *Server) ChatView() narrative.View {
	return chatEvents{emit: srv.broadcast}
}

// The server is the session's desktop.

func (srv *Server) OpenApp(app game.App) {
	srv.broadcast("app:open", map[string]any{"app": string(app)})
}

func (srv *Server) ShowGameOver(reason string, keepCountdownVisible bool) {
	srv.broadcast("game:over", gameOverPayload(reason, keepCountdownVisible))
}

func (srv *Server) Notice(msg string) {
	srv.broadcast("notice", map[string]any{"code": "info", "message": msg})
}

var (
	_ game.Desktop      = (*Server)(nil)
	_ narrative.View    = chatEvents{}
	_ countdown.Surface = (*connSurface)(nil)
)
