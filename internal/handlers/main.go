package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	shutup "github.com/MegaGrindStone/shutup-web-ui"
	"github.com/MegaGrindStone/shutup-web-ui/internal/chat"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// Chat is the conversation engine behind the web interface. It is implemented by chat.Manager.
type Chat interface {
	Handle(ctx context.Context, sessionID, input string) (chat.Result, error)
	Snapshot(ctx context.Context, sessionID string) (chat.Snapshot, error)
}

// Main handles the core functionality of the chat application, managing server-sent events,
// HTML templates, and interactions with the chat engine.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	chat Chat

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	// SessionCookie holds the anonymous session ID of a browser.
	SessionCookie = "shutup_session"
)

// NewMain creates a new Main instance backed by c. It initializes the SSE server and parses the
// required HTML templates from the embedded filesystem. Every SSE client is subscribed to the topic of
// its own session, so tokens of one browser never reach another.
func NewMain(c Chat, logger *slog.Logger) (Main, error) {
	tmpl, err := template.ParseFS(
		shutup.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	logger = logger.With(slog.String("module", "main"))

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic}

				cookie, err := s.Req.Cookie(SessionCookie)
				if err == nil && cookie.Value != "" {
					topics = append(topics, sessionTopic(cookie.Value))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		chat:      c,
		logger:    logger,
	}, nil
}

// HandleSSE serves the event stream.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a close message to all
// connected clients and waits up to 5 seconds for connections to terminate. After the timeout, any
// remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	e.AppendData("bye")

	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// sessionID returns the browser's session ID, issuing a new cookie if it has none yet.
func (m Main) sessionID(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	id := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	m.logger.Debug("Issued session cookie", slog.String("sessionID", id))
	return id
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}
