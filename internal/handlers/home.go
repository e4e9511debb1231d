package handlers

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/shutup-web-ui/internal/models"
)

// Title is shown above the transcript.
const Title = `Try interrupting with "/" or "stop".`

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Truncated bool
	Timestamp time.Time

	StreamingState string
}

type homePageData struct {
	Title    template.HTML
	Messages []message
}

// HandleHome renders the transcript of the browser's session. A reply that has not been finalized yet is
// rendered as an assistant message holding the tokens received so far; while it is still streaming the
// SSE stream keeps it updated.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	sessionID := m.sessionID(w, r)

	snap, err := m.chat.Snapshot(r.Context(), sessionID)
	if err != nil {
		m.logger.Error("Failed to get session",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	msgs := make([]message, 0, len(snap.Session.Turns)+1)
	for _, t := range snap.Session.Turns {
		msg, err := renderTurn(t, "ended")
		if err != nil {
			m.logger.Error("Failed to render turn",
				slog.String("turn", fmt.Sprintf("%+v", t)),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		msgs = append(msgs, msg)
	}
	if snap.Session.PartialID != "" && (snap.Streaming || snap.Session.Partial != "") {
		state := "ended"
		if snap.Streaming {
			state = "loading"
		}
		msg, err := renderTurn(models.Turn{
			ID:        snap.Session.PartialID,
			Role:      models.RoleAssistant,
			Content:   snap.Session.Partial,
			Timestamp: time.Now(),
		}, state)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		msgs = append(msgs, msg)
	}

	title, err := renderMarkdown(Title)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		Title:    title,
		Messages: msgs,
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func renderTurn(t models.Turn, streamingState string) (message, error) {
	content, err := renderMarkdown(t.Content)
	if err != nil {
		return message{}, err
	}
	return message{
		ID:             t.ID,
		Role:           string(t.Role),
		Content:        content,
		Truncated:      t.Truncated,
		Timestamp:      t.Timestamp,
		StreamingState: streamingState,
	}, nil
}
