package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/shutup-web-ui/internal/chat"
	"github.com/MegaGrindStone/shutup-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// SSE event types for real-time updates.
var (
	messagesSSEType     = sse.Type("messages")
	closeMessageSSEType = sse.Type("closeMessage")
	errorSSEType        = sse.Type("error")
)

type streamEvent struct {
	ID      string `json:"id"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HandleChats processes chat input through HTTP POST requests. It accepts the user's input through the
// "message" form field and hands it to the chat engine of the browser's session.
//
// The response holds the rendered turns the input appended: the user turn, preceded by the truncated
// assistant turn of a reply the input stopped. For normal input it also holds a loading placeholder for
// the new reply, whose tokens are then pushed through Server-Sent Events on the session's topic.
//
// The function returns appropriate HTTP error responses for invalid methods, missing required fields,
// or internal processing errors.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	sessionID := m.sessionID(w, r)

	res, err := m.chat.Handle(r.Context(), sessionID, msg)
	if err != nil {
		m.logger.Error("Failed to handle message",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if res.Reply != nil {
		go m.publish(sessionID, res.Reply)
	}

	for _, t := range res.Turns {
		if err := m.renderMessage(w, t, "ended"); err != nil {
			m.logger.Error("Failed to render turn",
				slog.String("turn", fmt.Sprintf("%+v", t)),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	if res.Reply == nil {
		return
	}
	placeholder := models.Turn{
		ID:        res.Reply.ID,
		Role:      models.RoleAssistant,
		Timestamp: time.Now(),
	}
	if err := m.renderMessage(w, placeholder, "loading"); err != nil {
		m.logger.Error("Failed to render reply placeholder", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) renderMessage(w http.ResponseWriter, t models.Turn, streamingState string) error {
	msg, err := renderTurn(t, streamingState)
	if err != nil {
		return err
	}

	tmpl := "ai_message"
	if t.Role == models.RoleUser {
		tmpl = "user_message"
	}
	return m.templates.ExecuteTemplate(w, tmpl, msg)
}

// publish pushes the reply to the session's SSE topic as it streams. Every messages event carries the
// whole reply rendered so far, so a client that missed events catches up with the next one.
func (m Main) publish(sessionID string, reply *chat.Reply) {
	topic := sessionTopic(sessionID)

	defer func() {
		e := &sse.Message{Type: closeMessageSSEType}
		e.AppendData(reply.ID)
		_ = m.sseSrv.Publish(e, topic)
	}()

	var sb strings.Builder
	for token, err := range reply.Tokens() {
		if err != nil {
			m.logger.Error("Error from llm provider",
				slog.String("replyID", reply.ID),
				slog.String(errLoggerKey, err.Error()))
			_ = m.publishEvent(errorSSEType, topic, streamEvent{ID: reply.ID, Error: err.Error()})
			return
		}

		sb.WriteString(token)
		content, err := renderMarkdown(sb.String())
		if err != nil {
			m.logger.Error("Failed to render reply",
				slog.String("replyID", reply.ID),
				slog.String(errLoggerKey, err.Error()))
			continue
		}
		if err := m.publishEvent(messagesSSEType, topic, streamEvent{ID: reply.ID, Content: string(content)}); err != nil {
			m.logger.Error("Failed to publish message",
				slog.String("replyID", reply.ID),
				slog.String(errLoggerKey, err.Error()))
			return
		}
	}
}

func (m Main) publishEvent(typ sse.EventType, topic string, ev streamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := sse.Message{Type: typ}
	msg.AppendData(string(data))
	return m.sseSrv.Publish(&msg, topic)
}
