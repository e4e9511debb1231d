package chat

import (
	"context"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/shutup-web-ui/internal/models"
)

// Reply is an assistant reply being streamed for a session. It is produced by Manager.HandleNormal and
// lives until its stream ends naturally, fails, or is cancelled by the next submission.
type Reply struct {
	// ID is the ID of the assistant turn the reply is finalized into.
	ID string

	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	deltas    chan delta
	done      chan struct{}
}

type delta struct {
	token string
	err   error
}

// Tokens yields the reply's tokens in arrival order. A backend error is yielded once as the last
// element. Breaking out of the loop cancels the reply; the tokens received so far stay buffered in the
// session until the next submission finalizes them.
func (r *Reply) Tokens() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for d := range r.deltas {
			if !yield(d.token, d.err) {
				r.cancel()
				return
			}
		}
	}
}

// Done is closed once the reply has stopped and its session state is final.
func (r *Reply) Done() <-chan struct{} {
	return r.done
}

func (m *Manager) stream(r *Reply, model string, history []models.Turn) {
	defer close(r.done)
	defer close(r.deltas)
	defer r.cancel()

	var streamErr error
	for token, err := range m.llm.Chat(r.ctx, model, history) {
		if err != nil {
			streamErr = err
			break
		}
		if token == "" {
			continue
		}
		if err := m.appendPartial(r, token); err != nil {
			streamErr = err
			break
		}
		select {
		case r.deltas <- delta{token: token}:
		case <-r.ctx.Done():
		}
		if r.ctx.Err() != nil {
			break
		}
	}

	m.finish(r, streamErr)

	if streamErr != nil {
		select {
		case r.deltas <- delta{err: streamErr}:
		case <-r.ctx.Done():
		}
	}
}

func (m *Manager) appendPartial(r *Reply, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx := context.WithoutCancel(r.ctx)
	s, err := m.store.Session(ctx, r.sessionID)
	if err != nil {
		return err
	}
	s.Partial += token
	return m.store.SaveSession(ctx, s)
}

// finish finalizes a naturally completed reply into the transcript and clears the buffer. Cancelled and
// failed replies keep their buffered tokens for the next submission to finalize as truncated.
func (m *Manager) finish(r *Reply, streamErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inflight[r.sessionID] == r {
		delete(m.inflight, r.sessionID)
	}

	if streamErr != nil {
		m.logger.Error("Reply stream failed",
			slog.String("sessionID", r.sessionID),
			slog.String("replyID", r.ID),
			slog.String(errLoggerKey, streamErr.Error()))
		return
	}
	if r.ctx.Err() != nil {
		return
	}

	ctx := context.WithoutCancel(r.ctx)
	s, err := m.store.Session(ctx, r.sessionID)
	if err != nil {
		m.logger.Error("Failed to get session",
			slog.String("sessionID", r.sessionID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	t := models.NewTurn(models.RoleAssistant, s.Partial)
	t.ID = r.ID
	s.Turns = append(s.Turns, t)
	s.Partial = ""
	s.PartialID = ""

	if err := m.store.SaveSession(ctx, s); err != nil {
		m.logger.Error("Failed to save finished reply",
			slog.String("sessionID", r.sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}
