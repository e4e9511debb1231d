package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/shutup-web-ui/internal/models"
	"github.com/google/uuid"
)

// LLM represents a large language model that streams a reply for the given conversation. The returned
// iterator yields response chunks as they arrive; when ctx is cancelled it must stop yielding and
// release the underlying connection.
type LLM interface {
	Chat(ctx context.Context, model string, turns []models.Turn) iter.Seq2[string, error]
}

// Store keeps the sessions between submissions. Session must return models.ErrSessionNotFound when
// the ID is unknown.
type Store interface {
	Session(ctx context.Context, id string) (models.Session, error)
	SaveSession(ctx context.Context, session models.Session) error
}

// EmptyInterruptPolicy decides what an interrupt records when no partial reply is buffered.
type EmptyInterruptPolicy string

const (
	// EmitMarker records an assistant turn holding only the truncation marker.
	EmitMarker EmptyInterruptPolicy = "marker"
	// SuppressEmpty records only the user's interrupt input.
	SuppressEmpty EmptyInterruptPolicy = "suppress"
)

const errLoggerKey = "err"

// DefaultMarker is appended to replies finalized by an interrupt.
const DefaultMarker = "..."

// ParsePolicy converts a configuration value into a policy. An empty value selects EmitMarker.
func ParsePolicy(s string) (EmptyInterruptPolicy, error) {
	switch EmptyInterruptPolicy(s) {
	case "", EmitMarker:
		return EmitMarker, nil
	case SuppressEmpty:
		return SuppressEmpty, nil
	default:
		return "", fmt.Errorf("unknown empty interrupt policy %q", s)
	}
}

// Options tunes how interrupts are recorded.
type Options struct {
	EmptyInterrupt EmptyInterruptPolicy
	Marker         string
}

// Result describes what a submission appended to the transcript. Reply is set for normal inputs only,
// and the caller must drain it with Reply.Tokens.
type Result struct {
	Kind  Kind
	Turns []models.Turn
	Reply *Reply
}

// Snapshot is a point-in-time view of a session for rendering.
type Snapshot struct {
	Session   models.Session
	Streaming bool
}

// Manager owns the conversation state of every session and drives the normal and interrupt paths.
// Submissions are serialized, so each input is exactly one transition of its session.
type Manager struct {
	llm    LLM
	store  Store
	model  string
	opts   Options
	logger *slog.Logger

	// handleMu serializes submissions; mu guards the store and inflight against the stream goroutines.
	handleMu sync.Mutex
	mu       sync.Mutex
	inflight map[string]*Reply
}

// NewManager creates a Manager that starts every new session on model.
func NewManager(llm LLM, store Store, model string, opts Options, logger *slog.Logger) *Manager {
	if opts.EmptyInterrupt == "" {
		opts.EmptyInterrupt = EmitMarker
	}
	if opts.Marker == "" {
		opts.Marker = DefaultMarker
	}
	return &Manager{
		llm:      llm,
		store:    store,
		model:    model,
		opts:     opts,
		logger:   logger.With(slog.String("module", "chat")),
		inflight: make(map[string]*Reply),
	}
}

// Snapshot returns the session with the given ID, creating it if this is its first access.
func (m *Manager) Snapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	_, streaming := m.inflight[sessionID]
	return Snapshot{Session: s, Streaming: streaming}, nil
}

// Handle classifies input and runs the matching path.
func (m *Manager) Handle(ctx context.Context, sessionID, input string) (Result, error) {
	kind := Classify(input)
	m.logger.Debug("Handle input",
		slog.String("sessionID", sessionID),
		slog.String("kind", kind.String()))

	if kind == Interrupt {
		turns, err := m.HandleInterrupt(ctx, sessionID, input)
		return Result{Kind: Interrupt, Turns: turns}, err
	}
	turns, reply, err := m.HandleNormal(ctx, sessionID, input)
	return Result{Kind: Normal, Turns: turns, Reply: reply}, err
}

// HandleNormal records input as a user turn and starts streaming the model's reply. The returned turns
// are the ones appended before the stream started: a leftover partial reply finalized as truncated, if
// any, and the user turn.
//
// The reply outlives ctx; it stops only when its stream ends or the session is interrupted.
func (m *Manager) HandleNormal(ctx context.Context, sessionID, input string) ([]models.Turn, *Reply, error) {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()

	m.stopInflight(sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	var appended []models.Turn
	if s.Partial != "" {
		// A cancelled or failed stream left tokens behind.
		appended = append(appended, m.truncatedTurn(s))
	}
	appended = append(appended, models.NewTurn(models.RoleUser, input))
	s.Turns = append(s.Turns, appended...)

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &Reply{
		ID:        uuid.New().String(),
		sessionID: sessionID,
		ctx:       streamCtx,
		cancel:    cancel,
		deltas:    make(chan delta, 16),
		done:      make(chan struct{}),
	}
	s.Partial = ""
	s.PartialID = r.ID

	if err := m.store.SaveSession(ctx, s); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to save session: %w", err)
	}

	m.inflight[sessionID] = r
	go m.stream(r, s.Model, s.History())

	return appended, r, nil
}

// HandleInterrupt stops the in-flight reply, finalizes whatever it produced as a truncated assistant
// turn, and records input as a user turn. It never asks the model for anything.
func (m *Manager) HandleInterrupt(ctx context.Context, sessionID, input string) ([]models.Turn, error) {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()

	m.stopInflight(sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var appended []models.Turn
	if s.Partial != "" || m.opts.EmptyInterrupt == EmitMarker {
		appended = append(appended, m.truncatedTurn(s))
	}
	appended = append(appended, models.NewTurn(models.RoleUser, input))
	s.Turns = append(s.Turns, appended...)
	s.Partial = ""
	s.PartialID = ""

	if err := m.store.SaveSession(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return appended, nil
}

// Shutdown cancels every in-flight reply and waits for them to stop, or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	replies := make([]*Reply, 0, len(m.inflight))
	for _, r := range m.inflight {
		replies = append(replies, r)
	}
	m.mu.Unlock()

	for _, r := range replies {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// truncatedTurn builds the assistant turn an interrupted reply is finalized into. It reuses the reply's
// ID so the display can replace the streaming placeholder in place.
func (m *Manager) truncatedTurn(s models.Session) models.Turn {
	t := models.NewTurn(models.RoleAssistant, s.Partial+m.opts.Marker)
	if s.PartialID != "" {
		t.ID = s.PartialID
	}
	t.Truncated = true
	return t
}

// session loads a session, creating it on first access. Callers must hold mu.
func (m *Manager) session(ctx context.Context, sessionID string) (models.Session, error) {
	s, err := m.store.Session(ctx, sessionID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, models.ErrSessionNotFound) {
		return models.Session{}, fmt.Errorf("failed to get session: %w", err)
	}

	s = models.Session{
		ID:        sessionID,
		Model:     m.model,
		CreatedAt: time.Now(),
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		return models.Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	m.logger.Info("Session created",
		slog.String("sessionID", sessionID),
		slog.String("model", s.Model))
	return s, nil
}

// stopInflight cancels the session's in-flight reply and blocks until its goroutine has exited, so no
// token lands in the buffer after it returns. Callers must hold handleMu but not mu.
func (m *Manager) stopInflight(sessionID string) {
	m.mu.Lock()
	r := m.inflight[sessionID]
	m.mu.Unlock()

	if r == nil {
		return
	}
	r.cancel()
	<-r.done
	m.logger.Debug("Reply cancelled",
		slog.String("sessionID", sessionID),
		slog.String("replyID", r.ID))
}
