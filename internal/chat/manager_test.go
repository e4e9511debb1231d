package chat_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/shutup-web-ui/internal/chat"
	"github.com/MegaGrindStone/shutup-web-ui/internal/models"
)

type mockLLM struct {
	tokens []string
	err    error
	// hang keeps the stream open after the tokens until it is cancelled.
	hang bool

	mu     sync.Mutex
	calls  [][]models.Turn
	models []string
}

type mockStore struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	err      error
}

const testModel = "qwen:0.5b"

func newManager(llm chat.LLM, store chat.Store, policy chat.EmptyInterruptPolicy) *chat.Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return chat.NewManager(llm, store, testModel, chat.Options{EmptyInterrupt: policy}, logger)
}

func drain(t *testing.T, r *chat.Reply) ([]string, error) {
	t.Helper()

	var tokens []string
	var streamErr error
	for token, err := range r.Tokens() {
		if err != nil {
			streamErr = err
			continue
		}
		tokens = append(tokens, token)
	}
	waitDone(t, r)
	return tokens, streamErr
}

func waitDone(t *testing.T, r *chat.Reply) {
	t.Helper()

	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reply did not stop")
	}
}

func transcript(t *testing.T, m *chat.Manager, sessionID string) models.Session {
	t.Helper()

	snap, err := m.Snapshot(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	return snap.Session
}

type wantTurn struct {
	role    models.Role
	content string
}

func assertTurns(t *testing.T, got []models.Turn, want []wantTurn) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("got %d turns %+v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i].Role != want[i].role || got[i].Content != want[i].content {
			t.Errorf("turn %d = {%s, %q}, want {%s, %q}", i, got[i].Role, got[i].Content, want[i].role, want[i].content)
		}
	}
}

func TestHandleNormal(t *testing.T) {
	llm := &mockLLM{tokens: []string{"Hi", " there"}}
	m := newManager(llm, newMockStore(), chat.EmitMarker)

	appended, reply, err := m.HandleNormal(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("HandleNormal() error = %v", err)
	}
	assertTurns(t, appended, []wantTurn{{models.RoleUser, "hello"}})

	tokens, err := drain(t, reply)
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if !slices.Equal(tokens, []string{"Hi", " there"}) {
		t.Errorf("tokens = %q, want [Hi  there]", tokens)
	}

	s := transcript(t, m, "s1")
	assertTurns(t, s.Turns, []wantTurn{
		{models.RoleUser, "hello"},
		{models.RoleAssistant, "Hi there"},
	})
	if s.Turns[1].ID != reply.ID {
		t.Errorf("assistant turn ID = %q, want reply ID %q", s.Turns[1].ID, reply.ID)
	}
	if s.Turns[1].Truncated {
		t.Error("completed reply should not be marked truncated")
	}
	if s.Partial != "" {
		t.Errorf("Partial = %q, want empty after a completed reply", s.Partial)
	}

	if len(llm.calls) != 1 {
		t.Fatalf("llm called %d times, want 1", len(llm.calls))
	}
	if llm.models[0] != testModel {
		t.Errorf("llm model = %q, want %q", llm.models[0], testModel)
	}
	assertTurns(t, llm.calls[0], []wantTurn{{models.RoleUser, "hello"}})
}

func TestHandleInterrupt_PartialReply(t *testing.T) {
	llm := &mockLLM{tokens: []string{"Par"}, hang: true}
	m := newManager(llm, newMockStore(), chat.EmitMarker)

	_, reply, err := m.HandleNormal(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("HandleNormal() error = %v", err)
	}

	next, stop := iter.Pull2(reply.Tokens())
	defer stop()
	token, _, ok := next()
	if !ok || token != "Par" {
		t.Fatalf("first token = %q, %v, want Par", token, ok)
	}

	appended, err := m.HandleInterrupt(context.Background(), "s1", "stop")
	if err != nil {
		t.Fatalf("HandleInterrupt() error = %v", err)
	}
	waitDone(t, reply)

	assertTurns(t, appended, []wantTurn{
		{models.RoleAssistant, "Par..."},
		{models.RoleUser, "stop"},
	})
	if !appended[0].Truncated {
		t.Error("interrupted reply should be marked truncated")
	}
	if appended[0].ID != reply.ID {
		t.Errorf("truncated turn ID = %q, want reply ID %q", appended[0].ID, reply.ID)
	}

	s := transcript(t, m, "s1")
	assertTurns(t, s.Turns, []wantTurn{
		{models.RoleUser, "hello"},
		{models.RoleAssistant, "Par..."},
		{models.RoleUser, "stop"},
	})
	if s.Partial != "" {
		t.Errorf("Partial = %q, want empty after interrupt", s.Partial)
	}
	if len(llm.calls) != 1 {
		t.Errorf("interrupt should not call the llm, got %d calls", len(llm.calls))
	}
}

func TestHandleInterrupt_EmptyBuffer(t *testing.T) {
	tests := []struct {
		name   string
		policy chat.EmptyInterruptPolicy
		want   []wantTurn
	}{
		{
			name:   "Marker policy",
			policy: chat.EmitMarker,
			want: []wantTurn{
				{models.RoleAssistant, "..."},
				{models.RoleUser, "/anything"},
			},
		},
		{
			name:   "Default policy",
			policy: "",
			want: []wantTurn{
				{models.RoleAssistant, "..."},
				{models.RoleUser, "/anything"},
			},
		},
		{
			name:   "Suppress policy",
			policy: chat.SuppressEmpty,
			want: []wantTurn{
				{models.RoleUser, "/anything"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &mockLLM{}
			m := newManager(llm, newMockStore(), tt.policy)

			appended, err := m.HandleInterrupt(context.Background(), "s1", "/anything")
			if err != nil {
				t.Fatalf("HandleInterrupt() error = %v", err)
			}
			assertTurns(t, appended, tt.want)
			assertTurns(t, transcript(t, m, "s1").Turns, tt.want)
			if len(llm.calls) != 0 {
				t.Errorf("interrupt should not call the llm, got %d calls", len(llm.calls))
			}
		})
	}
}

func TestHandleInterrupt_AfterCompletedReply(t *testing.T) {
	m := newManager(&mockLLM{tokens: []string{"Hi", " there"}}, newMockStore(), chat.SuppressEmpty)

	_, reply, err := m.HandleNormal(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("HandleNormal() error = %v", err)
	}
	if _, err := drain(t, reply); err != nil {
		t.Fatalf("stream error = %v", err)
	}

	if _, err := m.HandleInterrupt(context.Background(), "s1", "bye"); err != nil {
		t.Fatalf("HandleInterrupt() error = %v", err)
	}

	// The finished reply must not come back as a truncated duplicate.
	assertTurns(t, transcript(t, m, "s1").Turns, []wantTurn{
		{models.RoleUser, "hello"},
		{models.RoleAssistant, "Hi there"},
		{models.RoleUser, "bye"},
	})
}

func TestHandleNormal_Alternates(t *testing.T) {
	m := newManager(&mockLLM{tokens: []string{"ok"}}, newMockStore(), chat.EmitMarker)

	const n = 5
	for i := range n {
		_, reply, err := m.HandleNormal(context.Background(), "s1", fmt.Sprintf("question %d", i))
		if err != nil {
			t.Fatalf("HandleNormal(%d) error = %v", i, err)
		}
		if _, err := drain(t, reply); err != nil {
			t.Fatalf("stream %d error = %v", i, err)
		}
	}

	turns := transcript(t, m, "s1").Turns
	if len(turns) != 2*n {
		t.Fatalf("got %d turns, want %d", len(turns), 2*n)
	}
	for i, turn := range turns {
		want := models.RoleUser
		if i%2 == 1 {
			want = models.RoleAssistant
		}
		if turn.Role != want {
			t.Errorf("turn %d role = %s, want %s", i, turn.Role, want)
		}
	}
}

func TestHandleNormal_StreamError(t *testing.T) {
	boom := errors.New("connection reset")
	m := newManager(&mockLLM{tokens: []string{"Par"}, err: boom}, newMockStore(), chat.EmitMarker)

	_, reply, err := m.HandleNormal(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("HandleNormal() error = %v", err)
	}

	tokens, err := drain(t, reply)
	if !errors.Is(err, boom) {
		t.Fatalf("stream error = %v, want %v", err, boom)
	}
	if !slices.Equal(tokens, []string{"Par"}) {
		t.Errorf("tokens = %q, want [Par]", tokens)
	}

	s := transcript(t, m, "s1")
	assertTurns(t, s.Turns, []wantTurn{{models.RoleUser, "hello"}})
	if s.Partial != "Par" {
		t.Errorf("Partial = %q, want Par kept after a failed stream", s.Partial)
	}

	appended, err := m.HandleInterrupt(context.Background(), "s1", "stop")
	if err != nil {
		t.Fatalf("HandleInterrupt() error = %v", err)
	}
	assertTurns(t, appended, []wantTurn{
		{models.RoleAssistant, "Par..."},
		{models.RoleUser, "stop"},
	})
}

func TestHandleNormal_WhileStreaming(t *testing.T) {
	llm := &mockLLM{tokens: []string{"Par"}, hang: true}
	m := newManager(llm, newMockStore(), chat.EmitMarker)
	defer func() {
		if err := m.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	}()

	_, first, err := m.HandleNormal(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("HandleNormal() error = %v", err)
	}
	next, stop := iter.Pull2(first.Tokens())
	defer stop()
	if token, _, ok := next(); !ok || token != "Par" {
		t.Fatalf("first token = %q, %v, want Par", token, ok)
	}

	appended, second, err := m.HandleNormal(context.Background(), "s1", "again")
	if err != nil {
		t.Fatalf("second HandleNormal() error = %v", err)
	}
	waitDone(t, first)

	assertTurns(t, appended, []wantTurn{
		{models.RoleAssistant, "Par..."},
		{models.RoleUser, "again"},
	})
	if second.ID == first.ID {
		t.Error("second reply should get a new ID")
	}

	next2, stop2 := iter.Pull2(second.Tokens())
	defer stop2()
	if token, _, ok := next2(); !ok || token != "Par" {
		t.Fatalf("second reply first token = %q, %v, want Par", token, ok)
	}

	llm.mu.Lock()
	defer llm.mu.Unlock()
	if len(llm.calls) != 2 {
		t.Fatalf("llm called %d times, want 2", len(llm.calls))
	}
	assertTurns(t, llm.calls[1], []wantTurn{
		{models.RoleUser, "hello"},
		{models.RoleAssistant, "Par..."},
		{models.RoleUser, "again"},
	})
}

func TestReplyTokens_BreakCancels(t *testing.T) {
	m := newManager(&mockLLM{tokens: []string{"Par"}, hang: true}, newMockStore(), chat.EmitMarker)

	_, reply, err := m.HandleNormal(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("HandleNormal() error = %v", err)
	}
	for range reply.Tokens() {
		break
	}
	waitDone(t, reply)

	snap, err := m.Snapshot(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Streaming {
		t.Error("cancelled reply should not be streaming")
	}
	if snap.Session.Partial != "Par" {
		t.Errorf("Partial = %q, want Par", snap.Session.Partial)
	}
}

func TestHandle(t *testing.T) {
	m := newManager(&mockLLM{tokens: []string{"Hi"}}, newMockStore(), chat.EmitMarker)

	res, err := m.Handle(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.Kind != chat.Normal || res.Reply == nil {
		t.Fatalf("Handle(hello) = %+v, want normal result with a reply", res)
	}
	if _, err := drain(t, res.Reply); err != nil {
		t.Fatalf("stream error = %v", err)
	}

	res, err = m.Handle(context.Background(), "s1", " STOP ")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.Kind != chat.Interrupt || res.Reply != nil {
		t.Fatalf("Handle(STOP) = %+v, want interrupt result without a reply", res)
	}
	assertTurns(t, res.Turns, []wantTurn{
		{models.RoleAssistant, "..."},
		{models.RoleUser, " STOP "},
	})
}

func TestSnapshot_CreatesSession(t *testing.T) {
	store := newMockStore()
	m := newManager(&mockLLM{}, store, chat.EmitMarker)

	snap, err := m.Snapshot(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Session.ID != "fresh" || snap.Session.Model != testModel {
		t.Errorf("Snapshot() session = %+v, want ID fresh and model %s", snap.Session, testModel)
	}
	if snap.Streaming {
		t.Error("fresh session should not be streaming")
	}
	if _, ok := store.sessions["fresh"]; !ok {
		t.Error("Snapshot() should save the created session")
	}
}

func TestHandle_StoreError(t *testing.T) {
	store := newMockStore()
	store.err = errors.New("disk full")
	m := newManager(&mockLLM{}, store, chat.EmitMarker)

	if _, err := m.Handle(context.Background(), "s1", "hello"); err == nil {
		t.Error("Handle(hello) should fail when the store fails")
	}
	if _, err := m.Handle(context.Background(), "s1", "stop"); err == nil {
		t.Error("Handle(stop) should fail when the store fails")
	}
}

func TestShutdown(t *testing.T) {
	llm := &mockLLM{tokens: []string{"Par"}, hang: true}
	m := newManager(llm, newMockStore(), chat.EmitMarker)

	_, reply, err := m.HandleNormal(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("HandleNormal() error = %v", err)
	}
	go func() {
		for range reply.Tokens() {
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	waitDone(t, reply)

	snap, err := m.Snapshot(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Streaming {
		t.Error("no reply should be streaming after Shutdown")
	}
}

func (m *mockLLM) Chat(ctx context.Context, model string, turns []models.Turn) iter.Seq2[string, error] {
	m.mu.Lock()
	m.calls = append(m.calls, turns)
	m.models = append(m.models, model)
	m.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, token := range m.tokens {
			if !yield(token, nil) {
				return
			}
		}
		if m.err != nil {
			yield("", m.err)
			return
		}
		if m.hang {
			<-ctx.Done()
		}
	}
}

func newMockStore() *mockStore {
	return &mockStore{sessions: make(map[string]models.Session)}
}

func (m *mockStore) Session(_ context.Context, id string) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.Session{}, m.err
	}
	s, ok := m.sessions[id]
	if !ok {
		return models.Session{}, models.ErrSessionNotFound
	}
	s.Turns = slices.Clone(s.Turns)
	return s, nil
}

func (m *mockStore) SaveSession(_ context.Context, session models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	session.Turns = slices.Clone(session.Turns)
	m.sessions[session.ID] = session
	return nil
}
