package history

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/memovoz/memovoz/internal/conversation"
	"github.com/memovoz/memovoz/internal/dispatch"
	"github.com/memovoz/memovoz/internal/session"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open("", opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func turn(user, assistant string, kind dispatch.Kind) session.Turn {
	now := time.Now()
	return session.Turn{
		User:      conversation.Message{ID: uuid.NewString(), Role: conversation.RoleUser, Text: user, CreatedAt: now},
		Assistant: conversation.Message{ID: uuid.NewString(), Role: conversation.RoleAssistant, Text: assistant, CreatedAt: now},
		Kind:      kind,
	}
}

func TestArchiveAndRecent(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	current := base
	s := openTestStore(t, WithNow(func() time.Time {
		current = current.Add(time.Second)
		return current
	}))
	ctx := context.Background()

	turns := []session.Turn{
		turn("hola", "¿Qué tal?", dispatch.KindConversation),
		turn("apunta pan", "Nota creada", dispatch.KindNoteCreated),
		turn("recuérdame llamar a Juan", "Evento creado", dispatch.KindEventCreated),
	}
	for _, tr := range turns {
		if err := s.Archive(ctx, tr); err != nil {
			t.Fatalf("Archive: %v", err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d entries, want 2", len(got))
	}
	// Newest first.
	if got[0].Turn.User.Text != "recuérdame llamar a Juan" {
		t.Errorf("entry 0 = %q, want newest turn", got[0].Turn.User.Text)
	}
	if got[1].Turn.Kind != dispatch.KindNoteCreated {
		t.Errorf("entry 1 kind = %q, want %q", got[1].Turn.Kind, dispatch.KindNoteCreated)
	}

	all, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Recent returned %d entries, want all 3", len(all))
	}
}

func TestRecentEmptyStore(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	got, err := s.Recent(context.Background(), 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Recent on empty store returned %d entries", len(got))
	}
}

func TestRecentZeroLimit(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	if err := s.Archive(context.Background(), turn("hola", "vale", dispatch.KindConversation)); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	got, err := s.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Recent(0) returned %d entries", len(got))
	}
}

func TestLen(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := s.Archive(ctx, turn("hola", "vale", dispatch.KindConversation)); err != nil {
			t.Fatalf("Archive: %v", err)
		}
	}
	n, err := s.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 4 {
		t.Fatalf("Len = %d, want 4", n)
	}
}

func TestArchiveRoundTripPreservesMessages(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	want := turn("qué tengo mañana", "Tienes dos eventos", dispatch.KindConversation)
	if err := s.Archive(ctx, want); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	got, err := s.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Recent returned %d entries, want 1", len(got))
	}
	if got[0].Turn.User.ID != want.User.ID || got[0].Turn.User.Text != want.User.Text {
		t.Errorf("user message round trip: got %+v, want %+v", got[0].Turn.User, want.User)
	}
	if got[0].Turn.Assistant.Text != want.Assistant.Text {
		t.Errorf("assistant text = %q, want %q", got[0].Turn.Assistant.Text, want.Assistant.Text)
	}
}
