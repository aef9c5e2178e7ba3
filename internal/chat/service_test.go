package chat

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chatsync/chatsync/internal/bus"
	"github.com/chatsync/chatsync/internal/store"
)

func testService(t *testing.T) (*Service, *bus.Bus) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	return NewService(db, b, zap.NewNop(), DefaultRetryPolicy), b
}

func TestSetOnlinePublishesOnlyChanges(t *testing.T) {
	svc, b := testService(t)
	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	ctx := context.Background()
	if err := svc.SetOnline(ctx, "u1", "Alice", true); err != nil {
		t.Fatal(err)
	}
	if err := svc.SetOnline(ctx, "u1", "Alice", true); err != nil {
		t.Fatal(err)
	}
	if err := svc.SetOnline(ctx, "u1", "Alice", false); err != nil {
		t.Fatal(err)
	}

	var events []PresenceChange
	for {
		select {
		case evt := <-ch:
			events = append(events, evt.Payload.(PresenceChange))
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	if len(events) != 2 {
		t.Fatalf("got %d presence events, want 2 (idempotent repeat suppressed)", len(events))
	}
	if !events[0].Online || events[1].Online {
		t.Errorf("events = %+v, want online then offline", events)
	}
}

func TestSetOnlineRejectsEmptyID(t *testing.T) {
	svc, _ := testService(t)
	err := svc.SetOnline(context.Background(), "  ", "Alice", true)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestFindOrCreateDirectSelfChat(t *testing.T) {
	svc, _ := testService(t)
	_, err := svc.FindOrCreateDirect(context.Background(), "u1", "u1")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestFindOrCreateDirectDedup(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	id1, err := svc.FindOrCreateDirect(ctx, "u1", "u2")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := svc.FindOrCreateDirect(ctx, "u2", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if errors.Is(err, ErrConflict) {
		t.Error("conflict resolution surfaced to the caller")
	}
	if id1 != id2 {
		t.Errorf("got %q and %q, want the same conversation", id1, id2)
	}
}

func TestCreateGroupValidation(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		members []string
	}{
		{"too few", []string{"u1"}},
		{"duplicates collapse below minimum", []string{"u1", "u1"}},
		{"empty member id", []string{"u1", ""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateGroup(ctx, tc.members); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}

	if _, err := svc.CreateGroup(ctx, []string{"u1", "u2", "u3"}); err != nil {
		t.Fatalf("valid group rejected: %v", err)
	}
}

func TestAppendValidation(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	id, err := svc.FindOrCreateDirect(ctx, "u1", "u2")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Append(ctx, id, "u1", "   \t\n"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("whitespace body: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := svc.Append(ctx, "missing", "u1", "hi"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown conversation: err = %v, want ErrNotFound", err)
	}
	if _, err := svc.Append(ctx, id, "intruder", "hi"); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-member: err = %v, want ErrForbidden", err)
	}

	// No record may exist after the failures above.
	msgs, err := svc.History(ctx, id, "u1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("failed appends left %d records", len(msgs))
	}
}

func TestAppendPublishesAfterCommit(t *testing.T) {
	svc, b := testService(t)
	ctx := context.Background()

	id, err := svc.FindOrCreateDirect(ctx, "u1", "u2")
	if err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	sent, err := svc.Append(ctx, id, "u1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if sent.Seq != 1 {
		t.Errorf("seq = %d, want 1", sent.Seq)
	}

	select {
	case evt := <-ch:
		msg := evt.Payload.(*store.Message)
		if msg.Seq != sent.Seq || msg.Body != "hello" {
			t.Errorf("event payload = %+v, want the appended message", msg)
		}
		// The published message must already be readable.
		msgs, err := svc.History(ctx, id, "u2", 0, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 1 {
			t.Errorf("published before durable: history has %d messages", len(msgs))
		}
	case <-time.After(time.Second):
		t.Fatal("no message event published")
	}
}

func TestConversationEventsCarryMembers(t *testing.T) {
	svc, b := testService(t)
	ctx := context.Background()

	ch, unsub := b.Subscribe("conversation.", 10)
	defer unsub()

	id, err := svc.FindOrCreateDirect(ctx, "u1", "u2")
	if err != nil {
		t.Fatal(err)
	}

	recvEvent := func(wantKind string) ConversationEvent {
		t.Helper()
		select {
		case evt := <-ch:
			if evt.Kind != wantKind {
				t.Fatalf("kind = %q, want %s", evt.Kind, wantKind)
			}
			return evt.Payload.(ConversationEvent)
		case <-time.After(time.Second):
			t.Fatalf("no %s event", wantKind)
		}
		return ConversationEvent{}
	}

	created := recvEvent(bus.KindConversationCreated)
	if created.ConversationID != id || len(created.MemberIDs) != 2 {
		t.Errorf("created event = %+v, want id and both members", created)
	}

	msg, err := svc.Append(ctx, id, "u1", "hello")
	if err != nil {
		t.Fatal(err)
	}

	activity := recvEvent(bus.KindConversationActivity)
	if activity.ConversationID != id || activity.Preview != "hello" {
		t.Errorf("activity event = %+v, want preview %q", activity, "hello")
	}
	if activity.LastMsgAt != msg.CreatedAt {
		t.Errorf("activity last_msg_at = %d, want %d", activity.LastMsgAt, msg.CreatedAt)
	}
	if len(activity.MemberIDs) != 2 {
		t.Errorf("activity members = %v, want both members", activity.MemberIDs)
	}
}

func TestHistoryAuthorization(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	id, err := svc.FindOrCreateDirect(ctx, "u1", "u2")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.History(ctx, id, "intruder", 0, 10); !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
	if _, err := svc.History(ctx, "missing", "u1", 0, 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListConversationsTitles(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	if err := svc.SetOnline(ctx, "u2", "Bob", true); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.FindOrCreateDirect(ctx, "u1", "u2"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.FindOrCreateDirect(ctx, "u1", "u3"); err != nil {
		t.Fatal(err)
	}

	summaries, err := svc.ListConversations(ctx, "u1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(summaries))
	}
	titles := map[string]bool{}
	for _, s := range summaries {
		titles[s.Title] = true
	}
	if !titles["Bob"] {
		t.Errorf("titles = %v, want display name Bob resolved", titles)
	}
	if !titles["u3"] {
		t.Errorf("titles = %v, want raw id fallback for unknown user", titles)
	}
}
