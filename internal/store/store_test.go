package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestUpsertPresence(t *testing.T) {
	db := testDB(t)

	changed, err := db.UpsertPresence("u1", "Alice", true)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("first upsert should report changed")
	}

	// Same state again is a no-op.
	changed, err = db.UpsertPresence("u1", "Alice", true)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("identical upsert should report unchanged")
	}

	// Going offline is a change.
	changed, err = db.UpsertPresence("u1", "Alice", false)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("offline transition should report changed")
	}

	u, err := db.GetUser("u1")
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || u.Online {
		t.Errorf("got %+v, want offline user", u)
	}
}

func TestUpsertPresenceKeepsNameWhenEmpty(t *testing.T) {
	db := testDB(t)

	if _, err := db.UpsertPresence("u1", "Alice", true); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpsertPresence("u1", "", false); err != nil {
		t.Fatal(err)
	}

	u, err := db.GetUser("u1")
	if err != nil {
		t.Fatal(err)
	}
	if u.DisplayName != "Alice" {
		t.Errorf("display name = %q, want Alice", u.DisplayName)
	}
}

func TestListOnlineUsersExcludesSelf(t *testing.T) {
	db := testDB(t)

	for _, u := range []struct {
		id, name string
		online   bool
	}{
		{"u1", "Alice", true},
		{"u2", "Bob", true},
		{"u3", "Carol", false},
	} {
		if _, err := db.UpsertPresence(u.id, u.name, u.online); err != nil {
			t.Fatal(err)
		}
	}

	users, err := db.ListOnlineUsers("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].ID != "u2" {
		t.Errorf("got %+v, want only u2", users)
	}
}

func TestFindOrCreateDirect(t *testing.T) {
	db := testDB(t)

	id1, created, err := db.FindOrCreateDirect("c1", "u1", "u2")
	if err != nil {
		t.Fatal(err)
	}
	if !created || id1 != "c1" {
		t.Fatalf("got (%q, %v), want (c1, true)", id1, created)
	}

	// Reversed member order must hit the same conversation.
	id2, created, err := db.FindOrCreateDirect("c2", "u2", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if created || id2 != "c1" {
		t.Errorf("got (%q, %v), want (c1, false)", id2, created)
	}

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.IsGroup || len(c.MemberIDs) != 2 {
		t.Errorf("conversation = %+v, want direct with 2 members", c)
	}
}

func TestDirectConversationID(t *testing.T) {
	db := testDB(t)

	id, err := db.DirectConversationID("u1", "u2")
	if err != nil {
		t.Fatal(err)
	}
	if id != "" {
		t.Errorf("got %q before creation, want empty", id)
	}

	if _, _, err := db.FindOrCreateDirect("c1", "u1", "u2"); err != nil {
		t.Fatal(err)
	}

	// Both member orders resolve to the same row.
	for _, pair := range [][2]string{{"u1", "u2"}, {"u2", "u1"}} {
		id, err := db.DirectConversationID(pair[0], pair[1])
		if err != nil {
			t.Fatal(err)
		}
		if id != "c1" {
			t.Errorf("DirectConversationID(%q, %q) = %q, want c1", pair[0], pair[1], id)
		}
	}
}

func TestFindOrCreateDirectConcurrent(t *testing.T) {
	db := testDB(t)

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := db.FindOrCreateDirect(fmt.Sprintf("cand-%d", i), "u1", "u2")
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	count, err := db.ConversationCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("created %d conversations, want 1", count)
	}
	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Errorf("caller %d got %q, caller 0 got %q", i, ids[i], ids[0])
		}
	}
}

func TestCreateGroupNoDedup(t *testing.T) {
	db := testDB(t)

	if err := db.CreateGroup("g1", []string{"u1", "u2", "u3"}); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateGroup("g2", []string{"u1", "u2", "u3"}); err != nil {
		t.Fatal(err)
	}

	count, err := db.ConversationCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("got %d conversations, want 2 (groups never dedup)", count)
	}
}

func TestAppendAssignsContiguousSeq(t *testing.T) {
	db := testDB(t)

	if _, _, err := db.FindOrCreateDirect("c1", "u1", "u2"); err != nil {
		t.Fatal(err)
	}

	m1, err := db.AppendMessage("c1", "u1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	m2, err := db.AppendMessage("c1", "u2", "hey")
	if err != nil {
		t.Fatal(err)
	}
	if m1.Seq != 1 || m2.Seq != 2 {
		t.Errorf("seqs = %d, %d, want 1, 2", m1.Seq, m2.Seq)
	}
	if m2.CreatedAt < m1.CreatedAt {
		t.Errorf("timestamps went backwards: %d then %d", m1.CreatedAt, m2.CreatedAt)
	}
}

func TestAppendConcurrentLinearized(t *testing.T) {
	db := testDB(t)

	if _, _, err := db.FindOrCreateDirect("c1", "u1", "u2"); err != nil {
		t.Fatal(err)
	}

	const writers = 4
	const perWriter = 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			author := "u1"
			if w%2 == 1 {
				author = "u2"
			}
			for i := 0; i < perWriter; i++ {
				if _, err := db.AppendMessage("c1", author, "msg"); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	msgs, err := db.ListMessagesAfter("c1", 0, writers*perWriter+1)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != writers*perWriter {
		t.Fatalf("got %d messages, want %d", len(msgs), writers*perWriter)
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Fatalf("seq at position %d = %d, want %d (gap or duplicate)", i, m.Seq, i+1)
		}
		if i > 0 && m.CreatedAt < msgs[i-1].CreatedAt {
			t.Fatalf("timestamp at seq %d went backwards", m.Seq)
		}
	}
}

func TestAppendRejectsUnknownConversation(t *testing.T) {
	db := testDB(t)

	_, err := db.AppendMessage("missing", "u1", "hi")
	if err != ErrNoConversation {
		t.Errorf("err = %v, want ErrNoConversation", err)
	}
}

func TestAppendRejectsNonMember(t *testing.T) {
	db := testDB(t)

	if _, _, err := db.FindOrCreateDirect("c1", "u1", "u2"); err != nil {
		t.Fatal(err)
	}
	_, err := db.AppendMessage("c1", "intruder", "hi")
	if err != ErrNotMember {
		t.Errorf("err = %v, want ErrNotMember", err)
	}
	msgs, err := db.ListMessagesAfter("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("rejected append left %d records", len(msgs))
	}
}

func TestAppendRoundTrip(t *testing.T) {
	db := testDB(t)

	if _, err := db.UpsertPresence("u1", "Alice", true); err != nil {
		t.Fatal(err)
	}
	if _, _, err := db.FindOrCreateDirect("c1", "u1", "u2"); err != nil {
		t.Fatal(err)
	}

	sent, err := db.AppendMessage("c1", "u1", "hello world")
	if err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessagesAfter("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.Body != "hello world" || got.AuthorID != "u1" || got.AuthorName != "Alice" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Seq != sent.Seq || got.CreatedAt != sent.CreatedAt {
		t.Errorf("got (seq=%d, at=%d), want (seq=%d, at=%d)", got.Seq, got.CreatedAt, sent.Seq, sent.CreatedAt)
	}
}

func TestListMessagesAfterPaginates(t *testing.T) {
	db := testDB(t)

	if _, _, err := db.FindOrCreateDirect("c1", "u1", "u2"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := db.AppendMessage("c1", "u1", "m"); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListMessagesAfter("c1", 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Seq != 3 || page[1].Seq != 4 {
		t.Errorf("page = %+v, want seqs 3, 4", page)
	}
}

func TestListConversationsForUser(t *testing.T) {
	db := testDB(t)

	if _, _, err := db.FindOrCreateDirect("c1", "u1", "u2"); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateGroup("g1", []string{"u1", "u3", "u4"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := db.FindOrCreateDirect("c2", "u3", "u4"); err != nil {
		t.Fatal(err)
	}

	// Activity in g1 should order it first for u1.
	if _, err := db.AppendMessage("g1", "u3", "group hello"); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversationsForUser("u1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].ID != "g1" {
		t.Errorf("first conversation = %q, want g1 (most recent activity)", convs[0].ID)
	}
	if convs[0].LastPreview != "group hello" || convs[0].LastSeq != 1 {
		t.Errorf("summary = %+v, want preview and last_seq set", convs[0])
	}
	if len(convs[1].MemberIDs) != 2 {
		t.Errorf("members = %v, want 2 entries", convs[1].MemberIDs)
	}
}

func TestUserNames(t *testing.T) {
	db := testDB(t)

	if _, err := db.UpsertPresence("u1", "Alice", true); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpsertPresence("u2", "Bob", false); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpsertPresence("u3", "", true); err != nil {
		t.Fatal(err)
	}

	names, err := db.UserNames([]string{"u1", "u2", "u3", "unknown", "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names["u1"] != "Alice" || names["u2"] != "Bob" {
		t.Errorf("names = %v, want Alice and Bob only", names)
	}

	empty, err := db.UserNames(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("names for empty input = %v, want none", empty)
	}
}

func TestPairKeyCanonical(t *testing.T) {
	if PairKey("b", "a") != PairKey("a", "b") {
		t.Error("pair key must be order independent")
	}
	if PairKey("a", "b") != "a|b" {
		t.Errorf("pair key = %q, want a|b", PairKey("a", "b"))
	}
}
