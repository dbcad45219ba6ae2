package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"whisper/internal/db"
	"whisper/internal/models"

	"gorm.io/gorm"
)

type fakeOnline map[string]bool

func (f fakeOnline) IsOnline(userID string) bool { return f[userID] }

// setupTestDB creates an in-memory SQLite database for testing.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect("sqlite::memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return gdb
}

func seedUser(t *testing.T, users *UserService, subject, name string) *models.User {
	t.Helper()
	u, err := users.Sync(context.Background(), SyncInput{Subject: subject, Name: name, Email: subject + "@example.com"})
	if err != nil {
		t.Fatalf("Sync(%s) error = %v", subject, err)
	}
	return u
}

func TestUserService_SyncAndFind(t *testing.T) {
	ctx := context.Background()
	users := NewUserService(setupTestDB(t), nil)

	first := seedUser(t, users, "sub-a", "Alice")
	again, err := users.Sync(ctx, SyncInput{Subject: "sub-a", Name: " Alice B ", Email: "SUB-A@example.com", Avatar: "a.png"})
	if err != nil {
		t.Fatalf("Sync() update error = %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("Sync() changed id: %q -> %q", first.ID, again.ID)
	}
	if again.Name != "Alice B" || again.Email != "sub-a@example.com" || again.Avatar != "a.png" {
		t.Errorf("Sync() did not update profile: %+v", again)
	}

	got, err := users.FindBySubject(ctx, "sub-a")
	if err != nil || got.ID != first.ID {
		t.Fatalf("FindBySubject() = %v, %v", got, err)
	}
	if _, err := users.FindBySubject(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindBySubject(nobody) error = %v, want ErrNotFound", err)
	}
	if _, err := users.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUserService_ListOthers(t *testing.T) {
	online := fakeOnline{}
	users := NewUserService(setupTestDB(t), online)
	a := seedUser(t, users, "sub-a", "Alice")
	b := seedUser(t, users, "sub-b", "Bob")
	seedUser(t, users, "sub-c", "Carol")
	online[b.ID] = true

	list, err := users.ListOthers(context.Background(), a.ID, 0)
	if err != nil {
		t.Fatalf("ListOthers() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListOthers() len = %d, want 2", len(list))
	}
	if list[0].Name != "Bob" || !list[0].Online {
		t.Errorf("list[0] = %+v, want online Bob", list[0])
	}
	if list[1].Name != "Carol" || list[1].Online {
		t.Errorf("list[1] = %+v, want offline Carol", list[1])
	}
}

func TestConversationService_GetOrCreate(t *testing.T) {
	ctx := context.Background()
	gdb := setupTestDB(t)
	users := NewUserService(gdb, nil)
	convs := NewConversationService(gdb, users)
	a := seedUser(t, users, "sub-a", "Alice")
	b := seedUser(t, users, "sub-b", "Bob")
	c := seedUser(t, users, "sub-c", "Carol")

	first, err := convs.GetOrCreate(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if len(first.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(first.Participants))
	}

	// order of participants must not matter
	second, err := convs.GetOrCreate(ctx, b.ID, a.ID)
	if err != nil {
		t.Fatalf("GetOrCreate() reversed error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("GetOrCreate() created a duplicate conversation: %q vs %q", first.ID, second.ID)
	}

	other, err := convs.GetOrCreate(ctx, a.ID, c.ID)
	if err != nil {
		t.Fatalf("GetOrCreate(a,c) error = %v", err)
	}
	if other.ID == first.ID {
		t.Error("GetOrCreate(a,c) reused the a/b conversation")
	}

	if _, err := convs.GetOrCreate(ctx, a.ID, a.ID); !errors.Is(err, ErrSelfChat) {
		t.Errorf("GetOrCreate(self) error = %v, want ErrSelfChat", err)
	}
	if _, err := convs.GetOrCreate(ctx, a.ID, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOrCreate(ghost) error = %v, want ErrNotFound", err)
	}

	if _, err := convs.GetForUser(ctx, first.ID, c.ID); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("GetForUser(outsider) error = %v, want ErrNotParticipant", err)
	}
	if _, err := convs.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestConversationService_LastMessageAndList(t *testing.T) {
	ctx := context.Background()
	gdb := setupTestDB(t)
	users := NewUserService(gdb, nil)
	convs := NewConversationService(gdb, users)
	msgs := NewMessageService(gdb)
	a := seedUser(t, users, "sub-a", "Alice")
	b := seedUser(t, users, "sub-b", "Bob")
	c := seedUser(t, users, "sub-c", "Carol")

	ab, err := convs.GetOrCreate(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("GetOrCreate(a,b) error = %v", err)
	}
	ac, err := convs.GetOrCreate(ctx, a.ID, c.ID)
	if err != nil {
		t.Fatalf("GetOrCreate(a,c) error = %v", err)
	}

	m, err := msgs.Create(ctx, ab.ID, a.ID, "hi")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := convs.UpdateLastMessage(ctx, ab.ID, m.ID, m.CreatedAt); err != nil {
		t.Fatalf("UpdateLastMessage() error = %v", err)
	}
	if err := convs.UpdateLastMessage(ctx, "missing", m.ID, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateLastMessage(missing) error = %v, want ErrNotFound", err)
	}

	list, err := convs.ListForUser(ctx, a.ID)
	if err != nil {
		t.Fatalf("ListForUser() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListForUser() len = %d, want 2", len(list))
	}
	if list[0].ID != ab.ID {
		t.Errorf("most recent conversation = %q, want %q", list[0].ID, ab.ID)
	}
	if list[0].LastMessage == nil || list[0].LastMessage.Text != "hi" || list[0].LastMessage.SenderID != a.ID {
		t.Errorf("preview = %+v", list[0].LastMessage)
	}
	if list[1].ID != ac.ID || list[1].LastMessage != nil {
		t.Errorf("list[1] = %+v, want empty a/c conversation", list[1])
	}

	forC, err := convs.ListForUser(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListForUser(c) error = %v", err)
	}
	if len(forC) != 1 || forC[0].ID != ac.ID {
		t.Errorf("ListForUser(c) = %+v", forC)
	}
}

func TestMessageService_ListByConversation(t *testing.T) {
	ctx := context.Background()
	gdb := setupTestDB(t)
	users := NewUserService(gdb, nil)
	convs := NewConversationService(gdb, users)
	msgs := NewMessageService(gdb)
	a := seedUser(t, users, "sub-a", "Alice")
	b := seedUser(t, users, "sub-b", "Bob")
	ab, err := convs.GetOrCreate(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	texts := []string{"one", "two", "three"}
	for i, text := range texts {
		sender := a.ID
		if i%2 == 1 {
			sender = b.ID
		}
		if _, err := msgs.Create(ctx, ab.ID, sender, text); err != nil {
			t.Fatalf("Create(%s) error = %v", text, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	all, err := msgs.ListByConversation(ctx, ab.ID, 0, time.Time{})
	if err != nil {
		t.Fatalf("ListByConversation() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	for i, text := range texts {
		if all[i].Text != text {
			t.Errorf("all[%d].Text = %q, want %q", i, all[i].Text, text)
		}
	}
	if all[1].Sender.Name != "Bob" || all[0].Sender.Name != "Alice" {
		t.Errorf("senders not resolved: %+v / %+v", all[0].Sender, all[1].Sender)
	}

	latest, err := msgs.ListByConversation(ctx, ab.ID, 2, time.Time{})
	if err != nil {
		t.Fatalf("ListByConversation(limit) error = %v", err)
	}
	if len(latest) != 2 || latest[0].Text != "two" || latest[1].Text != "three" {
		t.Errorf("latest page = %+v", latest)
	}

	older, err := msgs.ListByConversation(ctx, ab.ID, 10, latest[0].CreatedAt)
	if err != nil {
		t.Fatalf("ListByConversation(before) error = %v", err)
	}
	if len(older) != 1 || older[0].Text != "one" {
		t.Errorf("older page = %+v", older)
	}
}
