package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"
)

func timePtr(t time.Time) *time.Time { return &t }

func activeSub(id, userID string, end time.Time) *subscription.Subscription {
	now := time.Now().UTC()
	return &subscription.Subscription{
		ID:                     id,
		UserID:                 userID,
		Status:                 subscription.StatusActive,
		ExternalSubscriptionID: "sub_" + id,
		CurrentPeriodStart:     timePtr(end.AddDate(0, -1, 0)),
		CurrentPeriodEnd:       timePtr(end),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

func TestStorage_GetByUserID(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_, err := storage.GetByUserID(ctx, "user1")
	if !errors.Is(err, subscription.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	storage.Put(activeSub("s1", "user1", time.Now().Add(24*time.Hour)))

	got, err := storage.GetByUserID(ctx, "user1")
	if err != nil {
		t.Fatalf("GetByUserID failed: %v", err)
	}
	if got.ID != "s1" {
		t.Errorf("Expected id s1, got %s", got.ID)
	}

	// Returned records are copies
	got.Status = subscription.StatusCanceled
	again, _ := storage.GetByUserID(ctx, "user1")
	if again.Status != subscription.StatusActive {
		t.Errorf("Expected stored status to be unchanged, got %s", again.Status)
	}
}

func TestStorage_GetByExternalSubscriptionID(t *testing.T) {
	storage := New()
	ctx := context.Background()
	storage.Put(activeSub("s1", "user1", time.Now().Add(24*time.Hour)))

	got, err := storage.GetByExternalSubscriptionID(ctx, "sub_s1")
	if err != nil {
		t.Fatalf("GetByExternalSubscriptionID failed: %v", err)
	}
	if got.UserID != "user1" {
		t.Errorf("Expected user1, got %s", got.UserID)
	}

	if _, err := storage.GetByExternalSubscriptionID(ctx, ""); !errors.Is(err, subscription.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound for empty id, got %v", err)
	}
}

func TestStorage_SavePending(t *testing.T) {
	storage := New()
	ctx := context.Background()

	pending := &subscription.Subscription{ID: "p1", UserID: "user1", Status: subscription.StatusPending}
	if err := storage.SavePending(ctx, pending); err != nil {
		t.Fatalf("SavePending failed: %v", err)
	}

	// Replacing an expired record keeps one row per user
	expired := activeSub("old", "user2", time.Now().Add(-24*time.Hour))
	expired.Status = subscription.StatusExpired
	storage.Put(expired)
	if err := storage.SavePending(ctx, &subscription.Subscription{ID: "p2", UserID: "user2", Status: subscription.StatusPending}); err != nil {
		t.Fatalf("SavePending over expired failed: %v", err)
	}
	got, _ := storage.GetByUserID(ctx, "user2")
	if got.ID != "p2" || got.Status != subscription.StatusPending {
		t.Errorf("Expected fresh pending row p2, got %s/%s", got.ID, got.Status)
	}
	if storage.Count() != 2 {
		t.Errorf("Expected 2 rows, got %d", storage.Count())
	}

	// Rows still billed by the provider are never overwritten
	for _, status := range []subscription.Status{
		subscription.StatusActive, subscription.StatusTrialing, subscription.StatusPastDue,
	} {
		userID := "billed_" + string(status)
		billed := activeSub("b_"+string(status), userID, time.Now().Add(24*time.Hour))
		billed.Status = status
		storage.Put(billed)
		err := storage.SavePending(ctx, &subscription.Subscription{ID: "p_" + string(status), UserID: userID, Status: subscription.StatusPending})
		if !errors.Is(err, subscription.ErrAlreadyActive) {
			t.Errorf("Expected ErrAlreadyActive over %s, got %v", status, err)
		}
		got, _ := storage.GetByUserID(ctx, userID)
		if got.ID != billed.ID {
			t.Errorf("Expected %s row to be kept, got %s", status, got.ID)
		}
	}
}

func TestStorage_UpdateCompareAndSet(t *testing.T) {
	storage := New()
	ctx := context.Background()
	storage.Put(activeSub("s1", "user1", time.Now().Add(24*time.Hour)))

	sub, _ := storage.GetByUserID(ctx, "user1")
	sub.CancelAtPeriodEnd = true

	ok, err := storage.Update(ctx, sub, subscription.StatusPastDue)
	if err != nil || ok {
		t.Fatalf("Expected stale update to be a no-op, got ok=%v err=%v", ok, err)
	}

	ok, err = storage.Update(ctx, sub, subscription.StatusActive)
	if err != nil || !ok {
		t.Fatalf("Expected update to apply, got ok=%v err=%v", ok, err)
	}
	got, _ := storage.GetByUserID(ctx, "user1")
	if !got.CancelAtPeriodEnd {
		t.Error("Expected CancelAtPeriodEnd to be stored")
	}
}

func TestStorage_UpdateKeepsReminderWithinPeriod(t *testing.T) {
	storage := New()
	ctx := context.Background()
	end := time.Now().Add(7 * 24 * time.Hour)
	storage.Put(activeSub("s1", "user1", end))

	// A webhook reads the row before the sweeper stamps the reminder
	stale, _ := storage.GetByUserID(ctx, "user1")
	sentAt := time.Now().UTC()
	if err := storage.MarkReminderSent(ctx, "s1", sentAt); err != nil {
		t.Fatalf("MarkReminderSent failed: %v", err)
	}

	stale.CancelAtPeriodEnd = true
	if ok, err := storage.Update(ctx, stale, subscription.StatusActive); err != nil || !ok {
		t.Fatalf("Expected update to apply, got ok=%v err=%v", ok, err)
	}
	got, _ := storage.GetByUserID(ctx, "user1")
	if got.LastReminderSent == nil || !got.LastReminderSent.Equal(sentAt) {
		t.Errorf("Expected reminder stamp %v to survive, got %v", sentAt, got.LastReminderSent)
	}
	if got.ReminderCount != 1 {
		t.Errorf("Expected reminder count 1, got %d", got.ReminderCount)
	}
	if !got.CancelAtPeriodEnd {
		t.Error("Expected CancelAtPeriodEnd to be stored")
	}

	// A new period takes the written reminder fields
	renewed := got.Clone()
	renewed.CurrentPeriodEnd = timePtr(end.AddDate(1, 0, 0))
	renewed.LastReminderSent = nil
	if ok, err := storage.Update(ctx, renewed, subscription.StatusActive); err != nil || !ok {
		t.Fatalf("Expected renewal to apply, got ok=%v err=%v", ok, err)
	}
	got, _ = storage.GetByUserID(ctx, "user1")
	if got.LastReminderSent != nil {
		t.Errorf("Expected reminder stamp to be cleared for the new period, got %v", got.LastReminderSent)
	}
}

func TestStorage_UpdateRejectsDuplicateExternalID(t *testing.T) {
	storage := New()
	ctx := context.Background()
	storage.Put(activeSub("s1", "user1", time.Now().Add(24*time.Hour)))
	storage.Put(activeSub("s2", "user2", time.Now().Add(24*time.Hour)))

	sub, _ := storage.GetByUserID(ctx, "user2")
	sub.ExternalSubscriptionID = "sub_s1"
	if _, err := storage.Update(ctx, sub, subscription.StatusActive); err == nil {
		t.Error("Expected error binding an external id twice")
	}
}

func TestStorage_TransitionStatusConcurrent(t *testing.T) {
	storage := New()
	ctx := context.Background()
	storage.Put(activeSub("s1", "user1", time.Now().Add(-time.Hour)))

	const workers = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := storage.TransitionStatus(ctx, "s1", subscription.StatusActive, subscription.StatusExpired)
			if err != nil {
				t.Errorf("TransitionStatus failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one winning transition, got %d", wins)
	}
}

func TestStorage_ListQueries(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	day := time.Date(2026, 3, 17, 0, 0, 0, 0, time.UTC)

	storage.Put(activeSub("due", "u1", day.Add(9*time.Hour)))
	storage.Put(activeSub("later", "u2", day.Add(30*time.Hour)))
	reminded := activeSub("reminded", "u3", day.Add(10*time.Hour))
	reminded.LastReminderSent = timePtr(now)
	storage.Put(reminded)
	storage.Put(activeSub("lapsed", "u4", now.Add(-time.Minute)))
	canceled := activeSub("canceled", "u5", now.Add(-time.Hour))
	canceled.Status = subscription.StatusCanceled
	storage.Put(canceled)

	renewals, _ := storage.ListRenewalCandidates(ctx, day, day.AddDate(0, 0, 1))
	if len(renewals) != 1 || renewals[0].ID != "due" {
		t.Errorf("Expected only 'due' as renewal candidate, got %v", ids(renewals))
	}

	lapsed, _ := storage.ListLapsed(ctx, now)
	if len(lapsed) != 1 || lapsed[0].ID != "lapsed" {
		t.Errorf("Expected only 'lapsed', got %v", ids(lapsed))
	}
}

func TestStorage_MarkReminderSent(t *testing.T) {
	storage := New()
	ctx := context.Background()
	storage.Put(activeSub("s1", "user1", time.Now().Add(7*24*time.Hour)))

	at := time.Now().UTC()
	if err := storage.MarkReminderSent(ctx, "s1", at); err != nil {
		t.Fatalf("MarkReminderSent failed: %v", err)
	}
	got, _ := storage.GetByUserID(ctx, "user1")
	if got.LastReminderSent == nil || !got.LastReminderSent.Equal(at) {
		t.Errorf("Expected LastReminderSent %v, got %v", at, got.LastReminderSent)
	}
	if got.ReminderCount != 1 {
		t.Errorf("Expected ReminderCount 1, got %d", got.ReminderCount)
	}

	if err := storage.MarkReminderSent(ctx, "missing", at); !errors.Is(err, subscription.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestStorage_Users(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if _, err := storage.GetUser(ctx, "user1"); !errors.Is(err, subscription.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
	storage.AddUser(&subscription.User{ID: "user1", Email: "parent@example.com"})
	u, err := storage.GetUser(ctx, "user1")
	if err != nil || u.Email != "parent@example.com" {
		t.Errorf("Expected stored user, got %v, %v", u, err)
	}
}

func TestStorage_TryLock(t *testing.T) {
	storage := New()
	ctx := context.Background()

	unlock, ok, err := storage.TryLock(ctx, "sweep", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Expected first lock to succeed, got ok=%v err=%v", ok, err)
	}
	if _, ok, _ := storage.TryLock(ctx, "sweep", time.Minute); ok {
		t.Error("Expected second lock to fail while held")
	}
	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if _, ok, _ := storage.TryLock(ctx, "sweep", time.Minute); !ok {
		t.Error("Expected lock to be available after unlock")
	}
}

func ids(subs []*subscription.Subscription) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.ID)
	}
	return out
}
