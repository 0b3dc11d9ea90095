// Package memory provides an in-memory implementation of subscription.Store.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/subscription"
)

// Storage implements subscription.Store, subscription.UserDirectory and
// subscription.Locker using in-memory maps.
type Storage struct {
	mu     sync.RWMutex
	subs   map[string]*subscription.Subscription // by id
	byUser map[string]string                     // user id -> subscription id
	users  map[string]*subscription.User
	locks  map[string]time.Time // key -> expiry

	now func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subs:   make(map[string]*subscription.Subscription),
		byUser: make(map[string]string),
		users:  make(map[string]*subscription.User),
		locks:  make(map[string]time.Time),
		now:    time.Now,
	}
}

// GetByUserID implements subscription.Store
func (s *Storage) GetByUserID(_ context.Context, userID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUser[userID]
	if !ok {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return s.subs[id].Clone(), nil
}

// GetByExternalSubscriptionID implements subscription.Store
func (s *Storage) GetByExternalSubscriptionID(
	_ context.Context,
	externalSubscriptionID string,
) (*subscription.Subscription, error) {
	if externalSubscriptionID == "" {
		return nil, subscription.ErrSubscriptionNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		if sub.ExternalSubscriptionID == externalSubscriptionID {
			return sub.Clone(), nil
		}
	}
	return nil, subscription.ErrSubscriptionNotFound
}

// SavePending implements subscription.Store
func (s *Storage) SavePending(_ context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byUser[sub.UserID]; ok {
		if s.subs[id].BilledByProvider() {
			return subscription.ErrAlreadyActive
		}
		delete(s.subs, id)
	}
	s.subs[sub.ID] = sub.Clone()
	s.byUser[sub.UserID] = sub.ID
	return nil
}

// Update implements subscription.Store. Reminder fields are kept unless the period end changes.
func (s *Storage) Update(_ context.Context, sub *subscription.Subscription, expected subscription.Status) (bool, error) {
	if sub == nil || sub.ID == "" {
		return false, fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.subs[sub.ID]
	if !ok || current.Status != expected {
		return false, nil
	}
	if sub.ExternalSubscriptionID != "" {
		for id, other := range s.subs {
			if id != sub.ID && other.ExternalSubscriptionID == sub.ExternalSubscriptionID {
				return false, fmt.Errorf("external subscription %s already bound", sub.ExternalSubscriptionID)
			}
		}
	}

	next := sub.Clone()
	next.UserID = current.UserID
	next.CreatedAt = current.CreatedAt
	if samePeriodEnd(current.CurrentPeriodEnd, next.CurrentPeriodEnd) {
		// reminder fields belong to MarkReminderSent within a period
		next.LastReminderSent = cloneTime(current.LastReminderSent)
		next.ReminderCount = current.ReminderCount
	}
	s.subs[sub.ID] = next
	return true, nil
}

// TransitionStatus implements subscription.Store
func (s *Storage) TransitionStatus(_ context.Context, id string, from, to subscription.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.subs[id]
	if !ok || current.Status != from {
		return false, nil
	}
	current.Status = to
	current.UpdatedAt = s.now()
	return true, nil
}

// ListRenewalCandidates implements subscription.Store
func (s *Storage) ListRenewalCandidates(_ context.Context, from, to time.Time) ([]*subscription.Subscription, error) {
	return s.list(func(sub *subscription.Subscription) bool {
		return sub.Status == subscription.StatusActive &&
			sub.LastReminderSent == nil &&
			sub.CurrentPeriodEnd != nil &&
			!sub.CurrentPeriodEnd.Before(from) &&
			sub.CurrentPeriodEnd.Before(to)
	}), nil
}

// ListLapsed implements subscription.Store
func (s *Storage) ListLapsed(_ context.Context, before time.Time) ([]*subscription.Subscription, error) {
	return s.list(func(sub *subscription.Subscription) bool {
		return sub.Status == subscription.StatusActive &&
			sub.CurrentPeriodEnd != nil &&
			sub.CurrentPeriodEnd.Before(before)
	}), nil
}

// MarkReminderSent implements subscription.Store
func (s *Storage) MarkReminderSent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return subscription.ErrSubscriptionNotFound
	}
	sent := at
	sub.LastReminderSent = &sent
	sub.ReminderCount++
	sub.UpdatedAt = s.now()
	return nil
}

// Put stores sub as-is, replacing any record of the same user. It is meant for seeding.
func (s *Storage) Put(sub *subscription.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byUser[sub.UserID]; ok {
		delete(s.subs, id)
	}
	s.subs[sub.ID] = sub.Clone()
	s.byUser[sub.UserID] = sub.ID
}

// Count returns the number of stored subscriptions.
func (s *Storage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// AddUser registers a user for GetUser.
func (s *Storage) AddUser(user *subscription.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := *user
	s.users[user.ID] = &u
}

// GetUser implements subscription.UserDirectory
func (s *Storage) GetUser(_ context.Context, userID string) (*subscription.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, subscription.ErrUserNotFound
	}
	userCopy := *u
	return &userCopy, nil
}

// TryLock implements subscription.Locker within a single process.
func (s *Storage) TryLock(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiry, held := s.locks[key]; held && now.Before(expiry) {
		return nil, false, nil
	}
	expiry := now.Add(ttl)
	s.locks[key] = expiry

	unlock := func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.locks[key].Equal(expiry) {
			delete(s.locks, key)
		}
		return nil
	}
	return unlock, true, nil
}

func (s *Storage) list(match func(*subscription.Subscription) bool) []*subscription.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subscription.Subscription
	for _, sub := range s.subs {
		if match(sub) {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CurrentPeriodEnd.Before(*out[j].CurrentPeriodEnd)
	})
	return out
}

func samePeriodEnd(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
