package challenge

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"procastinot-backend/core/challenge"
	"procastinot-backend/core/notification"
)

type reminderKey struct {
	challengeID string
	kind        notification.Kind
}

// MemoryStore keeps everything in maps behind one RWMutex so related rows change together.
type MemoryStore struct {
	mu            sync.RWMutex
	challenges    map[string]challenge.Challenge
	notifications []notification.Record
	reminders     map[reminderKey]notification.Reminder
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		challenges: make(map[string]challenge.Challenge),
		reminders:  make(map[reminderKey]notification.Reminder),
	}
}

func (s *MemoryStore) Create(_ context.Context, c challenge.Challenge, reminders ...notification.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.challenges[c.ID]; exists {
		return challenge.Persistence("create challenge", challenge.Err("duplicate id "+c.ID))
	}
	if c.ExternalChallengeID != nil {
		for _, other := range s.challenges {
			if other.ExternalChallengeID != nil && *other.ExternalChallengeID == *c.ExternalChallengeID {
				return challenge.Persistence("create challenge", challenge.Err("duplicate external id"))
			}
		}
	}
	s.challenges[c.ID] = c
	for _, r := range reminders {
		s.reminders[reminderKey{r.ChallengeID, r.Kind}] = r
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (challenge.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.challenges[id]
	if !ok {
		return challenge.Challenge{}, challenge.ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) GetByExternalID(_ context.Context, externalID int64) (challenge.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.challenges {
		if c.ExternalChallengeID != nil && *c.ExternalChallengeID == externalID {
			return c, nil
		}
	}
	return challenge.Challenge{}, challenge.ErrNotFound
}

// newestFirst orders by created_at descending, then id for stability.
func newestFirst(out []challenge.Challenge) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

func byDeadline(out []challenge.Challenge) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeadlineAt.Equal(out[j].DeadlineAt) {
			return out[i].DeadlineAt.Before(out[j].DeadlineAt)
		}
		return out[i].ID < out[j].ID
	})
}

func (s *MemoryStore) List(_ context.Context, filter challenge.Filter) ([]challenge.Challenge, error) {
	s.mu.RLock()
	out := make([]challenge.Challenge, 0)
	for _, c := range s.challenges {
		if matchesFilter(c, filter) {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()

	newestFirst(out)
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) LookupEmailByWallet(ctx context.Context, wallet string) (string, error) {
	list, _ := s.List(ctx, challenge.Filter{CreatorWallet: wallet, Limit: 1})
	if len(list) == 0 {
		return "", challenge.ErrNotFound
	}
	return list[0].Creator.Email, nil
}

func (s *MemoryStore) UpdateIf(_ context.Context, c challenge.Challenge, expected challenge.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.challenges[c.ID]
	if !ok {
		return challenge.ErrNotFound
	}
	if current.Status != expected {
		return ErrStaleStatus
	}
	if c.ExternalChallengeID != nil {
		for id, other := range s.challenges {
			if id != c.ID && other.ExternalChallengeID != nil && *other.ExternalChallengeID == *c.ExternalChallengeID {
				return challenge.Persistence("update challenge", challenge.Err("duplicate external id"))
			}
		}
	}
	s.challenges[c.ID] = c
	return nil
}

func (s *MemoryStore) reminderSent(id string, kind notification.Kind) bool {
	r, ok := s.reminders[reminderKey{id, kind}]
	return ok && r.Status == notification.ReminderSent
}

func (s *MemoryStore) DueForReminder(_ context.Context, now time.Time, window time.Duration) ([]challenge.Challenge, error) {
	now = challenge.Truncate(now)
	until := now.Add(window)
	s.mu.RLock()
	var out []challenge.Challenge
	for _, c := range s.challenges {
		if c.Status != challenge.StatusActive || c.HasProof() {
			continue
		}
		if c.DeadlineAt.Before(now) || c.DeadlineAt.After(until) {
			continue
		}
		if s.reminderSent(c.ID, notification.KindProofReminder) {
			continue
		}
		out = append(out, c)
	}
	s.mu.RUnlock()
	byDeadline(out)
	return out, nil
}

func (s *MemoryStore) Expired(_ context.Context, now time.Time) ([]challenge.Challenge, error) {
	s.mu.RLock()
	var out []challenge.Challenge
	for _, c := range s.challenges {
		if c.Status == challenge.StatusActive && !c.HasProof() && c.Expired(now) {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()
	byDeadline(out)
	return out, nil
}

func (s *MemoryStore) OverdueReviews(_ context.Context, now time.Time) ([]challenge.Challenge, error) {
	s.mu.RLock()
	var out []challenge.Challenge
	for _, c := range s.challenges {
		if c.Status != challenge.StatusProofSubmitted || c.HasDecision() || !c.Expired(now) {
			continue
		}
		if s.reminderSent(c.ID, notification.KindOverdueReviewAlert) {
			continue
		}
		out = append(out, c)
	}
	s.mu.RUnlock()
	byDeadline(out)
	return out, nil
}

func (s *MemoryStore) AppendNotification(_ context.Context, rec notification.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, rec)
	return nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, challengeID string) ([]notification.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]notification.Record, 0)
	for _, rec := range s.notifications {
		if strings.EqualFold(rec.ChallengeID, challengeID) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertReminder(_ context.Context, r notification.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[r.ChallengeID]; !ok {
		return challenge.ErrNotFound
	}
	key := reminderKey{r.ChallengeID, r.Kind}
	if existing, ok := s.reminders[key]; ok && existing.Status == notification.ReminderSent {
		return nil
	}
	s.reminders[key] = r
	return nil
}

func (s *MemoryStore) GetReminder(_ context.Context, challengeID string, kind notification.Kind) (notification.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reminders[reminderKey{challengeID, kind}]
	if !ok {
		return notification.Reminder{}, ErrReminderNotFound
	}
	return r, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() {}
