package pkg

import (
	"context"
	"sort"
	"sync"
	"time"

	"triggerd/pkg/triggers"

	"github.com/pkg/errors"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps triggers and intents in process memory. It mirrors the
// semantics of the postgres store, including row claiming, and is used for
// tests, dry runs and single-node setups without a database.
type MemoryStore struct {
	lock sync.Mutex

	closed bool

	nextTriggerId int64
	triggers      map[int64]*triggers.ReminderTrigger
	claimed       map[int64]bool

	nextIntentId  int64
	intents       map[int64]*triggers.ScheduleIntent
	claimedIntent map[int64]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		triggers:      make(map[int64]*triggers.ReminderTrigger),
		claimed:       make(map[int64]bool),
		intents:       make(map[int64]*triggers.ScheduleIntent),
		claimedIntent: make(map[int64]bool),
	}
}

func (s *MemoryStore) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) checkOpen() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) findByKey(key string) *triggers.ReminderTrigger {
	for _, t := range s.triggers {
		if triggerKey(t) == key {
			return t
		}
	}
	return nil
}

func (s *MemoryStore) insertLocked(trigger *triggers.ReminderTrigger) {
	s.nextTriggerId++
	trigger.Id = s.nextTriggerId
	s.triggers[trigger.Id] = trigger.Clone()
}

func (s *MemoryStore) upsertLocked(trigger *triggers.ReminderTrigger, now time.Time) {
	existing := s.findByKey(triggerKey(trigger))
	if existing == nil {
		trigger.CreatedAt = now
		trigger.UpdatedAt = now
		s.insertLocked(trigger)
		return
	}

	trigger.Id = existing.Id
	trigger.CreatedAt = existing.CreatedAt
	trigger.UpdatedAt = now
	trigger.LastNotifiedAt = nil
	trigger.Attempts = 0
	trigger.RetryAt = nil
	trigger.LastError = ""
	s.triggers[existing.Id] = trigger.Clone()
}

func (s *MemoryStore) Insert(_ context.Context, trigger *triggers.ReminderTrigger) error {
	if err := checkRequiredTriggerFields(trigger); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if s.findByKey(triggerKey(trigger)) != nil {
		return ErrTriggerExists
	}

	now := time.Now()
	trigger.CreatedAt = now
	trigger.UpdatedAt = now
	s.insertLocked(trigger)
	return nil
}

func (s *MemoryStore) Upsert(_ context.Context, trigger *triggers.ReminderTrigger) error {
	if err := checkRequiredTriggerFields(trigger); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.upsertLocked(trigger, time.Now())
	return nil
}

func (s *MemoryStore) Replace(_ context.Context, ref triggers.EntityRef, newTriggers []*triggers.ReminderTrigger) error {
	for _, t := range newTriggers {
		if err := checkRequiredTriggerFields(t); err != nil {
			return err
		}
		if t.Ref() != ref {
			return errors.Errorf("trigger for %s/%s cannot replace triggers of %s/%s", t.EntityType, t.EntityId, ref.EntityType, ref.EntityId)
		}
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	filter := filterForRef(ref)
	for id, t := range s.triggers {
		if filter.Matches(t) {
			delete(s.triggers, id)
		}
	}

	now := time.Now()
	for _, t := range newTriggers {
		s.upsertLocked(t, now)
	}
	return nil
}

func (s *MemoryStore) DeleteMany(_ context.Context, filter *TriggerFilter) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	count := 0
	for id, t := range s.triggers {
		if filter.Matches(t) {
			delete(s.triggers, id)
			count++
		}
	}
	return count, nil
}

func sortTriggers(list []*triggers.ReminderTrigger) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].TriggerTime.Equal(list[j].TriggerTime) {
			return list[i].Id < list[j].Id
		}
		return list[i].TriggerTime.Before(list[j].TriggerTime)
	})
}

func (s *MemoryStore) Find(_ context.Context, filter *TriggerFilter, now time.Time) ([]*triggers.ReminderTrigger, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var out []*triggers.ReminderTrigger
	for _, t := range s.triggers {
		if !t.ExpiresAt.After(now) {
			continue
		}
		if filter != nil && !filter.Matches(t) {
			continue
		}
		out = append(out, t.Clone())
	}
	sortTriggers(out)
	return out, nil
}

func (s *MemoryStore) FindDue(_ context.Context, now time.Time, limit int) ([]*triggers.ReminderTrigger, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var out []*triggers.ReminderTrigger
	for _, t := range s.triggers {
		if t.IsDue(now) {
			out = append(out, t.Clone())
		}
	}
	sortTriggers(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) claimNextDue(now time.Time) (*triggers.ReminderTrigger, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var next *triggers.ReminderTrigger
	for id, t := range s.triggers {
		if s.claimed[id] || !t.IsDue(now) {
			continue
		}
		if next == nil || t.TriggerTime.Before(next.TriggerTime) || (t.TriggerTime.Equal(next.TriggerTime) && t.Id < next.Id) {
			next = t
		}
	}
	if next == nil {
		return nil, nil
	}

	s.claimed[next.Id] = true
	return next.Clone(), nil
}

func (s *MemoryStore) ClaimDue(ctx context.Context, now time.Time, handler DispatchHandler) (bool, error) {
	claimed, err := s.claimNextDue(now)
	if err != nil {
		return false, err
	}
	if claimed == nil {
		return false, nil
	}

	outcome, handlerErr := handler(ctx, claimed.Clone())

	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.claimed, claimed.Id)

	if handlerErr != nil {
		return true, handlerErr
	}

	current, found := s.triggers[claimed.Id]
	// Rescheduled by someone else while being dispatched: the newer write wins
	if !found || !current.TriggerTime.Equal(claimed.TriggerTime) {
		return true, nil
	}

	if outcome.Action == DispatchActionRemove {
		delete(s.triggers, claimed.Id)
		return true, nil
	}

	outcome.Apply(current, now)
	return true, nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	count := 0
	for id, t := range s.triggers {
		if !t.ExpiresAt.After(now) && !s.claimed[id] {
			delete(s.triggers, id)
			count++
		}
	}
	return count, nil
}

// --- Intents

func (s *MemoryStore) InsertIntent(_ context.Context, intent *triggers.ScheduleIntent) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.nextIntentId++
	intent.Id = s.nextIntentId
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now()
	}
	clone := *intent
	s.intents[intent.Id] = &clone
	return nil
}

func (s *MemoryStore) claimNextIntent(now time.Time) (*triggers.ScheduleIntent, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var next *triggers.ScheduleIntent
	for id, intent := range s.intents {
		if s.claimedIntent[id] || intent.Status != triggers.IntentStatusPending || intent.NextAttemptAt.After(now) {
			continue
		}
		if next == nil || intent.Id < next.Id {
			next = intent
		}
	}
	if next == nil {
		return nil, nil
	}

	s.claimedIntent[next.Id] = true
	clone := *next
	return &clone, nil
}

func (s *MemoryStore) ClaimIntent(ctx context.Context, now time.Time, handler IntentHandler, onFailure func(intent *triggers.ScheduleIntent, err error)) (bool, error) {
	intent, err := s.claimNextIntent(now)
	if err != nil {
		return false, err
	}
	if intent == nil {
		return false, nil
	}

	handlerErr := handler(ctx, intent)

	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.claimedIntent, intent.Id)

	if handlerErr == nil {
		delete(s.intents, intent.Id)
		return true, nil
	}

	onFailure(intent, handlerErr)
	s.intents[intent.Id] = intent
	return true, nil
}

func (s *MemoryStore) FindIntents(_ context.Context, status triggers.IntentStatus) ([]*triggers.ScheduleIntent, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var out []*triggers.ScheduleIntent
	for _, intent := range s.intents {
		if status != "" && intent.Status != status {
			continue
		}
		clone := *intent
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}
