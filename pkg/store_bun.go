package pkg

import (
	"context"
	"database/sql"
	"time"

	"triggerd/pkg/triggers"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

var _ Store = (*BunStore)(nil)

const pgUniqueViolation = "23505"

// BunStore persists triggers and intents in postgres.
type BunStore struct {
	wrapper *BunDbWrapper
}

func NewBunStore(ctx context.Context, wrapper *BunDbWrapper) (*BunStore, error) {
	if err := wrapper.ApplyMigrations(ctx, "triggers", triggers.Migrations); err != nil {
		return nil, err
	}
	return &BunStore{wrapper}, nil
}

func (s *BunStore) db() *bun.DB {
	return s.wrapper.DB()
}

// Close is a no-op: connections are shared, see CloseAllDBConnections.
func (s *BunStore) Close() error {
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == pgUniqueViolation
	}
	return false
}

type whereClause struct {
	query string
	args  []interface{}
}

func (f *TriggerFilter) whereClauses() []whereClause {
	var clauses []whereClause
	if f.EntityType != "" {
		clauses = append(clauses, whereClause{"entity_type = ?", []interface{}{f.EntityType}})
	}
	if f.EntityId != "" {
		clauses = append(clauses, whereClause{"entity_id = ?", []interface{}{f.EntityId}})
	}
	if f.WorkspaceId != "" {
		clauses = append(clauses, whereClause{"workspace_id = ?", []interface{}{f.WorkspaceId}})
	}
	if f.TriggerType != "" {
		clauses = append(clauses, whereClause{"trigger_type = ?", []interface{}{f.TriggerType}})
	}
	if f.Slot != nil {
		clauses = append(clauses, whereClause{"slot = ?", []interface{}{*f.Slot}})
	}
	if f.UserId != "" {
		clauses = append(clauses, whereClause{"? = ANY(user_ids)", []interface{}{f.UserId}})
	}
	return clauses
}

func (s *BunStore) Insert(ctx context.Context, trigger *triggers.ReminderTrigger) error {
	if err := checkRequiredTriggerFields(trigger); err != nil {
		return err
	}

	if _, err := s.db().NewInsert().Model(trigger).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return ErrTriggerExists
		}
		return errors.WithMessage(err, "failed to insert trigger")
	}
	return nil
}

func upsertTrigger(ctx context.Context, db bun.IDB, trigger *triggers.ReminderTrigger) error {
	trigger.LastNotifiedAt = nil
	trigger.Attempts = 0
	trigger.RetryAt = nil
	trigger.LastError = ""
	trigger.UpdatedAt = time.Now()

	_, err := db.NewInsert().
		Model(trigger).
		On("CONFLICT (entity_type, entity_id, trigger_type, slot) DO UPDATE").
		Set("workspace_id = EXCLUDED.workspace_id").
		Set("user_ids = EXCLUDED.user_ids").
		Set("trigger_time = EXCLUDED.trigger_time").
		Set("repeat_interval_minutes = EXCLUDED.repeat_interval_minutes").
		Set("last_notified_at = NULL").
		Set("attempts = 0").
		Set("retry_at = NULL").
		Set("last_error = NULL").
		Set("payload = EXCLUDED.payload").
		Set("expires_at = EXCLUDED.expires_at").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("id, created_at").
		Exec(ctx)
	if err != nil {
		return errors.WithMessage(err, "failed to upsert trigger")
	}
	return nil
}

func (s *BunStore) Upsert(ctx context.Context, trigger *triggers.ReminderTrigger) error {
	if err := checkRequiredTriggerFields(trigger); err != nil {
		return err
	}
	return upsertTrigger(ctx, s.db(), trigger)
}

func (s *BunStore) Replace(ctx context.Context, ref triggers.EntityRef, newTriggers []*triggers.ReminderTrigger) error {
	for _, t := range newTriggers {
		if err := checkRequiredTriggerFields(t); err != nil {
			return err
		}
		if t.Ref() != ref {
			return errors.Errorf("trigger for %s/%s cannot replace triggers of %s/%s", t.EntityType, t.EntityId, ref.EntityType, ref.EntityId)
		}
	}

	return s.db().RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewDelete().
			Model((*triggers.ReminderTrigger)(nil)).
			Where("entity_type = ?", ref.EntityType).
			Where("entity_id = ?", ref.EntityId).
			Exec(ctx)
		if err != nil {
			return errors.WithMessage(err, "failed to clear entity triggers")
		}

		for _, t := range newTriggers {
			if err := upsertTrigger(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BunStore) DeleteMany(ctx context.Context, filter *TriggerFilter) (int, error) {
	clauses := filter.whereClauses()
	if len(clauses) == 0 {
		return 0, errors.New("refusing to delete triggers with an empty filter")
	}

	q := s.db().NewDelete().Model((*triggers.ReminderTrigger)(nil))
	for _, w := range clauses {
		q = q.Where(w.query, w.args...)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return 0, errors.WithMessage(err, "failed to delete triggers")
	}

	count, err := res.RowsAffected()
	if err != nil {
		return 0, errors.WithMessage(err, "failed to count deleted triggers")
	}
	return int(count), nil
}

func (s *BunStore) Find(ctx context.Context, filter *TriggerFilter, now time.Time) ([]*triggers.ReminderTrigger, error) {
	var list []*triggers.ReminderTrigger

	q := s.db().NewSelect().
		Model(&list).
		Where("expires_at > ?", now).
		Order("trigger_time ASC", "id ASC")
	if filter != nil {
		for _, w := range filter.whereClauses() {
			q = q.Where(w.query, w.args...)
		}
	}

	if err := q.Scan(ctx); err != nil {
		return nil, errors.WithMessage(err, "failed to find triggers")
	}
	return list, nil
}

func dueQuery(q *bun.SelectQuery, now time.Time) *bun.SelectQuery {
	return q.
		Where("trigger_time <= ?", now).
		Where("expires_at > ?", now).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("last_notified_at IS NULL").WhereOr("last_notified_at < trigger_time")
		}).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("retry_at IS NULL").WhereOr("retry_at <= ?", now)
		}).
		Order("trigger_time ASC", "id ASC")
}

func (s *BunStore) FindDue(ctx context.Context, now time.Time, limit int) ([]*triggers.ReminderTrigger, error) {
	var list []*triggers.ReminderTrigger

	q := dueQuery(s.db().NewSelect().Model(&list), now)
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, errors.WithMessage(err, "failed to find due triggers")
	}
	return list, nil
}

func (s *BunStore) ClaimDue(ctx context.Context, now time.Time, handler DispatchHandler) (bool, error) {
	rowFound := false

	err := s.db().RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		trigger := new(triggers.ReminderTrigger)

		err := dueQuery(tx.NewSelect().Model(trigger), now).
			Limit(1).
			// Lock the row, other workers skip it
			For("UPDATE SKIP LOCKED").
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return errors.WithMessage(err, "failed to exec select statement")
		}

		rowFound = true

		outcome, err := handler(ctx, trigger.Clone())
		if err != nil {
			return err
		}

		if outcome.Action == DispatchActionRemove {
			if _, err := tx.NewDelete().Model(trigger).WherePK().Exec(ctx); err != nil {
				return errors.WithMessage(err, "failed to delete fired trigger")
			}
			return nil
		}

		outcome.Apply(trigger, now)
		_, err = tx.NewUpdate().
			Model(trigger).
			Column("trigger_time", "last_notified_at", "attempts", "retry_at", "last_error", "updated_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return errors.WithMessage(err, "failed to update fired trigger")
		}
		return nil
	})
	if err != nil {
		return rowFound, errors.WithMessage(err, "failed to process next trigger")
	}

	return rowFound, nil
}

func (s *BunStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db().NewDelete().
		Model((*triggers.ReminderTrigger)(nil)).
		Where("expires_at <= ?", now).
		Exec(ctx)
	if err != nil {
		return 0, errors.WithMessage(err, "failed to purge expired triggers")
	}

	count, err := res.RowsAffected()
	if err != nil {
		return 0, errors.WithMessage(err, "failed to count purged triggers")
	}
	return int(count), nil
}

// --- Intents

func (s *BunStore) InsertIntent(ctx context.Context, intent *triggers.ScheduleIntent) error {
	if _, err := s.db().NewInsert().Model(intent).Exec(ctx); err != nil {
		return errors.WithMessage(err, "failed to insert schedule intent")
	}
	return nil
}

func (s *BunStore) ClaimIntent(ctx context.Context, now time.Time, handler IntentHandler, onFailure func(intent *triggers.ScheduleIntent, err error)) (bool, error) {
	rowFound := false

	err := s.db().RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		intent := new(triggers.ScheduleIntent)

		err := tx.NewSelect().
			Model(intent).
			Where("status = ?", triggers.IntentStatusPending).
			Where("next_attempt_at <= ?", now).
			Order("id ASC").
			Limit(1).
			For("UPDATE SKIP LOCKED").
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return errors.WithMessage(err, "failed to exec select statement")
		}

		rowFound = true

		if handlerErr := handler(ctx, intent); handlerErr != nil {
			onFailure(intent, handlerErr)
			_, err := tx.NewUpdate().
				Model(intent).
				Column("status", "attempts", "next_attempt_at", "last_error").
				WherePK().
				Exec(ctx)
			if err != nil {
				return errors.WithMessage(err, "failed to update schedule intent")
			}
			return nil
		}

		if _, err := tx.NewDelete().Model(intent).WherePK().Exec(ctx); err != nil {
			return errors.WithMessage(err, "failed to delete applied schedule intent")
		}
		return nil
	})
	if err != nil {
		return rowFound, errors.WithMessage(err, "failed to process next schedule intent")
	}

	return rowFound, nil
}

func (s *BunStore) FindIntents(ctx context.Context, status triggers.IntentStatus) ([]*triggers.ScheduleIntent, error) {
	var list []*triggers.ScheduleIntent

	q := s.db().NewSelect().Model(&list).Order("id ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, errors.WithMessage(err, "failed to find schedule intents")
	}
	return list, nil
}
