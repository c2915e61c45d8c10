package triggers

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		if _, err := db.NewCreateTable().Model((*ReminderTrigger)(nil)).IfNotExists().Exec(ctx); err != nil {
			return err
		}

		indexes := []string{
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_sweep ON %s (trigger_time, trigger_type)", tableNameReminderTriggers, tableNameReminderTriggers),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_entity ON %s (entity_type, entity_id)", tableNameReminderTriggers, tableNameReminderTriggers),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_expires_at ON %s (expires_at)", tableNameReminderTriggers, tableNameReminderTriggers),
			fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s_key ON %s (entity_type, entity_id, trigger_type, slot)", tableNameReminderTriggers, tableNameReminderTriggers),
		}
		for _, query := range indexes {
			if _, err := db.ExecContext(ctx, query); err != nil {
				return err
			}
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewDropTable().Model((*ReminderTrigger)(nil)).IfExists().Exec(ctx)
		return err
	})
}
