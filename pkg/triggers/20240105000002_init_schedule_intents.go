package triggers

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		if _, err := db.NewCreateTable().Model((*ScheduleIntent)(nil)).IfNotExists().Exec(ctx); err != nil {
			return err
		}

		if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_pending ON %s (status, next_attempt_at)", tableNameScheduleIntents, tableNameScheduleIntents)); err != nil {
			return err
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewDropTable().Model((*ScheduleIntent)(nil)).IfExists().Exec(ctx)
		return err
	})
}
