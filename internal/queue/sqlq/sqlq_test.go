package sqlq_test

import (
	"context"
	"os"
	"testing"
	"time"

	"conveyor/internal/queue"
	"conveyor/internal/queue/queuetest"
	"conveyor/internal/queue/sqlq"
	"conveyor/internal/sqldb"
	"conveyor/internal/testsupport"
)

func TestSQLiteQueue(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, now func() time.Time) queue.Queue {
		cfg := testsupport.NewConfig(t)
		return sqlq.New(testsupport.MustOpenDB(t, cfg), sqlq.WithClock(now))
	})
}

func TestPostgresQueue(t *testing.T) {
	dsn := os.Getenv("CONVEYOR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONVEYOR_TEST_POSTGRES_DSN not set")
	}
	queuetest.Run(t, func(t *testing.T, now func() time.Time) queue.Queue {
		ctx := context.Background()
		db, err := sqldb.OpenPostgres(ctx, dsn, 4)
		if err != nil {
			t.Fatalf("OpenPostgres: %v", err)
		}
		for _, table := range []string{"dead_letters", "queue_archive", "queue_messages", "queues"} {
			if _, err := db.Exec(ctx, "DELETE FROM "+table); err != nil {
				t.Fatalf("truncate %s: %v", table, err)
			}
		}
		t.Cleanup(func() {
			db.Close()
		})
		return sqlq.New(db, sqlq.WithClock(now))
	})
}
