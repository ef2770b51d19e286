// Package dbtest opens the postgres database used by integration tests.
package dbtest

import (
	"os"
	"sync"
	"testing"
	"time"

	"bloom_wallet/internal/config"
	"bloom_wallet/internal/database"
	"bloom_wallet/internal/logger"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const EnvURL = "TEST_DATABASE_URL"

var (
	once    sync.Once
	shared  *gorm.DB
	openErr error
)

// Open returns a migrated connection to TEST_DATABASE_URL and skips the test
// when the variable is unset. The connection is shared by every test in the
// package; tests isolate themselves with fresh user ids.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	url := os.Getenv(EnvURL)
	if url == "" {
		t.Skipf("%s not set, skipping integration test", EnvURL)
	}

	once.Do(func() {
		shared, openErr = database.Open(config.Database{
			URL:             url,
			MaxOpenConns:    30,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Minute,
		})
		if openErr != nil {
			return
		}
		shared.Logger = gormlogger.Default.LogMode(gormlogger.Silent)
		openErr = database.Migrate(shared, logger.Discard())
	})
	if openErr != nil {
		t.Fatalf("failed to prepare test database: %v", openErr)
	}
	return shared
}
