package orchestrate

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-audit/pkg/config"
	"github.com/Sriram-PR/site-audit/pkg/storage"
	"github.com/Sriram-PR/site-audit/pkg/storage/postgres"
)

// OpenStore opens the store backend selected by storage.driver.
// cfg must already be validated.
func OpenStore(ctx context.Context, cfg *config.AppConfig, log *logrus.Entry) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.Storage.PostgresDSN, log)
	case config.DriverBadger, "":
		return storage.NewBadgerStore(cfg.StateDir, log)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}
