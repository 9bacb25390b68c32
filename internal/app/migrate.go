package app

import (
	"fmt"

	"matchsync/internal/config"
	"matchsync/internal/storage"
	logx "matchsync/pkg/logx"
)

// Migrate opens the configured store, which applies the embedded schema,
// and closes it again.
func Migrate(cfgPath string, log logx.Logger) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, log.With(logx.Component("storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage schema up to date", logx.String("driver", driverName(sc.Driver)))
	return st.Close()
}
