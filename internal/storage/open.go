package storage

import (
	"fmt"
	"strings"

	logx "planbot/pkg/logx"
)

// Open initializes the configured driver. An empty driver means sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log.With(logx.String("store", "sqlite")))
	case "file":
		return openFile(cfg, log.With(logx.String("store", "file")))
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
