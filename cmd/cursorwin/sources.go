package main

import (
	"context"
	"fmt"

	"pkt.systems/cursorwin/core"
	"pkt.systems/cursorwin/internal/appconfig"
	"pkt.systems/cursorwin/internal/memcursor"
	"pkt.systems/cursorwin/internal/sqlcursor"
	"pkt.systems/cursorwin/schema"
	"pkt.systems/pslog"
)

// seedKey is the key column of tables created by the demo seeder.
const seedKey = "id"

// openRegistry registers every configured table as a source. The returned
// close function releases the backing store.
func openRegistry(ctx context.Context, cfg appconfig.SourceConfig) (*core.Registry, func() error, error) {
	switch cfg.Driver {
	case appconfig.DriverMemory:
		registry, err := memoryRegistry(cfg)
		if err != nil {
			return nil, nil, err
		}
		return registry, func() error { return nil }, nil
	case appconfig.DriverSQLite:
		return sqliteRegistry(ctx, cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported source driver %q", cfg.Driver)
	}
}

func memoryRegistry(cfg appconfig.SourceConfig) (*core.Registry, error) {
	registry := core.NewRegistry()
	for _, tc := range cfg.Tables {
		rows := make([]schema.Row, 0, cfg.SeedRows)
		for i := 1; i <= cfg.SeedRows; i++ {
			rows = append(rows, demoRow(tc.Key, i))
		}
		table, err := memcursor.NewTable(tc.Key, rows...)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", tc.Name, err)
		}
		source := core.CursorSourceFunc(func(ctx context.Context) (core.SessionCursor, error) {
			cursor, err := table.OpenCursor(ctx)
			if err != nil {
				return nil, err
			}
			return cursor, nil
		})
		if err := registry.Register(tc.Name, source); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func demoRow(key string, i int) schema.Row {
	return schema.Row{
		key:    int64(i),
		"name": fmt.Sprintf("row %d", i),
		"qty":  int64(i % 17),
	}
}

func sqliteRegistry(ctx context.Context, cfg appconfig.SourceConfig) (*core.Registry, func() error, error) {
	store, err := sqlcursor.Open(ctx, cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	registry := core.NewRegistry()
	for _, tc := range cfg.Tables {
		if cfg.SeedRows > 0 && tc.Key == seedKey {
			if _, err := store.Seed(ctx, tc.Name, cfg.SeedRows); err != nil {
				_ = store.Close()
				return nil, nil, err
			}
		}
		source, err := store.Source(ctx, tc.Name, tc.Key)
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		if err := registry.Register(tc.Name, source); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
	}
	pslog.Ctx(ctx).Info("sources ready", "driver", cfg.Driver, "path", cfg.Path, "sources", len(registry.Names()))
	return registry, store.Close, nil
}
