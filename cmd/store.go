package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/n8layman/ecoextract/internal/schema"
	"github.com/n8layman/ecoextract/internal/store"
)

func loadSchema() (*schema.Schema, error) {
	sch, err := schema.Load(cfg.Schema.Path)
	if err != nil {
		return nil, eris.Wrapf(err, "load schema %s", cfg.Schema.Path)
	}
	return sch, nil
}

func initStore(ctx context.Context, sch *schema.Schema) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.Path, sch)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, sch)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore loads the schema, opens the configured backend, and migrates.
func openStore(ctx context.Context) (store.Store, *schema.Schema, error) {
	sch, err := loadSchema()
	if err != nil {
		return nil, nil, err
	}
	st, err := initStore(ctx, sch)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, nil, eris.Wrap(err, "migrate store")
	}
	return st, sch, nil
}
