package app

import (
	"database/sql"

	"curricord/internal/config"
	"curricord/internal/db"
	"curricord/internal/engine"
	"curricord/internal/migrate"
)

// Runtime is the shared workspace state behind every CLI command: an open,
// migrated database and the resolved configuration.
type Runtime struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open prepares the workspace: directory, database, migrations, and config.
// A missing curricord.yml falls back to the built-in defaults; cord config
// init writes one out explicitly.
func Open(workspace, serviceID string) (*Runtime, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(serviceID)
	}
	return &Runtime{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
	}, nil
}

func (rt *Runtime) Close() error {
	return rt.DB.Close()
}
