package cmd

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&discard{})
	cmd.SetErr(&discard{})
	return cmd.ExecuteContext(context.Background())
}

func TestServeBuildsAndRunsApp(t *testing.T) {
	path := writeConfig(t, "secret:\n  key: k\nserver:\n  port: 9191\nlogging:\n  level: warn\n")
	fakeApp := &recordingApp{}
	var gotCfg config.Config
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (App, error) {
		gotCfg = cfg
		return fakeApp, nil
	}
	t.Cleanup(func() { newApp = orig })

	require.NoError(t, execute(t, "serve", "--config", path))
	assert.True(t, fakeApp.ran)
	assert.Equal(t, 9191, gotCfg.Server.Port)
}

func TestServeReportsBuildFailure(t *testing.T) {
	path := writeConfig(t, "secret:\n  key: k\n")
	orig := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		return nil, errors.New("no database")
	}
	t.Cleanup(func() { newApp = orig })

	err := execute(t, "serve", "--config", path)
	require.ErrorContains(t, err, "failed to initialize application services")
}

func TestInvalidConfigStopsBeforeRun(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: cassandra\nsecret:\n  key: k\n")
	called := false
	orig := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		called = true
		return &recordingApp{}, nil
	}
	t.Cleanup(func() { newApp = orig })

	err := execute(t, "serve", "--config", path)
	require.ErrorContains(t, err, "storage.backend")
	assert.False(t, called)
}

func TestMigrateRequiresDSN(t *testing.T) {
	path := writeConfig(t, "secret:\n  key: k\n")
	err := execute(t, "migrate", "--config", path)
	require.ErrorContains(t, err, "db.dsn or --dsn is required")
}

func TestMigrateRejectsUnknownCommand(t *testing.T) {
	path := writeConfig(t, "secret:\n  key: k\n")
	orig := openDB
	openDB = func(string) (*sql.DB, error) {
		t.Fatal("database opened for an unknown command")
		return nil, nil
	}
	t.Cleanup(func() { openDB = orig })

	err := execute(t, "migrate", "sideways", "--config", path, "--dsn", "postgres://localhost/x")
	require.ErrorContains(t, err, `unknown migrate command "sideways"`)
}

func TestMigrateSurfacesOpenError(t *testing.T) {
	path := writeConfig(t, "secret:\n  key: k\n")
	var gotDSN string
	orig := openDB
	openDB = func(dsn string) (*sql.DB, error) {
		gotDSN = dsn
		return nil, errors.New("refused")
	}
	t.Cleanup(func() { openDB = orig })

	err := execute(t, "migrate", "status", "--config", path, "--dsn", "postgres://db/scraper")
	require.ErrorContains(t, err, "refused")
	assert.Equal(t, "postgres://db/scraper", gotDSN)
}

type recordingApp struct {
	ran bool
}

func (a *recordingApp) Run(context.Context) error {
	a.ran = true
	return nil
}

type discard struct{}

func (*discard) Write(p []byte) (int, error) { return len(p), nil }
