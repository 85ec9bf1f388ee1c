package app_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/app"
	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

// MockRepository stubs Close; every other method panics if called.
type MockRepository struct {
	watch.Repository
	mock.Mock
}

// Close satisfies watch.Repository for the mock.
func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Driver = "memory"
	cfg.Cache.Dir = ""
	return cfg
}

func TestNew_MemoryDriver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, err := app.New(ctx, testConfig(t), zap.NewNop(), app.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer a.Close(ctx)

	assert.NotNil(t, a.Repo)
	assert.NotNil(t, a.Settings)
	assert.NotNil(t, a.Cache)
	assert.NotNil(t, a.Governor)
	assert.NotNil(t, a.Fetcher)
	assert.NotNil(t, a.Checker)
	assert.NotNil(t, a.Hub)
	assert.NotNil(t, a.Events)
	assert.NotNil(t, a.Exporter)

	_, err = a.SchemaVersion()
	require.Error(t, err)

	settings, err := a.Settings.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, watch.DefaultSettings(), settings)
}

func TestNew_SQLiteDriver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	cfg := testConfig(t)
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLitePath = filepath.Join(dir, "db", "pagewatch.db")
	cfg.Cache.Dir = filepath.Join(dir, "cache")

	a, err := app.New(ctx, cfg, zap.NewNop(), app.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer a.Close(ctx)

	version, err := a.SchemaVersion()
	require.NoError(t, err)
	assert.Positive(t, version)

	src, err := a.Repo.CreateSource(ctx, watch.Source{URL: "https://example.com/u/1", Name: "one"})
	require.NoError(t, err)
	assert.NotZero(t, src.ID)

	info, err := os.Stat(cfg.Cache.Dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNew_ConfigErrors(t *testing.T) {
	t.Parallel()

	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	testCases := []struct {
		name          string
		configSetup   func(*config.Config)
		expectedError string
	}{
		{
			name:          "unknown storage driver",
			configSetup:   func(c *config.Config) { c.Storage.Driver = "unknown" },
			expectedError: "unknown storage driver: unknown",
		},
		{
			name: "postgres with malformed dsn",
			configSetup: func(c *config.Config) {
				c.Storage.Driver = "postgres"
				c.Storage.PostgresDSN = "postgres://user@localhost:bad/db"
			},
			expectedError: "init postgres storage",
		},
		{
			name:          "cache dir is a file",
			configSetup:   func(c *config.Config) { c.Cache.Dir = blocker },
			expectedError: "init cache dir",
		},
		{
			name:          "invalid proxy",
			configSetup:   func(c *config.Config) { c.Fetcher.Proxies = []string{"http://bad host:1"} },
			expectedError: "init fetcher",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			tc.configSetup(&cfg)

			_, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithRegisterer(prometheus.NewRegistry()))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.expectedError)
		})
	}
}

func TestApp_Close(t *testing.T) {
	t.Parallel()

	repo := new(MockRepository)
	repo.On("Close").Return(errors.New("db error")).Once()

	a := &app.App{Logger: zap.NewNop(), Repo: repo}
	a.Close(context.Background())

	repo.AssertExpectations(t)
}
