package build_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipctl/internal/core/domain"
	"github.com/artpar/shipctl/internal/shell/build"
	"github.com/artpar/shipctl/internal/shell/console"
	"github.com/artpar/shipctl/internal/shell/remotetest"
)

type mapSecrets map[string]string

func (m mapSecrets) Get(account string) (string, error) {
	if v, ok := m[account]; ok {
		return v, nil
	}
	return "", errors.New("not found")
}

func testConfig(t *testing.T) domain.RunConfig {
	t.Helper()
	return domain.RunConfig{
		Version:  "20250101-1200",
		Mode:     domain.ModeArchive,
		CacheDir: t.TempDir(),
		Components: []domain.Component{
			{Name: "api", Image: "detector-api", Context: "./api"},
			{Name: "proxy", Image: "detector-proxy", Context: "./proxy", Dockerfile: "Dockerfile.prod"},
		},
	}
}

func TestPrepare_BuildsTagsAndExports(t *testing.T) {
	cfg := testConfig(t)
	engine := remotetest.NewEngine()
	c := build.NewCoordinator(engine, console.NewScripted(), nil, nil)

	res, err := c.Prepare(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Equal(t, []string{"api", "proxy"}, res.Built)
	require.Len(t, res.Units, 2)

	assert.Equal(t, []string{
		"build detector-api:20250101-1200",
		"tag detector-api:20250101-1200 detector-api:latest",
		"save [detector-api:20250101-1200 detector-api:latest]",
		"build detector-proxy:20250101-1200",
		"tag detector-proxy:20250101-1200 detector-proxy:latest",
		"save [detector-proxy:20250101-1200 detector-proxy:latest]",
	}, engine.Calls())

	data, err := os.ReadFile(filepath.Join(cfg.CacheDir, cfg.Version, "api.tar"))
	require.NoError(t, err)
	assert.Equal(t, []string{"detector-api:20250101-1200", "detector-api:latest"}, remotetest.ArchiveRefs(data))
}

func TestPrepare_ReusesCompleteCache(t *testing.T) {
	cfg := testConfig(t)
	engine := remotetest.NewEngine()
	_, err := build.NewCoordinator(engine, nil, nil, nil).Prepare(context.Background(), cfg)
	require.NoError(t, err)

	engine2 := remotetest.NewEngine()
	prompter := console.NewScripted(true)
	res, err := build.NewCoordinator(engine2, prompter, nil, nil).Prepare(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, res.Reused)
	assert.Empty(t, engine2.Calls())
	require.Len(t, prompter.Asked(), 1)
	assert.True(t, prompter.Asked()[0].Default)
}

func TestPrepare_DeclinedReuseRebuilds(t *testing.T) {
	cfg := testConfig(t)
	_, err := build.NewCoordinator(remotetest.NewEngine(), nil, nil, nil).Prepare(context.Background(), cfg)
	require.NoError(t, err)

	engine := remotetest.NewEngine()
	res, err := build.NewCoordinator(engine, console.NewScripted(false), nil, nil).Prepare(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Equal(t, []string{"api", "proxy"}, res.Built)
}

func TestPrepare_PartialCacheRebuildsWithoutAsking(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.CacheDir, cfg.Version), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.CacheDir, cfg.Version, "api.tar"), []byte("x"), 0o644))

	prompter := console.NewScripted()
	res, err := build.NewCoordinator(remotetest.NewEngine(), prompter, nil, nil).Prepare(context.Background(), cfg)
	require.NoError(t, err)
	assert.Empty(t, prompter.Asked())
	assert.Len(t, res.Built, 2)
}

func TestPrepare_BuildFailureLeavesNoLatestOrArchive(t *testing.T) {
	cfg := testConfig(t)
	engine := remotetest.NewEngine()
	engine.FailBuild = map[string]error{"detector-proxy:20250101-1200": errors.New("RUN make: exit 2")}

	_, err := build.NewCoordinator(engine, nil, nil, nil).Prepare(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBuild)
	assert.Contains(t, domain.Remediation(err), "docker build -t detector-proxy:20250101-1200 ./proxy")

	assert.NotContains(t, engine.Images(), "detector-proxy:latest")
	assert.NoFileExists(t, filepath.Join(cfg.CacheDir, cfg.Version, "proxy.tar"))
	assert.FileExists(t, filepath.Join(cfg.CacheDir, cfg.Version, "api.tar"))
}

func TestPrepare_InterruptedSaveIsNotACacheHit(t *testing.T) {
	cfg := testConfig(t)
	engine := remotetest.NewEngine()
	engine.FailSave = map[string]error{"detector-api:20250101-1200": errors.New("disk full")}

	_, err := build.NewCoordinator(engine, nil, nil, nil).Prepare(context.Background(), cfg)
	require.ErrorIs(t, err, domain.ErrBuild)

	dir := filepath.Join(cfg.CacheDir, cfg.Version)
	assert.NoFileExists(t, filepath.Join(dir, "api.tar"))
	assert.NoFileExists(t, filepath.Join(dir, "api.tar.partial"))

	prompter := console.NewScripted()
	res, err := build.NewCoordinator(remotetest.NewEngine(), prompter, nil, nil).Prepare(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Empty(t, prompter.Asked())
}

func TestPrepare_RegistryModePushes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = domain.ModeRegistry
	cfg.Registry = domain.Registry{URL: "registry.local:5000", Username: "ci"}
	host := remotetest.NewHost("deploy")
	defer host.Close()
	engine := remotetest.NewEngine()
	engine.Registry = host
	secrets := mapSecrets{build.RegistryAccount(cfg.Registry): "s3cret"}

	_, err := build.NewCoordinator(engine, nil, secrets, nil).Prepare(context.Background(), cfg)
	require.NoError(t, err)

	assert.Contains(t, engine.Calls(), "push registry.local:5000/detector-api:20250101-1200")
	assert.Contains(t, engine.Calls(), "push registry.local:5000/detector-proxy:20250101-1200")
	require.Len(t, engine.PushAuth(), 2)
	assert.Equal(t, build.RegistryAuth{Username: "ci", Password: "s3cret", ServerAddress: "registry.local:5000"}, engine.PushAuth()[0])
}

func TestPrepare_SkipBuildExportsLocalImage(t *testing.T) {
	cfg := testConfig(t)
	cfg.SkipBuild = true
	engine := remotetest.NewEngine()
	engine.AddImage("detector-api:20250101-1200")
	engine.AddImage("detector-proxy:20250101-1200")

	res, err := build.NewCoordinator(engine, nil, nil, nil).Prepare(context.Background(), cfg)
	require.NoError(t, err)
	assert.Empty(t, res.Built)
	assert.Equal(t, []string{"api", "proxy"}, res.Exported)
	for _, call := range engine.Calls() {
		assert.NotContains(t, call, "build ")
	}
}

func TestPrepare_SkipBuildWithoutImageFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.SkipBuild = true

	_, err := build.NewCoordinator(remotetest.NewEngine(), nil, nil, nil).Prepare(context.Background(), cfg)
	assert.ErrorIs(t, err, domain.ErrPrecondition)
}

func TestPrepare_SkipBuildReusesCacheSilently(t *testing.T) {
	cfg := testConfig(t)
	_, err := build.NewCoordinator(remotetest.NewEngine(), nil, nil, nil).Prepare(context.Background(), cfg)
	require.NoError(t, err)

	cfg.SkipBuild = true
	prompter := console.NewScripted()
	res, err := build.NewCoordinator(remotetest.NewEngine(), prompter, nil, nil).Prepare(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, res.Reused)
	assert.Empty(t, prompter.Asked())
}

func TestPrepare_DaemonDownFailsBeforeBuilding(t *testing.T) {
	cfg := testConfig(t)
	engine := remotetest.NewEngine()
	engine.Down = errors.New("Cannot connect to the Docker daemon at unix:///var/run/docker.sock")

	_, err := build.NewCoordinator(engine, nil, nil, nil).Prepare(context.Background(), cfg)
	require.ErrorIs(t, err, domain.ErrPrecondition)
	assert.Equal(t, []string{"docker info"}, domain.Remediation(err))
	assert.Empty(t, engine.Calls())
	assert.NoDirExists(t, filepath.Join(cfg.CacheDir, cfg.Version))
}

func TestPrepare_CachedArchivesNeedNoDaemon(t *testing.T) {
	cfg := testConfig(t)
	_, err := build.NewCoordinator(remotetest.NewEngine(), nil, nil, nil).Prepare(context.Background(), cfg)
	require.NoError(t, err)

	engine := remotetest.NewEngine()
	engine.Down = errors.New("daemon stopped")
	res, err := build.NewCoordinator(engine, console.NewScripted(true), nil, nil).Prepare(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, res.Reused)
}
