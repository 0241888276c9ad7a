package activation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipctl/internal/core/compose"
	"github.com/artpar/shipctl/internal/core/domain"
	"github.com/artpar/shipctl/internal/core/remotecmd"
	"github.com/artpar/shipctl/internal/core/versionstate"
)

const stackYAML = `
services:
  api:
    image: detector-api:${IMAGE_TAG}
  init:
    image: detector-init:${IMAGE_TAG}
    depends_on:
      api:
        condition: service_healthy
  proxy:
    image: detector-proxy:${IMAGE_TAG}
    depends_on:
      api:
        condition: service_started
      init:
        condition: service_completed_successfully
`

func testStack(t *testing.T) *compose.Stack {
	t.Helper()
	stack, err := compose.ParseStack(stackYAML, nil)
	require.NoError(t, err)
	return stack
}

func testConfig() domain.RunConfig {
	return domain.RunConfig{
		RunID:   "run-1",
		Target:  domain.Target{Host: "edge-01", Port: 22, User: "ubuntu", RemoteDir: "/opt/app"},
		Version: "20251224-1000",
		Mode:    domain.ModeArchive,
		Components: []domain.Component{
			{Name: "api", Image: "detector-api", Context: "./api"},
			{Name: "proxy", Image: "detector-proxy", Context: "./proxy"},
		},
		CacheDir: "/tmp/cache",
		Stack:    domain.Stack{ComposeFile: "deploy/docker-compose.yml"},
	}
}

func TestBuild_ArchiveMode(t *testing.T) {
	plan, err := Build(InputFromConfig(testConfig(), testStack(t)))
	require.NoError(t, err)

	project := "docker compose --project-directory /opt/app -f /opt/app/docker-compose.yml"
	assert.Equal(t, []string{
		"docker load -i /opt/app/staging/api.tar",
		"docker load -i /opt/app/staging/proxy.tar",
		"set IMAGE_TAG=20251224-1000 IMAGE_REGISTRY= in /opt/app/.env",
		project + " up -d --no-deps --force-recreate api",
		project + " run --rm --no-deps init",
		project + " up -d --no-deps --force-recreate proxy",
		"rm -f /opt/app/staging/api.tar /opt/app/staging/proxy.tar",
	}, plan.Commands())

	assert.Equal(t, []string{"api", "init", "proxy"}, plan.Services)
	assert.Equal(t, []string{"init"}, plan.OneShot)
}

func TestBuild_RegistryMode(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = domain.ModeRegistry
	cfg.Registry.URL = "registry.example.com:5000"
	cfg.Components = cfg.Components[:1]

	plan, err := Build(InputFromConfig(cfg, testStack(t)))
	require.NoError(t, err)

	cmds := plan.Commands()
	require.GreaterOrEqual(t, len(cmds), 4)
	assert.Equal(t, "docker pull registry.example.com:5000/detector-api:20251224-1000", cmds[0])
	assert.Equal(t, "docker tag registry.example.com:5000/detector-api:20251224-1000 detector-api:20251224-1000", cmds[1])
	assert.Equal(t, "docker tag registry.example.com:5000/detector-api:20251224-1000 detector-api:latest", cmds[2])
	assert.Equal(t, "set IMAGE_TAG=20251224-1000 IMAGE_REGISTRY=registry.example.com:5000 in /opt/app/.env", cmds[3])

	for _, s := range plan.Steps {
		assert.NotEqual(t, PhaseCleanup, s.Phase, "registry mode stages no archives")
	}
}

func TestBuild_StepPolicies(t *testing.T) {
	plan, err := Build(InputFromConfig(testConfig(), testStack(t)))
	require.NoError(t, err)

	for _, s := range plan.Steps {
		if s.Phase == PhaseCleanup {
			assert.False(t, s.Fatal(), s.Name)
			assert.Equal(t, remotecmd.WarnOnly, s.Command.Policy)
			continue
		}
		assert.True(t, s.Fatal(), s.Name)
	}
}

func TestBuild_VersionStateStep(t *testing.T) {
	plan, err := Build(InputFromConfig(testConfig(), testStack(t)))
	require.NoError(t, err)

	var found []Step
	for _, s := range plan.Steps {
		if s.Kind == StepVersionState {
			found = append(found, s)
		}
	}
	require.Len(t, found, 1)
	assert.Equal(t, "/opt/app/.env", found[0].VersionFile)
	assert.Equal(t, []versionstate.Assignment{
		{Key: versionstate.KeyImageTag, Value: "20251224-1000"},
		{Key: versionstate.KeyImageRegistry, Value: ""},
	}, found[0].Assignments)
}

func TestBuild_SelectedAndForcedOneShot(t *testing.T) {
	cfg := testConfig()
	cfg.Stack.Services = []string{"proxy", "api"}
	cfg.Stack.OneShot = []string{"api"}

	plan, err := Build(InputFromConfig(cfg, testStack(t)))
	require.NoError(t, err)

	assert.Equal(t, []string{"api", "proxy"}, plan.Services)
	assert.Equal(t, []string{"api"}, plan.OneShot)
}

func TestBuild_DockerSudo(t *testing.T) {
	cfg := testConfig()
	cfg.DockerSudo = true

	plan, err := Build(InputFromConfig(cfg, testStack(t)))
	require.NoError(t, err)

	for _, s := range plan.Steps {
		switch s.Phase {
		case PhaseLoad, PhaseRestart:
			assert.True(t, s.Command.Sudo, s.Name)
		case PhaseCleanup:
			assert.False(t, s.Command.Sudo, s.Name)
		}
	}
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(InputFromConfig(testConfig(), nil))
	assert.ErrorIs(t, err, compose.ErrNoServices)

	cfg := testConfig()
	cfg.Stack.Services = []string{"worker"}
	_, err = Build(InputFromConfig(cfg, testStack(t)))
	assert.ErrorIs(t, err, compose.ErrUnknownService)
}

func TestDiagnosticCommands(t *testing.T) {
	cmds := DiagnosticCommands("/opt/app", "/opt/app/docker-compose.yml", false, "api")
	assert.Equal(t, []string{
		"docker compose --project-directory /opt/app -f /opt/app/docker-compose.yml ps",
		"docker compose --project-directory /opt/app -f /opt/app/docker-compose.yml logs --tail=100 api",
	}, cmds)

	assert.Len(t, DiagnosticCommands("/opt/app", "/opt/app/docker-compose.yml", true, ""), 1)
}
