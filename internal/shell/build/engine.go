// Package build produces the versioned image archives a deployment ships.
package build

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/mattn/go-isatty"
	"github.com/moby/patternmatcher/ignorefile"
)

// =============================================================================
// Engine Interface
// =============================================================================

// Request describes one image build.
type Request struct {
	Context    string
	Dockerfile string
	Ref        string
	BuildArgs  map[string]string
}

// RegistryAuth holds push credentials.
type RegistryAuth struct {
	Username      string
	Password      string
	ServerAddress string
}

// ImageEngine is the local image builder.
type ImageEngine interface {
	Ping(ctx context.Context) error
	Build(ctx context.Context, req Request) error
	Tag(ctx context.Context, source, target string) error
	Save(ctx context.Context, refs []string, w io.Writer) error
	Push(ctx context.Context, ref string, auth RegistryAuth) error
	Exists(ctx context.Context, ref string) (bool, error)
}

// ErrStream is returned when the daemon reports an error inside a progress
// stream.
var ErrStream = errors.New("docker stream error")

// =============================================================================
// Docker Engine
// =============================================================================

// DockerEngine implements ImageEngine against the local Docker daemon.
type DockerEngine struct {
	cli *client.Client
	out io.Writer
}

// NewDockerEngine creates an engine. If host is empty the Docker host comes
// from the environment. Build and push progress is written to out.
func NewDockerEngine(host string, out io.Writer) (*DockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if out == nil {
		out = io.Discard
	}
	return &DockerEngine{cli: cli, out: out}, nil
}

// Ping checks that the daemon answers.
func (e *DockerEngine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

// Close closes the client connection.
func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

// Build sends the context directory to the daemon and builds req.Ref.
func (e *DockerEngine) Build(ctx context.Context, req Request) error {
	excludes, err := readDockerignore(req.Context)
	if err != nil {
		return err
	}
	buildCtx, err := archive.TarWithOptions(req.Context, &archive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return fmt.Errorf("archive build context %s: %w", req.Context, err)
	}
	defer buildCtx.Close()

	dockerfile := req.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	args := make(map[string]*string, len(req.BuildArgs))
	for k, v := range req.BuildArgs {
		args[k] = &v
	}

	resp, err := e.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{req.Ref},
		Dockerfile:  dockerfile,
		BuildArgs:   args,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("build %s: %w", req.Ref, err)
	}
	defer resp.Body.Close()
	if err := e.display(resp.Body); err != nil {
		return fmt.Errorf("build %s: %w", req.Ref, err)
	}
	return nil
}

// Tag adds target as a reference to source.
func (e *DockerEngine) Tag(ctx context.Context, source, target string) error {
	if err := e.cli.ImageTag(ctx, source, target); err != nil {
		return fmt.Errorf("tag %s as %s: %w", source, target, err)
	}
	return nil
}

// Save writes a docker-archive of refs to w.
func (e *DockerEngine) Save(ctx context.Context, refs []string, w io.Writer) error {
	rc, err := e.cli.ImageSave(ctx, refs)
	if err != nil {
		return fmt.Errorf("save %s: %w", strings.Join(refs, " "), err)
	}
	defer rc.Close()
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("save %s: %w", strings.Join(refs, " "), err)
	}
	return nil
}

// Push uploads ref to its registry.
func (e *DockerEngine) Push(ctx context.Context, ref string, auth RegistryAuth) error {
	encoded, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		ServerAddress: auth.ServerAddress,
	})
	if err != nil {
		return fmt.Errorf("encode registry auth: %w", err)
	}
	rc, err := e.cli.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return fmt.Errorf("push %s: %w", ref, err)
	}
	defer rc.Close()
	if err := e.display(rc); err != nil {
		return fmt.Errorf("push %s: %w", ref, err)
	}
	return nil
}

// Exists checks if an image exists locally.
func (e *DockerEngine) Exists(ctx context.Context, ref string) (bool, error) {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect %s: %w", ref, err)
	}
	return true, nil
}

func (e *DockerEngine) display(stream io.Reader) error {
	return displayStream(stream, e.out)
}

// displayStream renders a daemon progress stream and returns the first error
// message it carries.
func displayStream(stream io.Reader, out io.Writer) error {
	var fd uintptr
	var isTerm bool
	if f, ok := out.(*os.File); ok {
		fd = f.Fd()
		isTerm = isatty.IsTerminal(fd)
	}
	err := jsonmessage.DisplayJSONMessagesStream(stream, out, fd, isTerm, nil)
	if err == nil {
		return nil
	}
	var jerr *jsonmessage.JSONError
	if errors.As(err, &jerr) {
		return fmt.Errorf("%w: %s", ErrStream, jerr.Message)
	}
	return err
}

func readDockerignore(contextDir string) ([]string, error) {
	f, err := os.Open(filepath.Join(contextDir, ".dockerignore"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	patterns, err := ignorefile.ReadAll(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("read .dockerignore: %w", err)
	}
	return patterns, nil
}
