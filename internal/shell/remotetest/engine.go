package remotetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/artpar/shipctl/internal/shell/build"
)

// Engine is an in-memory local image engine. Saved archives are built with
// Archive so a Host can load them.
type Engine struct {
	// Registry, when set, receives pushed images.
	Registry *Host
	// Padding is added to every saved archive.
	Padding int
	// FailBuild makes Build fail for these refs.
	FailBuild map[string]error
	// FailSave makes Save fail after writing half the archive.
	FailSave map[string]error
	// Down makes Ping fail, as with a stopped daemon.
	Down error

	mu     sync.Mutex
	images map[string]bool
	calls  []string
	pushed []build.RegistryAuth
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{images: make(map[string]bool)}
}

func (e *Engine) record(format string, args ...any) {
	e.calls = append(e.calls, fmt.Sprintf(format, args...))
}

func (e *Engine) Ping(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Down
}

func (e *Engine) Build(ctx context.Context, req build.Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("build %s", req.Ref)
	if err := e.FailBuild[req.Ref]; err != nil {
		return err
	}
	e.images[req.Ref] = true
	return ctx.Err()
}

func (e *Engine) Tag(ctx context.Context, source, target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("tag %s %s", source, target)
	if !e.images[source] {
		return fmt.Errorf("no such image: %s", source)
	}
	e.images[target] = true
	return nil
}

func (e *Engine) Save(ctx context.Context, refs []string, w io.Writer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("save %v", refs)
	for _, r := range refs {
		if !e.images[r] {
			return fmt.Errorf("no such image: %s", r)
		}
	}
	data := Archive(e.Padding, refs...)
	if err := e.FailSave[refs[0]]; err != nil {
		w.Write(data[:len(data)/2])
		return err
	}
	_, err := w.Write(data)
	return err
}

func (e *Engine) Push(ctx context.Context, ref string, auth build.RegistryAuth) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("push %s", ref)
	if !e.images[ref] {
		return fmt.Errorf("no such image: %s", ref)
	}
	if e.Registry == nil {
		return errors.New("no registry configured")
	}
	e.pushed = append(e.pushed, auth)
	e.Registry.AddRegistryImage(ref)
	return nil
}

func (e *Engine) Exists(ctx context.Context, ref string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.images[ref], nil
}

// AddImage makes ref exist locally.
func (e *Engine) AddImage(ref string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.images[ref] = true
}

// Calls returns the operations performed so far.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// Images returns the local image refs, sorted.
func (e *Engine) Images() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	refs := make([]string, 0, len(e.images))
	for r := range e.images {
		refs = append(refs, r)
	}
	sort.Strings(refs)
	return refs
}

// PushAuth returns the credentials of every push.
func (e *Engine) PushAuth() []build.RegistryAuth {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]build.RegistryAuth(nil), e.pushed...)
}
