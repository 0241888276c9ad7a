// Package remotetest provides an in-memory target host for tests. It
// understands the subset of coreutils and docker CLI the deployer issues and
// keeps a filesystem, an image store and service state in memory.
package remotetest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/artpar/shipctl/internal/core/compose"
	"github.com/artpar/shipctl/internal/core/remotecmd"
	"github.com/artpar/shipctl/internal/core/retention"
	"github.com/artpar/shipctl/internal/core/versionstate"
)

// =============================================================================
// Types
// =============================================================================

// Image is one tag in the host's image store.
type Image struct {
	ID      string
	Created time.Time
}

// Service records what the host did with a compose service.
type Service struct {
	Image    string // reference the service runs
	Restarts int
	Runs     int
}

// Failure makes matching commands fail.
type Failure struct {
	Match   string // substring of the command line
	Times   int    // remaining failures, <0 = always
	Exit    int
	Stderr  string
	Partial int // bytes of stdin written before a dd failure
}

type dir struct {
	owner string
}

// Host is an in-memory target host.
type Host struct {
	User        string
	SudoAllowed bool
	NoChecksum  bool // sha256sum is not installed

	mu       sync.Mutex
	now      time.Time
	files    map[string][]byte
	dirs     map[string]dir
	images   map[string]Image
	registry map[string]string // ref -> image id available to pull
	services map[string]*Service
	failures []*Failure
	log      []string
	servers  map[string]*httptest.Server
}

// NewHost creates a host with a writable home and an existing /opt owned by
// root.
func NewHost(user string) *Host {
	h := &Host{
		User:        user,
		SudoAllowed: true,
		now:         time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		files:       make(map[string][]byte),
		dirs:        make(map[string]dir),
		images:      make(map[string]Image),
		registry:    make(map[string]string),
		services:    make(map[string]*Service),
		servers:     make(map[string]*httptest.Server),
	}
	h.dirs["/"] = dir{owner: "root"}
	h.dirs["/opt"] = dir{owner: "root"}
	h.dirs["/tmp"] = dir{owner: user}
	h.dirs["/home"] = dir{owner: "root"}
	h.dirs["/home/"+user] = dir{owner: user}
	return h
}

// =============================================================================
// Test Setup
// =============================================================================

// MkdirOwned creates a directory with parents, owned by owner.
func (h *Host) MkdirOwned(p, owner string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mkdirAll(path.Clean(p), owner)
}

// WriteFile sets a file's content, creating parent directories.
func (h *Host) WriteFile(p string, content []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p = path.Clean(p)
	h.mkdirAll(path.Dir(p), h.User)
	h.files[p] = append([]byte(nil), content...)
}

// AddImage puts a tag in the image store created at the given time.
func (h *Host) AddImage(ref string, created time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.images[ref] = Image{ID: imageID(ref), Created: created}
}

// AddRegistryImage makes ref pullable.
func (h *Host) AddRegistryImage(ref string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registry[ref] = imageID(ref)
}

// Fail registers a failure injection.
func (h *Host) Fail(f Failure) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f.Exit == 0 {
		f.Exit = 1
	}
	h.failures = append(h.failures, &f)
}

// Serve answers HTTP on 127.0.0.1:port of the host, reachable through
// DialContext.
func (h *Host) Serve(port int, handler http.Handler) {
	srv := httptest.NewServer(handler)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.servers[net.JoinHostPort("127.0.0.1", strconv.Itoa(port))] = srv
}

// Close stops every HTTP server started by Serve.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for addr, srv := range h.servers {
		srv.Close()
		delete(h.servers, addr)
	}
}

// =============================================================================
// Inspection
// =============================================================================

// File returns a file's content.
func (h *Host) File(p string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.files[path.Clean(p)]
	return append([]byte(nil), b...), ok
}

// DirExists reports whether p is a directory.
func (h *Host) DirExists(p string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.dirs[path.Clean(p)]
	return ok
}

// DirOwner returns the owner of a directory.
func (h *Host) DirOwner(p string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dirs[path.Clean(p)].owner
}

// HasImage reports whether ref is in the image store.
func (h *Host) HasImage(ref string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.images[ref]
	return ok
}

// Tags returns the tags of repo, sorted.
func (h *Host) Tags(repo string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var tags []string
	for ref := range h.images {
		r, tag := splitRef(ref)
		if r == repo {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// Service returns the state of a compose service.
func (h *Host) Service(name string) (Service, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.services[name]
	if !ok {
		return Service{}, false
	}
	return *s, true
}

// Log returns every command line run so far.
func (h *Host) Log() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.log...)
}

// LogMatching returns the logged lines containing substr.
func (h *Host) LogMatching(substr string) []string {
	var out []string
	for _, l := range h.Log() {
		if strings.Contains(l, substr) {
			out = append(out, l)
		}
	}
	return out
}

// ResetLog clears the command log.
func (h *Host) ResetLog() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.log = nil
}

// =============================================================================
// Runner
// =============================================================================

// Run executes cmd against the in-memory state.
func (h *Host) Run(ctx context.Context, cmd remotecmd.Command) (remotecmd.Result, error) {
	if err := ctx.Err(); err != nil {
		return remotecmd.Result{}, err
	}

	var stdin []byte
	if cmd.Stdin != nil {
		b, err := io.ReadAll(cmd.Stdin)
		if err != nil {
			return remotecmd.Result{}, err
		}
		stdin = b
	}

	h.mu.Lock()
	line := cmd.Line()
	h.log = append(h.log, line)
	h.now = h.now.Add(time.Second)

	var res remotecmd.Result
	if f := h.matchFailure(line); f != nil {
		if f.Partial > 0 && cmd.Program() == "dd" {
			if f.Partial > len(stdin) {
				f.Partial = len(stdin)
			}
			h.dd(cmd.Argv[1:], stdin[:f.Partial], cmd.Sudo)
		}
		res = remotecmd.Result{ExitCode: f.Exit, Stderr: []byte(f.Stderr)}
	} else if cmd.Sudo && !h.SudoAllowed {
		res = remotecmd.Result{ExitCode: 1, Stderr: []byte("sudo: a password is required\n")}
	} else {
		res = h.exec(cmd.Argv, stdin, cmd.Sudo)
	}
	h.mu.Unlock()

	if res.ExitCode != 0 {
		return res, remotecmd.NewExitError(cmd, res)
	}
	return res, nil
}

// DialContext connects to an HTTP server registered with Serve.
func (h *Host) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	h.mu.Lock()
	srv, ok := h.servers[addr]
	h.mu.Unlock()
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: network, Err: fmt.Errorf("connect %s: connection refused", addr)}
	}
	var d net.Dialer
	return d.DialContext(ctx, network, srv.Listener.Addr().String())
}

func (h *Host) matchFailure(line string) *Failure {
	for _, f := range h.failures {
		if f.Times == 0 || !strings.Contains(line, f.Match) {
			continue
		}
		if f.Times > 0 {
			f.Times--
		}
		return f
	}
	return nil
}

// =============================================================================
// Command Interpreter
// =============================================================================

func ok(stdout string) remotecmd.Result {
	return remotecmd.Result{Stdout: []byte(stdout)}
}

func fail(code int, format string, args ...any) remotecmd.Result {
	return remotecmd.Result{ExitCode: code, Stderr: []byte(fmt.Sprintf(format, args...) + "\n")}
}

func (h *Host) exec(argv []string, stdin []byte, sudo bool) remotecmd.Result {
	if len(argv) == 0 {
		return fail(127, "empty command")
	}
	args := argv[1:]
	switch argv[0] {
	case "test":
		return h.test(args, sudo)
	case "cat":
		if len(args) != 1 {
			return fail(2, "cat: usage")
		}
		b, exists := h.files[path.Clean(args[0])]
		if !exists {
			return fail(1, "cat: %s: No such file or directory", args[0])
		}
		return ok(string(b))
	case "mkdir":
		return h.mkdir(args, sudo)
	case "chown":
		if !sudo {
			return fail(1, "chown: changing ownership of '%s': Operation not permitted", args[len(args)-1])
		}
		owner := strings.SplitN(args[0], ":", 2)[0]
		p := path.Clean(args[1])
		if _, exists := h.dirs[p]; !exists {
			return fail(1, "chown: cannot access '%s': No such file or directory", p)
		}
		h.dirs[p] = dir{owner: owner}
		return ok("")
	case "dd":
		return h.dd(args, stdin, sudo)
	case "mv":
		return h.mv(args, sudo)
	case "rm":
		return h.rm(args, sudo)
	case "stat":
		if len(args) != 3 || args[0] != "-c" || args[1] != "%s" {
			return fail(1, "stat: unsupported")
		}
		b, exists := h.files[path.Clean(args[2])]
		if !exists {
			return fail(1, "stat: cannot statx '%s': No such file or directory", args[2])
		}
		return ok(strconv.Itoa(len(b)) + "\n")
	case "sha256sum":
		if h.NoChecksum {
			return fail(127, "sh: sha256sum: command not found")
		}
		b, exists := h.files[path.Clean(args[0])]
		if !exists {
			return fail(1, "sha256sum: %s: No such file or directory", args[0])
		}
		sum := sha256.Sum256(b)
		return ok(hex.EncodeToString(sum[:]) + "  " + args[0] + "\n")
	case "command":
		if len(args) == 2 && args[0] == "-v" {
			if args[1] == "sha256sum" && h.NoChecksum {
				return fail(1, "")
			}
			return ok("/usr/bin/" + args[1] + "\n")
		}
		return fail(1, "command: unsupported")
	case "docker":
		return h.docker(args)
	}
	return fail(127, "sh: %s: command not found", argv[0])
}

func (h *Host) test(args []string, sudo bool) remotecmd.Result {
	switch {
	case len(args) == 2 && args[0] == "-f":
		if _, exists := h.files[path.Clean(args[1])]; exists {
			return ok("")
		}
		return fail(1, "")
	case len(args) == 2 && args[0] == "-d":
		if _, exists := h.dirs[path.Clean(args[1])]; exists {
			return ok("")
		}
		return fail(1, "")
	case len(args) == 5 && args[0] == "-d" && args[2] == "-a" && args[3] == "-w":
		p := path.Clean(args[1])
		if _, exists := h.dirs[p]; exists && h.writable(p, sudo) {
			return ok("")
		}
		return fail(1, "")
	}
	return fail(2, "test: unsupported")
}

func (h *Host) writable(dirPath string, sudo bool) bool {
	d, exists := h.dirs[dirPath]
	return exists && (sudo || d.owner == h.User)
}

func (h *Host) mkdir(args []string, sudo bool) remotecmd.Result {
	parents := len(args) > 0 && args[0] == "-p"
	if parents {
		args = args[1:]
	}
	if len(args) != 1 {
		return fail(1, "mkdir: usage")
	}
	p := path.Clean(args[0])
	if _, exists := h.dirs[p]; exists {
		if parents {
			return ok("")
		}
		return fail(1, "mkdir: cannot create directory '%s': File exists", p)
	}
	parent := path.Dir(p)
	if !parents {
		if _, exists := h.dirs[parent]; !exists {
			return fail(1, "mkdir: cannot create directory '%s': No such file or directory", p)
		}
	}
	// the nearest existing ancestor must be writable
	anc := parent
	for {
		if _, exists := h.dirs[anc]; exists {
			break
		}
		anc = path.Dir(anc)
	}
	if !h.writable(anc, sudo) {
		return fail(1, "mkdir: cannot create directory '%s': Permission denied", p)
	}
	owner := h.User
	if sudo {
		owner = "root"
	}
	h.mkdirAll(p, owner)
	return ok("")
}

func (h *Host) mkdirAll(p, owner string) {
	for q := p; q != "/" && q != "."; q = path.Dir(q) {
		if _, exists := h.dirs[q]; exists {
			break
		}
		h.dirs[q] = dir{owner: owner}
	}
}

func (h *Host) dd(args []string, stdin []byte, sudo bool) remotecmd.Result {
	var target string
	appendMode := false
	for _, a := range args {
		switch {
		case strings.HasPrefix(a, "of="):
			target = path.Clean(strings.TrimPrefix(a, "of="))
		case a == "oflag=append":
			appendMode = true
		}
	}
	if target == "" {
		return fail(1, "dd: missing of=")
	}
	if !h.writable(path.Dir(target), sudo) {
		return fail(1, "dd: failed to open '%s': Permission denied", target)
	}
	if appendMode {
		h.files[target] = append(h.files[target], stdin...)
	} else {
		h.files[target] = append([]byte(nil), stdin...)
	}
	return ok("")
}

func (h *Host) mv(args []string, sudo bool) remotecmd.Result {
	if len(args) > 0 && args[0] == "-f" {
		args = args[1:]
	}
	if len(args) != 2 {
		return fail(1, "mv: usage")
	}
	src, dst := path.Clean(args[0]), path.Clean(args[1])
	b, exists := h.files[src]
	if !exists {
		return fail(1, "mv: cannot stat '%s': No such file or directory", src)
	}
	if !h.writable(path.Dir(dst), sudo) {
		return fail(1, "mv: cannot move '%s' to '%s': Permission denied", src, dst)
	}
	delete(h.files, src)
	h.files[dst] = b
	return ok("")
}

func (h *Host) rm(args []string, sudo bool) remotecmd.Result {
	recursive := false
	var paths []string
	for _, a := range args {
		switch a {
		case "-f":
		case "-rf", "-fr":
			recursive = true
		default:
			paths = append(paths, path.Clean(a))
		}
	}
	for _, p := range paths {
		if _, exists := h.files[p]; exists {
			if !h.writable(path.Dir(p), sudo) {
				return fail(1, "rm: cannot remove '%s': Permission denied", p)
			}
			delete(h.files, p)
			continue
		}
		if _, exists := h.dirs[p]; exists {
			if !recursive {
				return fail(1, "rm: cannot remove '%s': Is a directory", p)
			}
			prefix := p + "/"
			for f := range h.files {
				if strings.HasPrefix(f, prefix) {
					delete(h.files, f)
				}
			}
			for d := range h.dirs {
				if d == p || strings.HasPrefix(d, prefix) {
					delete(h.dirs, d)
				}
			}
		}
	}
	return ok("")
}

// =============================================================================
// Docker
// =============================================================================

func (h *Host) docker(args []string) remotecmd.Result {
	if len(args) == 0 {
		return fail(1, "docker: usage")
	}
	switch args[0] {
	case "pull", "rmi":
		if len(args) != 2 {
			return fail(1, "docker %s: usage", args[0])
		}
	case "tag":
		if len(args) != 3 {
			return fail(1, "docker tag: usage")
		}
	}
	switch args[0] {
	case "load":
		if len(args) != 3 || args[1] != "-i" {
			return fail(1, "docker load: usage")
		}
		b, exists := h.files[path.Clean(args[2])]
		if !exists {
			return fail(1, "open %s: no such file or directory", args[2])
		}
		refs := ArchiveRefs(b)
		if len(refs) == 0 {
			return fail(1, "Error: archive contains no images")
		}
		var out strings.Builder
		for _, ref := range refs {
			h.putImage(ref, imageID(refs[0]))
			fmt.Fprintf(&out, "Loaded image: %s\n", ref)
		}
		return ok(out.String())
	case "pull":
		id, exists := h.registry[args[1]]
		if !exists {
			return fail(1, "Error response from daemon: manifest for %s not found: manifest unknown", args[1])
		}
		h.putImage(args[1], id)
		return ok("Status: Downloaded newer image for " + args[1] + "\n")
	case "tag":
		src, exists := h.images[args[1]]
		if !exists {
			return fail(1, "Error response from daemon: No such image: %s", args[1])
		}
		h.images[args[2]] = src
		return ok("")
	case "image":
		return h.dockerImage(args[1:])
	case "rmi":
		ref := args[1]
		if _, exists := h.images[ref]; !exists {
			return fail(1, "Error response from daemon: No such image: %s", ref)
		}
		for name, svc := range h.services {
			if svc.Image == ref {
				return fail(1, "Error response from daemon: conflict: unable to remove repository reference %q (must force) - container %s is using its referenced image", ref, name)
			}
		}
		delete(h.images, ref)
		return ok("Untagged: " + ref + "\n")
	case "compose":
		return h.compose(args[1:])
	}
	return fail(1, "docker: '%s' is not a docker command", args[0])
}

func (h *Host) putImage(ref, id string) {
	if existing, exists := h.images[ref]; exists && existing.ID == id {
		return
	}
	h.images[ref] = Image{ID: id, Created: h.now}
}

func (h *Host) dockerImage(args []string) remotecmd.Result {
	if len(args) == 0 {
		return fail(1, "docker image: usage")
	}
	switch args[0] {
	case "ls":
		repo := args[len(args)-1]
		type row struct {
			tag     string
			created time.Time
		}
		var rows []row
		for ref, img := range h.images {
			r, tag := splitRef(ref)
			if r == repo {
				rows = append(rows, row{tag: tag, created: img.Created})
			}
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].created.After(rows[j].created) })
		var out strings.Builder
		for _, r := range rows {
			fmt.Fprintf(&out, "%s\t%s\n", r.tag, r.created.Format(retention.CreatedAtLayout))
		}
		return ok(out.String())
	case "prune":
		return ok("Total reclaimed space: 0B\n")
	}
	return fail(1, "docker image: unsupported %s", args[0])
}

func (h *Host) compose(args []string) remotecmd.Result {
	var projectDir, file string
	for len(args) >= 2 && strings.HasPrefix(args[0], "-") {
		switch args[0] {
		case "--project-directory":
			projectDir = args[1]
		case "-f":
			file = args[1]
		}
		args = args[2:]
	}
	if len(args) == 0 {
		return fail(1, "docker compose: usage")
	}
	sub, rest := args[0], args[1:]
	svcName := ""
	if len(rest) > 0 {
		svcName = rest[len(rest)-1]
	}

	switch sub {
	case "ps":
		var out strings.Builder
		names := make([]string, 0, len(h.services))
		for name := range h.services {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&out, "%s\t%s\n", name, h.services[name].Image)
		}
		return ok(out.String())
	case "logs":
		return ok(svcName + " | started\n")
	case "up", "run":
		ref, res := h.resolveServiceImage(projectDir, file, svcName)
		if res.ExitCode != 0 {
			return res
		}
		svc := h.services[svcName]
		if svc == nil {
			svc = &Service{}
			h.services[svcName] = svc
		}
		if sub == "run" {
			svc.Runs++
			return ok("")
		}
		svc.Image = ref
		svc.Restarts++
		return ok("Container " + svcName + " Started\n")
	}
	return fail(1, "docker compose: unsupported %s", sub)
}

// resolveServiceImage interpolates the compose file with the project's .env
// and checks the image exists locally.
func (h *Host) resolveServiceImage(projectDir, file, svcName string) (string, remotecmd.Result) {
	content, exists := h.files[path.Clean(file)]
	if !exists {
		return "", fail(1, "open %s: no such file or directory", file)
	}
	env := map[string]string{}
	if envFile, exists := h.files[path.Join(projectDir, ".env")]; exists {
		state := versionstate.Parse(string(envFile))
		for _, key := range []string{versionstate.KeyImageTag, versionstate.KeyImageRegistry} {
			if v, found := state.Get(key); found {
				env[key] = v
			}
		}
	}
	stack, err := compose.ParseStack(string(content), env)
	if err != nil {
		return "", fail(15, "%v", err)
	}
	svc, found := stack.Service(svcName)
	if !found {
		return "", fail(1, "no such service: %s", svcName)
	}
	if _, exists := h.images[svc.Image]; !exists {
		return "", fail(18, "Error response from daemon: pull access denied for %s", svc.Image)
	}
	return svc.Image, ok("")
}

// =============================================================================
// Archives
// =============================================================================

const archiveHeader = "remotetest-archive\n"

// Archive returns the bytes of a fake image archive holding refs. Padding
// makes it large enough to exercise partial transfers.
func Archive(padding int, refs ...string) []byte {
	var b bytes.Buffer
	b.WriteString(archiveHeader)
	for _, r := range refs {
		b.WriteString("ref " + r + "\n")
	}
	b.Write(bytes.Repeat([]byte{'.'}, padding))
	return b.Bytes()
}

// ArchiveRefs returns the refs of an archive built by Archive.
func ArchiveRefs(b []byte) []string {
	if !bytes.HasPrefix(b, []byte(archiveHeader)) {
		return nil
	}
	var refs []string
	for _, line := range strings.Split(string(b[len(archiveHeader):]), "\n") {
		if !strings.HasPrefix(line, "ref ") {
			break
		}
		refs = append(refs, strings.TrimPrefix(line, "ref "))
	}
	return refs
}

func imageID(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return "sha256:" + hex.EncodeToString(sum[:])[:12]
}

func splitRef(ref string) (string, string) {
	i := strings.LastIndex(ref, ":")
	if i < 0 || strings.Contains(ref[i:], "/") {
		return ref, "latest"
	}
	return ref[:i], ref[i+1:]
}
