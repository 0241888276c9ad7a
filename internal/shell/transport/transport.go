// Package transport copies build artifacts and config files to the target
// host over the run's SSH session, sending only what the host is missing.
package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/shipctl/internal/core/domain"
	"github.com/artpar/shipctl/internal/core/remotecmd"
	"github.com/artpar/shipctl/internal/core/retry"
)

var (
	ErrStagingUnavailable = errors.New("staging directory is not writable")
	ErrVerifyMismatch     = errors.New("remote file does not match local file")
)

// =============================================================================
// Types
// =============================================================================

// Kind tells archives from config files in logs and reports.
type Kind string

const (
	KindArchive Kind = "archive"
	KindConfig  Kind = "config"
)

// File is one local file and its destination on the host.
type File struct {
	Local  string
	Remote string
	Kind   Kind
}

// Outcome is what a transfer had to do.
type Outcome string

const (
	OutcomeSkipped  Outcome = "skipped"  // remote already identical
	OutcomeAppended Outcome = "appended" // remote held a prefix
	OutcomeCopied   Outcome = "copied"   // whole file sent
)

// FileResult reports one transfer.
type FileResult struct {
	File     File
	Outcome  Outcome
	Size     int64
	Sent     int64
	SHA256   string
	Attempts int
}

// Options configures a Transport.
type Options struct {
	Policy  retry.Policy
	Journal *Journal      // optional
	Sleep   retry.Sleeper // nil = real time
}

// Transport copies files to one target host.
type Transport struct {
	runner remotecmd.Runner
	target domain.Target
	opts   Options
	logger *slog.Logger

	checksum *bool // remote sha256sum availability, probed once
}

// New creates a transport sending files through runner.
func New(runner remotecmd.Runner, target domain.Target, opts Options, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy = retry.Fixed(3, 2*time.Second)
	}
	return &Transport{
		runner: runner,
		target: target,
		opts:   opts,
		logger: logger.With("component", "transport", "host", target.Host),
	}
}

// Plan returns the files a run transfers: each unit archive in archive mode,
// then the declarative config files.
func Plan(cfg domain.RunConfig) []File {
	var files []File
	if cfg.Mode == domain.ModeArchive {
		staging := cfg.RemoteStagingDir()
		for _, u := range cfg.Units() {
			files = append(files, File{Local: u.ArchivePath, Remote: u.RemoteArchivePath(staging), Kind: KindArchive})
		}
	}
	for _, local := range cfg.LocalConfigFiles() {
		files = append(files, File{Local: local, Remote: cfg.RemoteConfigPath(local), Kind: KindConfig})
	}
	return files
}

// Dirs returns the remote directories the files land in, in first-use order.
func Dirs(files []File) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, f := range files {
		d := path.Dir(f.Remote)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// =============================================================================
// Staging
// =============================================================================

// EnsureDir makes dir exist and be writable by the SSH user, escalating to
// non-interactive sudo only when needed.
func (t *Transport) EnsureDir(ctx context.Context, dir string) error {
	if _, err := t.runner.Run(ctx, remotecmd.TestWritable(dir)); err == nil {
		return nil
	} else if ctx.Err() != nil {
		return ctx.Err()
	}

	if _, err := t.runner.Run(ctx, remotecmd.MkdirAll(dir)); err == nil {
		if _, err := t.runner.Run(ctx, remotecmd.TestWritable(dir)); err == nil {
			return nil
		}
	} else if ctx.Err() != nil {
		return ctx.Err()
	}

	t.logger.Info("creating directory with sudo", "dir", dir)
	owner := t.target.User + ":" + t.target.User
	for _, cmd := range []remotecmd.Command{
		remotecmd.MkdirAll(dir).WithSudo(true),
		remotecmd.Chown(owner, dir).WithSudo(true),
	} {
		if _, err := t.runner.Run(ctx, cmd); err != nil {
			return domain.NewTransferError("ensure staging",
				fmt.Sprintf("cannot prepare %s on %s", dir, t.target.Host),
				fmt.Errorf("%w: %w", ErrStagingUnavailable, err),
				fmt.Sprintf("ssh %s 'sudo mkdir -p %s && sudo chown %s %s'", t.target.Destination(), dir, owner, dir),
			)
		}
	}
	return nil
}

// =============================================================================
// Copy
// =============================================================================

// CopyAll copies files in order and stops at the first exhausted file.
func (t *Transport) CopyAll(ctx context.Context, files []File) ([]FileResult, error) {
	results := make([]FileResult, 0, len(files))
	for _, f := range files {
		res, err := t.Copy(ctx, f)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Copy transfers one file with bounded retries. Exhaustion returns a
// TransferError carrying the manual scp command.
func (t *Transport) Copy(ctx context.Context, f File) (FileResult, error) {
	local, err := describeLocal(f.Local)
	if err != nil {
		return FileResult{}, domain.NewPreconditionError("transfer", fmt.Sprintf("local file %s", f.Local), err,
			"ls -l "+f.Local)
	}

	log := t.logger.With("file", f.Local, "remote", f.Remote)
	var opts []retry.Option
	if t.opts.Sleep != nil {
		opts = append(opts, retry.WithSleeper(t.opts.Sleep))
	}
	opts = append(opts, retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		log.Warn("transfer attempt failed", "attempt", attempt, "retry_in", delay, "error", err)
	}))

	res := retry.Do(ctx, t.opts.Policy, func(ctx context.Context, attempt int) (FileResult, error) {
		return t.copyOnce(ctx, f, local)
	}, opts...)

	if res.Err != nil {
		if ctx.Err() != nil {
			return FileResult{}, res.Err
		}
		return FileResult{}, domain.NewTransferError("transfer",
			fmt.Sprintf("copy %s to %s:%s failed", f.Local, t.target.Host, f.Remote),
			res.Err,
			t.scpCommand(f),
		)
	}

	out := res.Value
	out.Attempts = res.Attempts
	log.Info("file transferred",
		"outcome", out.Outcome,
		"size", out.Size,
		"sent", out.Sent,
		"attempts", out.Attempts,
	)

	if err := t.opts.Journal.Record(JournalEntry{
		Local:       f.Local,
		Remote:      f.Remote,
		Host:        t.target.Host,
		Size:        out.Size,
		SHA256:      out.SHA256,
		CompletedAt: time.Now().UTC(),
	}); err != nil {
		log.Warn("failed to record transfer", "error", err)
	}
	return out, nil
}

func (t *Transport) scpCommand(f File) string {
	if t.target.Port != 0 && t.target.Port != 22 {
		return fmt.Sprintf("scp -P %d %s %s:%s", t.target.Port, f.Local, t.target.Destination(), f.Remote)
	}
	return fmt.Sprintf("scp %s %s:%s", f.Local, t.target.Destination(), f.Remote)
}

// copyOnce makes the remote file equal to the local one, sending as little
// as possible.
func (t *Transport) copyOnce(ctx context.Context, f File, local localFile) (FileResult, error) {
	result := FileResult{File: f, Size: local.size, SHA256: local.sha256}

	canChecksum, err := t.hasChecksum(ctx)
	if err != nil {
		return result, err
	}

	remoteSize, err := t.remoteSize(ctx, f.Remote)
	if err != nil {
		return result, err
	}

	var offset int64
	switch {
	case canChecksum && remoteSize == local.size:
		sum, err := t.remoteChecksum(ctx, f.Remote)
		if err != nil {
			return result, err
		}
		if sum == local.sha256 {
			result.Outcome = OutcomeSkipped
			return result, nil
		}
	case canChecksum && remoteSize > 0 && remoteSize < local.size:
		sum, err := t.remoteChecksum(ctx, f.Remote)
		if err != nil {
			return result, err
		}
		prefix, err := prefixChecksum(f.Local, remoteSize)
		if err != nil {
			return result, err
		}
		if sum == prefix {
			offset = remoteSize
		}
	case !canChecksum && remoteSize == local.size:
		if e, ok := t.opts.Journal.Lookup(t.target.Host, f.Remote); ok && e.SHA256 == local.sha256 && e.Size == local.size {
			result.Outcome = OutcomeSkipped
			return result, nil
		}
	}

	sent, err := t.send(ctx, f, offset)
	if err != nil {
		return result, err
	}
	result.Sent = sent
	result.Outcome = OutcomeCopied
	if offset > 0 {
		result.Outcome = OutcomeAppended
	}

	if err := t.verify(ctx, f.Remote, local, canChecksum); err != nil {
		return result, err
	}
	return result, nil
}

func (t *Transport) send(ctx context.Context, f File, offset int64) (int64, error) {
	file, err := os.Open(f.Local)
	if err != nil {
		return 0, retry.Permanent(err)
	}
	defer file.Close()

	cmd := remotecmd.WriteFile(f.Remote, nil)
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return 0, retry.Permanent(err)
		}
		cmd = remotecmd.AppendFile(f.Remote, nil)
	}

	counter := &countingReader{r: file}
	if _, err := t.runner.Run(ctx, cmd.WithStdin(counter)); err != nil {
		return counter.n, err
	}
	return counter.n, nil
}

func (t *Transport) verify(ctx context.Context, remote string, local localFile, canChecksum bool) error {
	size, err := t.remoteSize(ctx, remote)
	if err != nil {
		return err
	}
	if size != local.size {
		return fmt.Errorf("%w: size %d, want %d", ErrVerifyMismatch, size, local.size)
	}
	if !canChecksum {
		return nil
	}
	sum, err := t.remoteChecksum(ctx, remote)
	if err != nil {
		return err
	}
	if sum != local.sha256 {
		return fmt.Errorf("%w: sha256 %s, want %s", ErrVerifyMismatch, sum, local.sha256)
	}
	return nil
}

// =============================================================================
// Remote Probes
// =============================================================================

func (t *Transport) hasChecksum(ctx context.Context) (bool, error) {
	if t.checksum != nil {
		return *t.checksum, nil
	}
	_, err := t.runner.Run(ctx, remotecmd.HasProgram("sha256sum"))
	var exitErr *remotecmd.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return false, err
	}
	available := err == nil
	t.checksum = &available
	if !available {
		t.logger.Info("sha256sum not available on host, sending whole files")
	}
	return available, nil
}

// remoteSize returns the remote file size, -1 when it does not exist.
func (t *Transport) remoteSize(ctx context.Context, remote string) (int64, error) {
	res, err := t.runner.Run(ctx, remotecmd.FileSize(remote))
	if err != nil {
		var exitErr *remotecmd.ExitError
		if errors.As(err, &exitErr) {
			return -1, nil
		}
		return 0, err
	}
	size, err := strconv.ParseInt(res.StdoutString(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse remote size %q: %w", res.StdoutString(), err)
	}
	return size, nil
}

func (t *Transport) remoteChecksum(ctx context.Context, remote string) (string, error) {
	res, err := t.runner.Run(ctx, remotecmd.Checksum(remote))
	if err != nil {
		return "", err
	}
	fields := strings.Fields(res.StdoutString())
	if len(fields) == 0 {
		return "", fmt.Errorf("empty sha256sum output for %s", remote)
	}
	return fields[0], nil
}

// =============================================================================
// Local Files
// =============================================================================

type localFile struct {
	size   int64
	sha256 string
}

func describeLocal(p string) (localFile, error) {
	f, err := os.Open(p)
	if err != nil {
		return localFile{}, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return localFile{}, err
	}
	return localFile{size: n, sha256: hex.EncodeToString(h.Sum(nil))}, nil
}

func prefixChecksum(p string, n int64) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", retry.Permanent(err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyN(h, f, n); err != nil {
		return "", retry.Permanent(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
