package remotecmd

import "io"

// =============================================================================
// File Commands
// =============================================================================

// Commands for files on the target host. They assume a POSIX shell with
// coreutils, which every supported target has.

// TestExists succeeds when path is a regular file.
func TestExists(path string) Command {
	return New("test-file", "test", "-f", path)
}

// TestDir succeeds when path is a directory.
func TestDir(path string) Command {
	return New("test-dir", "test", "-d", path)
}

// TestWritable succeeds when path is a writable directory.
func TestWritable(path string) Command {
	return New("test-writable", "test", "-d", path, "-a", "-w", path)
}

// Cat prints a file.
func Cat(path string) Command {
	return New("read-file", "cat", path)
}

// MkdirAll creates a directory with parents.
func MkdirAll(path string) Command {
	return New("mkdir", "mkdir", "-p", path)
}

// Mkdir creates a single directory and fails if it exists.
func Mkdir(path string) Command {
	return New("mkdir", "mkdir", path)
}

// Chown hands path to owner (user:group).
func Chown(owner, path string) Command {
	return New("chown", "chown", owner, path)
}

// WriteFile replaces path with the contents of r.
func WriteFile(path string, r io.Reader) Command {
	return New("write-file", "dd", "of="+path, "status=none").WithStdin(r)
}

// AppendFile appends the contents of r to path.
func AppendFile(path string, r io.Reader) Command {
	return New("append-file", "dd", "of="+path, "status=none", "oflag=append", "conv=notrunc").WithStdin(r)
}

// Move renames src to dst, replacing dst.
func Move(src, dst string) Command {
	return New("move", "mv", "-f", src, dst)
}

// Remove deletes files, ignoring missing ones.
func Remove(paths ...string) Command {
	return New("remove", append([]string{"rm", "-f"}, paths...)...)
}

// RemoveAll deletes a directory tree.
func RemoveAll(path string) Command {
	return New("remove", "rm", "-rf", path)
}

// FileSize prints the size of path in bytes.
func FileSize(path string) Command {
	return New("stat", "stat", "-c", "%s", path)
}

// Checksum prints the sha256 of path in sha256sum format.
func Checksum(path string) Command {
	return New("sha256sum", "sha256sum", path)
}

// HasProgram succeeds when program is on the remote PATH.
func HasProgram(program string) Command {
	return New("command-v", "command", "-v", program)
}
