// Package archive builds argv for the external archiver (tar + zstd),
// compressor (gzip) and recipient encryption tool (age), and provides file
// hashing for manifests. The tools are external collaborators; this package
// only shapes their command lines and routes them through the launcher.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/munaimtahir/infraserver/internal/execx"
)

// Toolchain wraps the archive, compression and encryption tools.
type Toolchain struct {
	runner *execx.Runner
}

// NewToolchain creates a Toolchain driving the given launcher.
func NewToolchain(runner *execx.Runner) *Toolchain {
	return &Toolchain{runner: runner}
}

// CreateTarZst archives paths (absolute, pre-sorted by the caller) into dst.
func (t *Toolchain) CreateTarZst(ctx context.Context, dst string, paths []string, logPath string) error {
	argv := append([]string{"tar", "--zstd", "-cf", dst}, paths...)
	_, err := t.runner.Run(ctx, execx.Spec{Argv: argv, Check: true, LogPath: logPath})
	return err
}

// CreateTarZstFromDir archives the contents of dir (as relative paths) into
// dst. Used for env bundles, where original absolute paths must not leak
// into the archive.
func (t *Toolchain) CreateTarZstFromDir(ctx context.Context, dst, dir, logPath string) error {
	_, err := t.runner.Run(ctx, execx.Spec{
		Argv:    []string{"tar", "--zstd", "-cf", dst, "-C", dir, "."},
		Check:   true,
		LogPath: logPath,
	})
	return err
}

// CreateTarZstMember archives parent/member into dst, keeping member as the
// top-level entry. Used for restore bundles.
func (t *Toolchain) CreateTarZstMember(ctx context.Context, dst, parent, member, logPath string) error {
	_, err := t.runner.Run(ctx, execx.Spec{
		Argv:    []string{"tar", "--zstd", "-cf", dst, "-C", parent, member},
		Check:   true,
		LogPath: logPath,
	})
	return err
}

// TestZst runs the zstd self-test on an archive.
func (t *Toolchain) TestZst(ctx context.Context, path, logPath string) error {
	_, err := t.runner.Run(ctx, execx.Spec{
		Argv:    []string{"zstd", "-t", path},
		Check:   true,
		LogPath: logPath,
	})
	return err
}

// ListTar lists an archive's entries, surfacing truncation that the zstd
// self-test alone would miss.
func (t *Toolchain) ListTar(ctx context.Context, path, logPath string) error {
	_, err := t.runner.Run(ctx, execx.Spec{
		Argv:    []string{"tar", "-tf", path},
		Check:   true,
		LogPath: logPath,
	})
	return err
}

// ExtractTarZstAbsolute extracts an archive preserving absolute paths
// (tar -P). Destructive by design; callers gate it behind the typed
// confirmation.
func (t *Toolchain) ExtractTarZstAbsolute(ctx context.Context, path, logPath string) error {
	_, err := t.runner.Run(ctx, execx.Spec{
		Argv:    []string{"tar", "--zstd", "-xf", path, "-P"},
		Check:   true,
		LogPath: logPath,
	})
	return err
}

// TestGzip runs the gzip self-test on a compressed dump.
func (t *Toolchain) TestGzip(ctx context.Context, path, logPath string) error {
	_, err := t.runner.Run(ctx, execx.Spec{
		Argv:    []string{"gunzip", "-t", path},
		Check:   true,
		LogPath: logPath,
	})
	return err
}

// AgeRecipient derives the public recipient from the private key file.
func (t *Toolchain) AgeRecipient(ctx context.Context, keyFile string) (string, error) {
	res, err := t.runner.Run(ctx, execx.Spec{
		Argv:  []string{"age-keygen", "-y", keyFile},
		Check: true,
	})
	if err != nil {
		return "", fmt.Errorf("archive: derive age recipient: %w", err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// AgeEncrypt encrypts src to dst for the given recipient.
func (t *Toolchain) AgeEncrypt(ctx context.Context, recipient, dst, src, logPath string) error {
	_, err := t.runner.Run(ctx, execx.Spec{
		Argv:    []string{"age", "-r", recipient, "-o", dst, src},
		Check:   true,
		LogPath: logPath,
	})
	return err
}

// SHA256File streams path through sha256 and returns the hex digest.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("archive: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
