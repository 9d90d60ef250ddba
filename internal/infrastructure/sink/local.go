package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/flowcanvas/companion/internal/core/ports"
	"github.com/shirou/gopsutil/v3/disk"
)

var ErrPathEscapes = errors.New("sink: path escapes models root")

// Local writes model files below a directory on this machine.
type Local struct {
	root string
}

var (
	_ ports.ModelSink     = (*Local)(nil)
	_ ports.SpaceReporter = (*Local)(nil)
)

func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve models dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create models dir: %w", err)
	}
	return &Local{root: abs}, nil
}

func (l *Local) resolve(rel string) (string, error) {
	full := filepath.Join(l.root, filepath.FromSlash(rel))
	if full != l.root && !strings.HasPrefix(full, l.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, rel)
	}
	return full, nil
}

func (l *Local) Create(_ context.Context, rel string) (io.WriteCloser, error) {
	full, err := l.resolve(rel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	return os.Create(full)
}

func (l *Local) Rename(_ context.Context, from, to string) error {
	src, err := l.resolve(from)
	if err != nil {
		return err
	}
	dst, err := l.resolve(to)
	if err != nil {
		return err
	}
	return os.Rename(src, dst)
}

func (l *Local) Remove(_ context.Context, rel string) error {
	full, err := l.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (l *Local) Exists(_ context.Context, rel string) (bool, error) {
	full, err := l.resolve(rel)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// FreeSpace reports the bytes available on the filesystem holding the models root.
func (l *Local) FreeSpace(ctx context.Context) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, l.root)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", l.root, err)
	}
	return usage.Free, nil
}

func (l *Local) Root() string {
	return l.root
}

func (l *Local) Close() error {
	return nil
}
