package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/flowcanvas/companion/internal/core/ports"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

var ErrRemotePathEscapes = errors.New("sftp: path escapes models root")

// SFTPSink writes model files into the models directory of an engine running on another
// host. The connection is opened on first use and re-established after it drops.
type SFTPSink struct {
	ssh  *SSHClient
	root string

	mu   sync.Mutex
	conn *ssh.Client
	sftp *sftp.Client
}

var (
	_ ports.ModelSink     = (*SFTPSink)(nil)
	_ ports.SpaceReporter = (*SFTPSink)(nil)
)

func NewSFTPSink(client *SSHClient, root string) *SFTPSink {
	return &SFTPSink{ssh: client, root: path.Clean(root)}
}

func (s *SFTPSink) client(ctx context.Context) (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sftp != nil {
		if _, err := s.sftp.Getwd(); err == nil {
			return s.sftp, nil
		}
		s.closeLocked()
	}

	conn, err := s.ssh.ConnectWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: start sftp: %v", ErrSSHConnection, err)
	}
	s.conn = conn
	s.sftp = sc
	return sc, nil
}

func (s *SFTPSink) resolve(rel string) (string, error) {
	full := path.Join(s.root, rel)
	if full != s.root && !strings.HasPrefix(full, s.root+"/") {
		return "", fmt.Errorf("%w: %s", ErrRemotePathEscapes, rel)
	}
	return full, nil
}

func (s *SFTPSink) Create(ctx context.Context, rel string) (io.WriteCloser, error) {
	full, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	c, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.MkdirAll(path.Dir(full)); err != nil {
		return nil, fmt.Errorf("remote mkdir %s: %w", path.Dir(full), err)
	}
	f, err := c.Create(full)
	if err != nil {
		return nil, fmt.Errorf("remote create %s: %w", full, err)
	}
	return f, nil
}

func (s *SFTPSink) Rename(ctx context.Context, from, to string) error {
	src, err := s.resolve(from)
	if err != nil {
		return err
	}
	dst, err := s.resolve(to)
	if err != nil {
		return err
	}
	c, err := s.client(ctx)
	if err != nil {
		return err
	}
	return c.PosixRename(src, dst)
}

func (s *SFTPSink) Remove(ctx context.Context, rel string) error {
	full, err := s.resolve(rel)
	if err != nil {
		return err
	}
	c, err := s.client(ctx)
	if err != nil {
		return err
	}
	if err := c.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *SFTPSink) Exists(ctx context.Context, rel string) (bool, error) {
	full, err := s.resolve(rel)
	if err != nil {
		return false, err
	}
	c, err := s.client(ctx)
	if err != nil {
		return false, err
	}
	_, err = c.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// FreeSpace needs the statvfs@openssh.com extension on the server.
func (s *SFTPSink) FreeSpace(ctx context.Context) (uint64, error) {
	c, err := s.client(ctx)
	if err != nil {
		return 0, err
	}
	vfs, err := c.StatVFS(s.root)
	if err != nil {
		return 0, fmt.Errorf("remote statvfs %s: %w", s.root, err)
	}
	return vfs.FreeSpace(), nil
}

func (s *SFTPSink) Root() string {
	return s.ssh.Address() + ":" + s.root
}

func (s *SFTPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *SFTPSink) closeLocked() {
	if s.sftp != nil {
		_ = s.sftp.Close()
		s.sftp = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
