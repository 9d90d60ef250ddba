package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

var (
	ErrSSHConnection     = errors.New("ssh: connection failed")
	ErrSSHAuthentication = errors.New("ssh: authentication failed")
)

type SSHConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	PrivateKey     string
	PrivateKeyPath string
	Timeout        time.Duration
	MaxRetries     int
}

type SSHClient struct {
	config SSHConfig
}

func NewSSHClient(cfg SSHConfig) *SSHClient {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &SSHClient{config: cfg}
}

func (c *SSHClient) Address() string {
	return fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
}

func (c *SSHClient) getAuthMethods() ([]ssh.AuthMethod, error) {
	var authMethods []ssh.AuthMethod

	key := c.config.PrivateKey
	if key == "" && c.config.PrivateKeyPath != "" {
		data, err := os.ReadFile(c.config.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: read private key: %v", ErrSSHAuthentication, err)
		}
		key = string(data)
	}
	if key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key", ErrSSHAuthentication)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if c.config.Password != "" {
		authMethods = append(authMethods, ssh.Password(c.config.Password))
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("%w: no credentials provided", ErrSSHAuthentication)
	}

	return authMethods, nil
}

// ConnectWithRetry dials the engine host, backing off linearly between attempts.
func (c *SSHClient) ConnectWithRetry(ctx context.Context) (*ssh.Client, error) {
	authMethods, err := c.getAuthMethods()
	if err != nil {
		return nil, err
	}

	sshConfig := &ssh.ClientConfig{
		User: c.config.User,
		Auth: authMethods,
		// The engine host is configured by the local user; there is no known_hosts to pin against.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.config.Timeout,
	}

	addr := c.Address()
	var connectErr error

	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		dialer := net.Dialer{
			Timeout:   c.config.Timeout,
			KeepAlive: 60 * time.Second,
		}

		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			connectErr = err
		} else {
			_ = conn.SetDeadline(time.Now().Add(c.config.Timeout))

			sc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
			if err != nil {
				conn.Close()
				connectErr = err
			} else {
				_ = conn.SetDeadline(time.Time{})
				return ssh.NewClient(sc, chans, reqs), nil
			}
		}

		if attempt < c.config.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrSSHConnection, ctx.Err())
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}

	errType := "connection failed"
	if errors.Is(connectErr, context.DeadlineExceeded) || (connectErr != nil && (strings.Contains(connectErr.Error(), "timeout") || strings.Contains(connectErr.Error(), "deadline"))) {
		errType = "connection timed out"
	}

	return nil, fmt.Errorf("%w: %s: %v (after %d attempts)", ErrSSHConnection, errType, connectErr, c.config.MaxRetries)
}
