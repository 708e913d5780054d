package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig configures remote execution on the target host.
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	KeyFile        string
	KnownHostsFile string
	DialTimeout    time.Duration
}

// SSH runs commands on a remote host over a single, lazily dialled
// connection.
type SSH struct {
	cfg    SSHConfig
	client *ssh.ClientConfig
	log    *zap.Logger

	mu   sync.Mutex
	conn *ssh.Client
}

func NewSSH(cfg SSHConfig, log *zap.Logger) (*SSH, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	key, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}
	hostKeys, err := knownhosts.New(cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}

	return &SSH{
		cfg: cfg,
		client: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeys,
			Timeout:         cfg.DialTimeout,
		},
		log: log,
	}, nil
}

func (s *SSH) Run(ctx context.Context, argv ...string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("empty command")
	}
	conn, err := s.dial()
	if err != nil {
		return Result{}, err
	}
	session, err := conn.NewSession()
	if err != nil {
		s.reset()
		return Result{}, fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	var buf limitedBuffer
	session.Stdout = &buf
	session.Stderr = &buf

	start := time.Now()
	command := Quote(argv)
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return Result{Output: buf.String(), Duration: time.Since(start)}, fmt.Errorf("command %q: %w", command, ctx.Err())
	case err = <-done:
	}

	res := Result{Output: buf.String(), Duration: time.Since(start)}
	s.log.Debug("remote command finished",
		zap.String("host", s.cfg.Host),
		zap.String("command", command),
		zap.Duration("duration", res.Duration),
		zap.Error(err))
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, &ExitError{Command: command, ExitCode: res.ExitCode, Output: res.Output}
		}
		return res, fmt.Errorf("failed to run %q on %s: %w", command, s.cfg.Host, err)
	}
	return res, nil
}

func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *SSH) dial() (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	conn, err := ssh.Dial("tcp", addr, s.client)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	s.conn = conn
	return conn, nil
}

func (s *SSH) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
