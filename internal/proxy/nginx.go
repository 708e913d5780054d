package proxy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/siteops/internal/executor"
)

// configPlaceholder is replaced by the candidate file path in ValidateCommand.
const configPlaceholder = "{config}"

// NginxConfig configures the nginx adapter. ConfigPath is the live site
// file included from the main nginx.conf.
type NginxConfig struct {
	ConfigPath      string
	ValidateCommand []string
	ReloadCommand   []string
	Timeout         time.Duration
}

// Nginx implements Proxy by driving the nginx binary.
type Nginx struct {
	cfg    NginxConfig
	runner executor.Runner
	log    *zap.Logger
}

func NewNginx(cfg NginxConfig, runner executor.Runner, log *zap.Logger) *Nginx {
	if len(cfg.ValidateCommand) == 0 {
		cfg.ValidateCommand = []string{"nginx", "-t", "-q", "-c", configPlaceholder}
	}
	if len(cfg.ReloadCommand) == 0 {
		cfg.ReloadCommand = []string{"nginx", "-s", "reload"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Nginx{cfg: cfg, runner: runner, log: log}
}

// wrapperTemplate makes a standalone main config around a site file so that
// nginx -t can check it in isolation.
const wrapperTemplate = `pid %s;
error_log stderr;
events {}
http {
    include %s;
}
`

func (n *Nginx) Validate(ctx context.Context, config []byte) (string, error) {
	dir, err := os.MkdirTemp("", "siteops-nginx-")
	if err != nil {
		return "", fmt.Errorf("failed to create validation dir: %w", err)
	}
	defer os.RemoveAll(dir)

	site := filepath.Join(dir, "site.conf")
	if err := os.WriteFile(site, config, 0o644); err != nil {
		return "", err
	}
	main := filepath.Join(dir, "nginx.conf")
	wrapper := fmt.Sprintf(wrapperTemplate, filepath.Join(dir, "nginx.pid"), site)
	if err := os.WriteFile(main, []byte(wrapper), 0o644); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()
	res, err := n.runner.Run(ctx, substitute(n.cfg.ValidateCommand, main)...)
	return res.Output, err
}

func (n *Nginx) Activate(ctx context.Context, config []byte) error {
	live := n.cfg.ConfigPath
	previous, err := os.ReadFile(live)
	hadPrevious := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read %s: %w", live, err)
	}

	if err := writeAtomic(live, config); err != nil {
		return err
	}
	if err := n.reload(ctx); err != nil {
		n.log.Error("proxy reload failed, restoring previous config", zap.String("path", live), zap.Error(err))
		var restoreErr error
		if hadPrevious {
			restoreErr = writeAtomic(live, previous)
		} else {
			restoreErr = os.Remove(live)
		}
		if restoreErr == nil {
			restoreErr = n.reload(ctx)
		}
		return errors.Join(err, restoreErr)
	}
	return nil
}

func (n *Nginx) Current(context.Context) ([]byte, error) {
	b, err := os.ReadFile(n.cfg.ConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

func (n *Nginx) reload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()
	_, err := n.runner.Run(ctx, n.cfg.ReloadCommand...)
	return err
}

// writeAtomic replaces path via a temp file in the same directory, so the
// live file is always either the old or the new content.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to activate %s: %w", path, err)
	}
	return nil
}

func substitute(argv []string, path string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = strings.ReplaceAll(a, configPlaceholder, path)
	}
	return out
}
