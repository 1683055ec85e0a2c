package archive

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/snarg/tr-consumer/internal/config"
)

const (
	scpAttempts   = 3
	scpRetryDelay = 5 * time.Second
	sshTimeout    = 15 * time.Second
)

// SCPBackend uploads artifacts over SFTP to a remote web host. Retention
// sweeps run as find commands on the remote shell.
type SCPBackend struct {
	cfg config.SCPConfig
	log zerolog.Logger
}

func NewSCP(cfg config.SCPConfig, log zerolog.Logger) (*SCPBackend, error) {
	if cfg.Host == "" {
		return nil, errors.New("scp archive needs a host")
	}
	if cfg.PrivateKeyPath == "" && cfg.Password == "" {
		return nil, errors.New("scp archive needs a private key or password")
	}
	return &SCPBackend{
		cfg: cfg,
		log: log.With().Str("component", "archive-scp").Logger(),
	}, nil
}

func (s *SCPBackend) Type() string { return "scp" }

func (s *SCPBackend) UploadFile(ctx context.Context, src, dst, partition string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= scpAttempts; attempt++ {
		if err := s.put(src, dst); err != nil {
			lastErr = err
			s.log.Warn().Err(err).
				Int("attempt", attempt).
				Str("file", src).
				Msg("sftp upload attempt failed")
			if attempt < scpAttempts {
				select {
				case <-time.After(scpRetryDelay):
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			continue
		}
		return joinURL(s.cfg.BaseURL, partition, path.Base(dst)), nil
	}
	return "", fmt.Errorf("sftp upload %s after %d attempts: %w", src, scpAttempts, lastErr)
}

func (s *SCPBackend) put(src, dst string) error {
	client, err := s.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	sftpc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sftpc.Close()

	if err := sftpc.MkdirAll(path.Dir(dst)); err != nil {
		return fmt.Errorf("mkdir %s: %w", path.Dir(dst), err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := sftpc.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return out.Close()
}

// CleanFiles removes aged files and empty directories on the remote host.
// The remote find does not report a count.
func (s *SCPBackend) CleanFiles(ctx context.Context, root string, days int) (int, error) {
	client, err := s.dial()
	if err != nil {
		return 0, err
	}
	defer client.Close()

	commands := []string{
		fmt.Sprintf("find %s -type f -mtime +%d -exec rm -f {} \\;", root, days),
		fmt.Sprintf("find %s -type d -empty -exec rmdir {} \\;", root),
	}
	for _, cmd := range commands {
		sess, err := client.NewSession()
		if err != nil {
			return 0, fmt.Errorf("ssh session: %w", err)
		}
		out, err := sess.CombinedOutput(cmd)
		sess.Close()
		if err != nil {
			return 0, fmt.Errorf("remote cleanup %q: %w: %s", cmd, err, strings.TrimSpace(string(out)))
		}
	}
	return 0, nil
}

func (s *SCPBackend) dial() (*ssh.Client, error) {
	methods := s.authMethods()
	if len(methods) == 0 {
		return nil, errors.New("no usable ssh auth method")
	}

	conf := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshTimeout,
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)), conf)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", s.cfg.Host, err)
	}
	return client, nil
}

// authMethods prefers the configured key and falls back to the password
// when the key cannot be loaded.
func (s *SCPBackend) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if s.cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(s.cfg.PrivateKeyPath)
		if err != nil {
			s.log.Error().Err(err).Str("path", s.cfg.PrivateKeyPath).Msg("read private key failed")
		} else if signer, err := ssh.ParsePrivateKey(key); err != nil {
			s.log.Error().Err(err).Str("path", s.cfg.PrivateKeyPath).Msg("parse private key failed")
		} else {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if s.cfg.Password != "" {
		methods = append(methods, ssh.Password(s.cfg.Password))
	}

	return methods
}
