package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
)

// SFTPSource pulls clips from the storage node's mount over SSH. The
// connection is opened lazily and re-established after a failure.
type SFTPSource struct {
	settings conf.SFTPSettings
	root     string
	dial     func(ctx context.Context) (*sftp.Client, io.Closer, error)

	mu     sync.Mutex
	client *sftp.Client
	conn   io.Closer
}

// NewSFTPSource creates a source for the given settings
func NewSFTPSource(settings conf.SFTPSettings) *SFTPSource {
	s := &SFTPSource{
		settings: settings,
		root:     path.Clean(settings.RemoteDir),
	}
	s.dial = s.dialSSH
	return s
}

func (s *SFTPSource) String() string {
	return fmt.Sprintf("sftp:%s@%s:%s", s.settings.Username, s.settings.Host, s.root)
}

func (s *SFTPSource) clientConfig() (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{
		User:    s.settings.Username,
		Timeout: s.settings.Timeout,
	}

	switch {
	case s.settings.KeyFile != "":
		key, err := os.ReadFile(s.settings.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to parse private key: %w", err)
		}
		cfg.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case s.settings.Password != "":
		cfg.Auth = []ssh.AuthMethod{ssh.Password(s.settings.Password)}
	default:
		return nil, fmt.Errorf("sftp: no authentication method provided")
	}

	if s.settings.KnownHostsFile != "" {
		cb, err := knownhosts.New(s.settings.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to load known_hosts: %w", err)
		}
		cfg.HostKeyCallback = cb
	} else {
		GetLogger().Warn("sftp host key not verified, set transfer.sftp.knownhostsfile",
			logger.String("host", s.settings.Host))
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return cfg, nil
}

func (s *SFTPSource) dialSSH(ctx context.Context) (*sftp.Client, io.Closer, error) {
	cfg, err := s.clientConfig()
	if err != nil {
		return nil, nil, err
	}

	addr := net.JoinHostPort(s.settings.Host, fmt.Sprint(s.settings.Port))
	d := net.Dialer{Timeout: s.settings.Timeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("sftp: failed to connect: %w", err)
	}
	if s.settings.Timeout > 0 {
		_ = netConn.SetDeadline(time.Now().Add(s.settings.Timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		_ = netConn.Close()
		return nil, nil, fmt.Errorf("sftp: ssh handshake failed: %w", err)
	}
	_ = netConn.SetDeadline(time.Time{})
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, nil, fmt.Errorf("sftp: failed to create client: %w", err)
	}
	return client, sshClient, nil
}

// connect returns the open client, dialling when there is none
func (s *SFTPSource) connect(ctx context.Context) (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	client, conn, err := s.dial(ctx)
	if err != nil {
		return nil, errors.New(err).
			Component("transfer").
			Category(errors.CategoryNetwork).
			Context("operation", "sftp_connect").
			Build()
	}
	s.client, s.conn = client, conn
	return client, nil
}

// reset drops the connection after an error that may have broken it
func (s *SFTPSource) reset(err error) {
	if err == nil || os.IsNotExist(err) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *SFTPSource) closeLocked() error {
	var err error
	if s.client != nil {
		err = s.client.Close()
	}
	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil && err == nil && !strings.Contains(cerr.Error(), "closed") {
			err = cerr
		}
	}
	s.client, s.conn = nil, nil
	return err
}

// Close closes the connection
func (s *SFTPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *SFTPSource) remote(relPath string) string {
	return path.Join(s.root, relPath)
}

// Walk visits every regular file under the remote directory
func (s *SFTPSource) Walk(ctx context.Context, fn func(SourceFile) error) error {
	client, err := s.connect(ctx)
	if err != nil {
		return err
	}

	w := client.Walk(s.root)
	for w.Step() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.Err(); err != nil {
			s.reset(err)
			return err
		}
		p, info := w.Path(), w.Stat()
		if p != s.root && strings.HasPrefix(path.Base(p), ".") {
			if info.IsDir() {
				w.SkipDir()
			}
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, s.root), "/")
		if err := fn(SourceFile{RelPath: rel, Size: info.Size(), ModTime: info.ModTime()}); err != nil {
			return err
		}
	}
	return nil
}

// Stat returns the current size and modification time of a remote clip
func (s *SFTPSource) Stat(ctx context.Context, relPath string) (SourceFile, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return SourceFile{}, err
	}
	info, err := client.Stat(s.remote(relPath))
	if err != nil {
		s.reset(err)
		return SourceFile{}, err
	}
	return SourceFile{RelPath: relPath, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Open opens a remote clip for reading
func (s *SFTPSource) Open(ctx context.Context, relPath string) (io.ReadCloser, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	f, err := client.Open(s.remote(relPath))
	if err != nil {
		s.reset(err)
		return nil, err
	}
	return f, nil
}

// Remove deletes a remote clip. A file that is already gone is not an error.
func (s *SFTPSource) Remove(ctx context.Context, relPath string) error {
	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	if err := client.Remove(s.remote(relPath)); err != nil && !os.IsNotExist(err) {
		s.reset(err)
		return err
	}
	return nil
}

// NewSource builds the source configured in settings. mountpoint is used by
// the local source.
func NewSource(settings *conf.TransferSettings, mountpoint string) (Source, error) {
	switch settings.Source {
	case conf.SourceLocal:
		return NewLocalSource(mountpoint), nil
	case conf.SourceSFTP:
		return NewSFTPSource(settings.SFTP), nil
	}
	return nil, errors.Newf("unknown transfer source %q", settings.Source).
		Component("transfer").
		Category(errors.CategoryConfiguration).
		Build()
}
