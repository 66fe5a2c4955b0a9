package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/conf"
)

type pipeConn struct {
	io.Reader
	io.WriteCloser
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// newPipeSFTPSource serves root through an in-process SFTP server
func newPipeSFTPSource(t *testing.T, root string) *SFTPSource {
	t.Helper()
	src := NewSFTPSource(conf.SFTPSettings{Host: "storage.local", Port: 22, Username: "pi", RemoteDir: root})
	src.dial = func(context.Context) (*sftp.Client, io.Closer, error) {
		clientRead, serverWrite := io.Pipe()
		serverRead, clientWrite := io.Pipe()

		server, err := sftp.NewServer(pipeConn{serverRead, serverWrite})
		if err != nil {
			return nil, nil, err
		}
		// the client's receive loop only ends once the server side hangs up
		go func() {
			_ = server.Serve()
			_ = serverWrite.Close()
		}()
		shutdown := closerFunc(func() error {
			_ = server.Close()
			_ = clientWrite.Close()
			_ = serverRead.Close()
			_ = serverWrite.Close()
			return clientRead.Close()
		})

		client, err := sftp.NewClientPipe(clientRead, clientWrite)
		if err != nil {
			_ = shutdown.Close()
			return nil, nil, err
		}
		return client, shutdown, nil
	}
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func TestSFTPSourceOperations(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeClip(t, root, "Blink/a.mp4", []byte("alpha"), baseTime)
	writeClip(t, root, "Blink/b.mp4", []byte("bravo!"), baseTime)
	writeClip(t, root, ".hidden/c.mp4", []byte("x"), baseTime)

	src := newPipeSFTPSource(t, root)
	ctx := context.Background()

	var files []SourceFile
	require.NoError(t, src.Walk(ctx, func(f SourceFile) error {
		files = append(files, f)
		return nil
	}))
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	require.Len(t, files, 2)
	assert.Equal(t, "Blink/a.mp4", files[0].RelPath)
	assert.Equal(t, int64(6), files[1].Size)
	assert.Equal(t, baseTime.Unix(), files[0].ModTime.Unix())

	rc, err := src.Open(ctx, "Blink/a.mp4")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "alpha", string(data))

	st, err := src.Stat(ctx, "Blink/b.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(6), st.Size)

	require.NoError(t, src.Remove(ctx, "Blink/a.mp4"))
	require.NoError(t, src.Remove(ctx, "Blink/a.mp4"), "removing a missing file is not an error")
	_, err = os.Stat(filepath.Join(root, "Blink", "a.mp4"))
	assert.True(t, os.IsNotExist(err))
}

func TestSFTPSourceCloseReturns(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeClip(t, root, "Blink/a.mp4", []byte("alpha"), baseTime)

	src := newPipeSFTPSource(t, root)
	_, err := src.Stat(context.Background(), "Blink/a.mp4")
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- src.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on the open connection")
	}

	// reconnects on demand after a close
	st, err := src.Stat(context.Background(), "Blink/a.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Size)
}

func TestAgentOverSFTP(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeClip(t, root, "Blink/a.mp4", []byte("remote clip"), baseTime)
	store := newTestStore(t)

	a := newTestAgent(t, testSettings(t), newPipeSFTPSource(t, root), store)
	sink := &recordingSink{}
	discovered, transferred, err := a.Cycle(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, 1, discovered)
	assert.Equal(t, 1, transferred)

	clip, err := store.GetClip(context.Background(), sink.IDs()[0])
	require.NoError(t, err)
	assert.Equal(t, catalog.TransferTransferred, clip.TransferStatus)
	assert.Equal(t, sha([]byte("remote clip")), clip.ContentHash)
}

func TestSFTPClientConfig(t *testing.T) {
	t.Parallel()

	_, err := NewSFTPSource(conf.SFTPSettings{Host: "h", Username: "pi"}).clientConfig()
	assert.ErrorContains(t, err, "no authentication method")

	_, err = NewSFTPSource(conf.SFTPSettings{Host: "h", Username: "pi", KeyFile: filepath.Join(t.TempDir(), "missing")}).clientConfig()
	assert.ErrorContains(t, err, "failed to read private key")

	_, err = NewSFTPSource(conf.SFTPSettings{
		Host: "h", Username: "pi", Password: "secret",
		KnownHostsFile: filepath.Join(t.TempDir(), "known_hosts"),
	}).clientConfig()
	assert.ErrorContains(t, err, "known_hosts")

	cfg, err := NewSFTPSource(conf.SFTPSettings{Host: "h", Username: "pi", Password: "secret"}).clientConfig()
	require.NoError(t, err)
	assert.Equal(t, "pi", cfg.User)
	assert.Len(t, cfg.Auth, 1)
}

func TestNewSource(t *testing.T) {
	t.Parallel()

	src, err := NewSource(&conf.TransferSettings{Source: conf.SourceLocal}, "/mnt/blink")
	require.NoError(t, err)
	assert.Equal(t, "local:/mnt/blink", src.String())

	src, err = NewSource(&conf.TransferSettings{Source: conf.SourceSFTP, SFTP: conf.SFTPSettings{Host: "storage", Username: "pi", RemoteDir: "/mnt/blink/"}}, "")
	require.NoError(t, err)
	assert.Equal(t, "sftp:pi@storage:/mnt/blink", src.String())

	_, err = NewSource(&conf.TransferSettings{Source: "ftp"}, "")
	assert.Error(t, err)
}
