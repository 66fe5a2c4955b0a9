package drive

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/blinksync/syncbrain/internal/errors"
)

// commandRunner runs an external command and returns its combined output
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// SystemMounter mounts the image with mount(8) and reads mount state from
// the kernel mount table.
type SystemMounter struct {
	options    string
	run        commandRunner
	flush      func() error
	partitions func(ctx context.Context) ([]disk.PartitionStat, error)
}

// NewSystemMounter creates a mounter passing options through to mount -o
func NewSystemMounter(options string) *SystemMounter {
	return &SystemMounter{
		options: options,
		run:     execRunner,
		flush:   flushFilesystems,
		partitions: func(ctx context.Context) ([]disk.PartitionStat, error) {
			return disk.PartitionsWithContext(ctx, true)
		},
	}
}

// Mount loop-mounts imagePath read-write at mountpoint
func (m *SystemMounter) Mount(ctx context.Context, imagePath, mountpoint string) error {
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return mountError(err, "create_mountpoint")
	}
	opts := "loop,rw"
	if m.options != "" {
		opts += "," + m.options
	}
	if out, err := m.run(ctx, "mount", "-t", "vfat", "-o", opts, imagePath, mountpoint); err != nil {
		return mountError(fmt.Errorf("mount: %w: %s", err, strings.TrimSpace(string(out))), "mount")
	}
	return nil
}

// Unmount flushes and unmounts mountpoint. Not being mounted is not an error.
func (m *SystemMounter) Unmount(ctx context.Context, mountpoint string) error {
	mounted, err := m.IsMounted(ctx, mountpoint)
	if err != nil {
		return err
	}
	if !mounted {
		return nil
	}
	if err := m.flush(); err != nil {
		return mountError(fmt.Errorf("sync: %w", err), "sync")
	}
	if out, err := m.run(ctx, "umount", mountpoint); err != nil {
		return mountError(fmt.Errorf("umount: %w: %s", err, strings.TrimSpace(string(out))), "unmount")
	}
	return nil
}

// IsMounted reports whether something is mounted at mountpoint
func (m *SystemMounter) IsMounted(ctx context.Context, mountpoint string) (bool, error) {
	parts, err := m.partitions(ctx)
	if err != nil {
		return false, mountError(err, "list_partitions")
	}
	want := filepath.Clean(mountpoint)
	for _, p := range parts {
		if filepath.Clean(p.Mountpoint) == want {
			return true, nil
		}
	}
	return false, nil
}

func mountError(err error, op string) error {
	return errors.New(err).
		Component("drive").
		Category(errors.CategoryMount).
		Context("operation", op).
		Build()
}
