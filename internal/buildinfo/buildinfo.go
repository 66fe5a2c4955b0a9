// Package buildinfo carries build-time metadata and the persistent node identifier
package buildinfo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// UnknownValue is reported for metadata that was not injected at build time
const UnknownValue = "unknown"

// Context contains build-time metadata that is not user-configurable
type Context struct {
	Version   string // git tag injected with -ldflags
	BuildDate string
	NodeID    string // stable per-installation identifier
}

// NewContext creates a build context
func NewContext(version, buildDate, nodeID string) *Context {
	return &Context{Version: version, BuildDate: buildDate, NodeID: nodeID}
}

func orUnknown(s string) string {
	if s == "" {
		return UnknownValue
	}
	return s
}

// GetVersion returns the version or "unknown"
func (c *Context) GetVersion() string {
	if c == nil {
		return UnknownValue
	}
	return orUnknown(c.Version)
}

// GetBuildDate returns the build date or "unknown"
func (c *Context) GetBuildDate() string {
	if c == nil {
		return UnknownValue
	}
	return orUnknown(c.BuildDate)
}

// GetNodeID returns the node identifier or "unknown"
func (c *Context) GetNodeID() string {
	if c == nil {
		return UnknownValue
	}
	return orUnknown(c.NodeID)
}

// LoadOrCreateNodeID reads the node identifier stored at path, creating a
// new random one on first run. A corrupt file is replaced.
func LoadOrCreateNodeID(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		if id, perr := uuid.Parse(strings.TrimSpace(string(data))); perr == nil {
			return id.String(), nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read node id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create node id directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write node id: %w", err)
	}
	return id, nil
}
