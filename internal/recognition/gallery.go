package recognition

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
)

const galleryVersion = 1

// Identity is a known person with one or more reference embeddings
type Identity struct {
	Name           string      `yaml:"name"`
	Description    string      `yaml:"description,omitempty"`
	Threshold      float64     `yaml:"threshold,omitempty"` // 0 uses the global threshold
	Embeddings     [][]float32 `yaml:"embeddings,flow"`
	Images         []string    `yaml:"images,omitempty"`
	AddedAt        time.Time   `yaml:"added_at"`
	LastSeen       *time.Time  `yaml:"last_seen,omitempty"`
	DetectionCount int         `yaml:"detection_count"`
}

func (i *Identity) clone() Identity {
	c := *i
	c.Embeddings = make([][]float32, len(i.Embeddings))
	for n, e := range i.Embeddings {
		c.Embeddings[n] = slices.Clone(e)
	}
	c.Images = slices.Clone(i.Images)
	if i.LastSeen != nil {
		t := *i.LastSeen
		c.LastSeen = &t
	}
	return c
}

type galleryFile struct {
	Version    int        `yaml:"version"`
	UpdatedAt  time.Time  `yaml:"updated_at"`
	Identities []Identity `yaml:"identities"`
}

// IdentityStats summarises one gallery entry
type IdentityStats struct {
	Name           string     `json:"name"`
	References     int        `json:"references"`
	Threshold      float64    `json:"threshold,omitempty"`
	DetectionCount int        `json:"detection_count"`
	LastSeen       *time.Time `json:"last_seen,omitempty"`
}

// Gallery is the set of known identities. Safe for concurrent use.
type Gallery struct {
	mu         sync.RWMutex
	identities map[string]*Identity
	dim        int // embedding length, 0 while empty
	path       string
}

// NewGallery creates an empty gallery
func NewGallery() *Gallery {
	return &Gallery{identities: make(map[string]*Identity)}
}

// LoadGallery reads a gallery file. A missing file gives an empty gallery
// that saves to path.
func LoadGallery(path string) (*Gallery, error) {
	g := NewGallery()
	g.path = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		GetLogger().Warn("gallery not found, starting empty", logger.String("path", path))
		return g, nil
	}
	if err != nil {
		return nil, galleryError(err, "read")
	}

	var file galleryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, galleryError(fmt.Errorf("parse %s: %w", path, err), "parse")
	}
	if file.Version > galleryVersion {
		return nil, galleryError(fmt.Errorf("gallery version %d is newer than supported %d", file.Version, galleryVersion), "parse")
	}

	for i := range file.Identities {
		id := file.Identities[i]
		if err := g.validate(id.Name, id.Embeddings...); err != nil {
			return nil, err
		}
		if len(id.Embeddings) > 0 && g.dim == 0 {
			g.dim = len(id.Embeddings[0])
		}
		g.identities[id.Name] = &id
	}

	GetLogger().Info("gallery loaded",
		logger.String("path", path),
		logger.Int("identities", len(g.identities)))
	return g, nil
}

// Path is where Save writes by default
func (g *Gallery) Path() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.path
}

// Save writes the gallery atomically. An empty path uses the loaded path.
func (g *Gallery) Save(path string) error {
	g.mu.RLock()
	if path == "" {
		path = g.path
	}
	file := galleryFile{Version: galleryVersion, UpdatedAt: time.Now().UTC()}
	for _, name := range slices.Sorted(maps.Keys(g.identities)) {
		file.Identities = append(file.Identities, g.identities[name].clone())
	}
	g.mu.RUnlock()

	if path == "" {
		return galleryError(errors.NewStd("no gallery path"), "save")
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return galleryError(err, "marshal")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return galleryError(err, "save")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".gallery-*.tmp")
	if err != nil {
		return galleryError(err, "save")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return galleryError(err, "save")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return galleryError(err, "save")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return galleryError(err, "save")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return galleryError(err, "save")
	}

	g.mu.Lock()
	g.path = path
	g.mu.Unlock()
	return nil
}

func (g *Gallery) validate(name string, embeddings ...[]float32) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return galleryError(errors.NewStd("identity name is empty"), "validate")
	case strings.EqualFold(name, Unknown):
		return galleryError(fmt.Errorf("%q is reserved", Unknown), "validate")
	}
	for _, e := range embeddings {
		if len(e) == 0 {
			return galleryError(fmt.Errorf("identity %q has an empty embedding", name), "validate")
		}
		if g.dim != 0 && len(e) != g.dim {
			return galleryError(fmt.Errorf("identity %q embedding has %d values, gallery uses %d", name, len(e), g.dim), "validate")
		}
	}
	return nil
}

// Add appends a reference embedding to name, creating the identity if needed
func (g *Gallery) Add(name string, embedding []float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	name = strings.TrimSpace(name)
	if err := g.validate(name, embedding); err != nil {
		return err
	}
	if g.dim == 0 {
		g.dim = len(embedding)
	}

	id, ok := g.identities[name]
	if !ok {
		id = &Identity{Name: name, AddedAt: time.Now().UTC()}
		g.identities[name] = id
	}
	id.Embeddings = append(id.Embeddings, slices.Clone(embedding))
	return nil
}

// AddImage records the image a reference came from
func (g *Gallery) AddImage(name, imagePath string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.identities[name]; ok {
		id.Images = append(id.Images, imagePath)
	}
}

// SetThreshold sets a per-identity threshold, 0 restores the global one
func (g *Gallery) SetThreshold(name string, threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return galleryError(fmt.Errorf("threshold %g out of range", threshold), "set_threshold")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.identities[name]
	if !ok {
		return errors.Newf("identity %q not in gallery", name).
			Component("recognition").
			Category(errors.CategoryNotFound).
			Build()
	}
	id.Threshold = threshold
	return nil
}

// Remove deletes an identity and reports whether it existed
func (g *Gallery) Remove(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.identities[name]
	delete(g.identities, name)
	if len(g.identities) == 0 {
		g.dim = 0
	}
	return ok
}

// Identities returns the identity names in sorted order
func (g *Gallery) Identities() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Sorted(maps.Keys(g.identities))
}

// Get returns a copy of one identity
func (g *Gallery) Get(name string) (Identity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.identities[name]
	if !ok {
		return Identity{}, false
	}
	return id.clone(), true
}

// Len returns the number of identities
func (g *Gallery) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.identities)
}

// Stats returns per-identity statistics sorted by name
func (g *Gallery) Stats() []IdentityStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]IdentityStats, 0, len(g.identities))
	for _, name := range slices.Sorted(maps.Keys(g.identities)) {
		id := g.identities[name]
		s := IdentityStats{
			Name:           id.Name,
			References:     len(id.Embeddings),
			Threshold:      id.Threshold,
			DetectionCount: id.DetectionCount,
		}
		if id.LastSeen != nil {
			t := *id.LastSeen
			s.LastSeen = &t
		}
		out = append(out, s)
	}
	return out
}

// RecordSeen bumps the detection counters of the named identities
func (g *Gallery) RecordSeen(names []string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	at = at.UTC()
	for _, name := range names {
		id, ok := g.identities[name]
		if !ok {
			continue
		}
		id.DetectionCount++
		if id.LastSeen == nil || at.After(*id.LastSeen) {
			t := at
			id.LastSeen = &t
		}
	}
}

// reference is one embedding with its owner, used by the matcher
type reference struct {
	identity  string
	threshold float64
	embedding []float32
}

func (g *Gallery) references() []reference {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var refs []reference
	for _, id := range g.identities {
		for _, e := range id.Embeddings {
			refs = append(refs, reference{identity: id.Name, threshold: id.Threshold, embedding: e})
		}
	}
	return refs
}

func galleryError(err error, op string) error {
	return errors.New(err).
		Component("recognition").
		Category(errors.CategoryGallery).
		Context("operation", op).
		Build()
}
