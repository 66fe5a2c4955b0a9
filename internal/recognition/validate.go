package recognition

import (
	"fmt"
	"math"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/blinksync/syncbrain/internal/logger"
)

// references of two identities closer than this make matches ambiguous
const crossIdentitySimilarity = 0.98

// ValidationIssue is one finding of a gallery check
type ValidationIssue struct {
	Identity string `json:"identity,omitempty"`
	Message  string `json:"message"`
}

// ValidationReport is the outcome of ValidateGalleryFile. Errors make the
// file unusable or break matching, warnings only weaken it.
type ValidationReport struct {
	Path       string            `json:"path"`
	Valid      bool              `json:"valid"`
	Identities int               `json:"identities"`
	References int               `json:"references"`
	Dimension  int               `json:"dimension"`
	Errors     []ValidationIssue `json:"errors"`
	Warnings   []ValidationIssue `json:"warnings"`
}

func (r *ValidationReport) fail(identity, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationIssue{Identity: identity, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationReport) warn(identity, format string, args ...any) {
	r.Warnings = append(r.Warnings, ValidationIssue{Identity: identity, Message: fmt.Sprintf(format, args...)})
}

// ValidateGalleryFile checks a gallery file for consistency without loading
// it, so it also reports what LoadGallery would refuse. Only an unreadable
// file is returned as an error.
func ValidateGalleryFile(path string) (*ValidationReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, galleryError(err, "validate")
	}

	report := &ValidationReport{Path: path}
	var file galleryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		report.fail("", "not a gallery file: %v", err)
		return report, nil
	}
	if file.Version > galleryVersion {
		report.fail("", "version %d is newer than supported %d", file.Version, galleryVersion)
	}

	seen := make(map[string]bool, len(file.Identities))
	for i := range file.Identities {
		checkIdentity(report, &file.Identities[i], seen)
	}
	checkCrossIdentity(report, file.Identities)

	report.Identities = len(seen)
	report.Valid = len(report.Errors) == 0
	GetLogger().Debug("gallery validated",
		logger.String("path", path),
		logger.Int("errors", len(report.Errors)),
		logger.Int("warnings", len(report.Warnings)))
	return report, nil
}

func checkIdentity(r *ValidationReport, id *Identity, seen map[string]bool) {
	name := strings.TrimSpace(id.Name)
	switch {
	case name == "":
		r.fail("", "identity with an empty name")
	case strings.EqualFold(name, Unknown):
		r.fail(name, "%q is reserved", Unknown)
	case seen[name]:
		r.fail(name, "listed more than once, only the last entry is kept")
	}
	seen[name] = true

	if id.Threshold < 0 || id.Threshold > 1 {
		r.fail(name, "threshold %.3f outside 0..1", id.Threshold)
	}
	if len(id.Embeddings) == 0 {
		r.warn(name, "no reference embeddings, never matched")
	}

	for j, e := range id.Embeddings {
		r.References++
		switch {
		case len(e) == 0:
			r.fail(name, "embedding %d is empty", j)
			continue
		case r.Dimension == 0:
			r.Dimension = len(e)
		case len(e) != r.Dimension:
			r.fail(name, "embedding %d has %d values, gallery uses %d", j, len(e), r.Dimension)
			continue
		}
		if !finite(e) {
			r.fail(name, "embedding %d contains NaN or Inf", j)
			continue
		}
		if norm(e) == 0 {
			r.fail(name, "embedding %d is all zeros", j)
			continue
		}
		for k := range j {
			if slices.Equal(e, id.Embeddings[k]) {
				r.warn(name, "embedding %d duplicates embedding %d", j, k)
				break
			}
		}
	}
}

// checkCrossIdentity warns about references of different identities that
// the matcher can barely tell apart
func checkCrossIdentity(r *ValidationReport, ids []Identity) {
	for a := range ids {
		for b := a + 1; b < len(ids); b++ {
			if ids[a].Name == ids[b].Name {
				continue
			}
			if s, ok := closestPair(ids[a].Embeddings, ids[b].Embeddings, r.Dimension); ok && s >= crossIdentitySimilarity {
				r.warn(ids[a].Name, "reference nearly identical to %s (similarity %.3f)", ids[b].Name, s)
			}
		}
	}
}

func closestPair(as, bs [][]float32, dim int) (float64, bool) {
	best, found := -1.0, false
	for _, a := range as {
		if len(a) != dim || !finite(a) {
			continue
		}
		for _, b := range bs {
			if len(b) != dim || !finite(b) {
				continue
			}
			best, found = max(best, cosine(a, b)), true
		}
	}
	return best, found
}

func finite(e []float32) bool {
	for _, v := range e {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

func norm(e []float32) float64 {
	var sum float64
	for _, v := range e {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
