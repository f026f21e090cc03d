package proto

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Document markers delimiting a well-formed artifact body. The coordinator
// treats output without both markers as a template failure, and the
// validation gate re-checks them during structural validation.
const (
	BeginMarkerPrefix = "<!-- conductor:begin "
	BeginMarkerSuffix = " -->"
	EndMarker         = "<!-- conductor:end -->"

	// RequiresCompletionMarker flags a placeholder artifact that needs
	// human follow-up before the output set is usable.
	RequiresCompletionMarker = "<!-- conductor:requires-completion -->"
)

var referenceMarker = regexp.MustCompile(`<!-- conductor:ref ([A-Za-z0-9_.-]+) -->`)

// Artifact is the opaque output handle produced by one task.
type Artifact struct {
	ID          string    `json:"id"`
	TaskName    string    `json:"task_name"`
	Content     string    `json:"content"`
	References  []string  `json:"references,omitempty"` // task names this artifact depends on for consistency
	Placeholder bool      `json:"placeholder,omitempty"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewArtifact wraps raw collaborator output in document markers and seals
// it with a content checksum. References are parsed from ref markers
// embedded in the content.
func NewArtifact(taskName, body string) *Artifact {
	content := WrapDocument(taskName, body)
	return &Artifact{
		ID:         uuid.NewString(),
		TaskName:   taskName,
		Content:    content,
		References: ParseReferences(content),
		Checksum:   ChecksumContent(content),
		CreatedAt:  time.Now().UTC(),
	}
}

// WrapDocument surrounds a body with the begin/end document markers.
// Bodies that already carry both markers are returned unchanged.
func WrapDocument(taskName, body string) string {
	if WellFormed(body) {
		return body
	}
	return fmt.Sprintf("%s%s%s\n%s\n%s", BeginMarkerPrefix, taskName, BeginMarkerSuffix, body, EndMarker)
}

// WellFormed reports whether content carries a begin marker before an
// end marker, the minimal structural contract for an artifact.
func WellFormed(content string) bool {
	begin := strings.Index(content, BeginMarkerPrefix)
	end := strings.LastIndex(content, EndMarker)
	return begin >= 0 && end > begin
}

// ParseReferences extracts the task names referenced by ref markers.
func ParseReferences(content string) []string {
	matches := referenceMarker.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			refs = append(refs, m[1])
		}
	}
	return refs
}

// ChecksumContent computes the blake2b-256 digest of artifact content.
func ChecksumContent(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// WellFormed reports whether the artifact content satisfies the marker
// contract.
func (a *Artifact) WellFormed() bool {
	return WellFormed(a.Content)
}

// VerifyChecksum recomputes the artifact digest and compares it to the
// sealed one.
func (a *Artifact) VerifyChecksum() bool {
	return a.Checksum == ChecksumContent(a.Content)
}

// RequiresCompletion reports whether the artifact is flagged for human
// follow-up.
func (a *Artifact) RequiresCompletion() bool {
	return a.Placeholder || strings.Contains(a.Content, RequiresCompletionMarker)
}
