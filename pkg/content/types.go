// Package content defines shelter content units ("animals") and the
// deduplication of declared content against the global content store.
package content

import (
	"fmt"
	"strings"
	"time"
)

// Sex is the recorded gender of an animal.
type Sex string

const (
	SexMale          Sex = "male"
	SexFemale        Sex = "female"
	SexHermaphrodite Sex = "hermaphrodite"
	SexUnknown       Sex = "unknown"
)

// Valid reports whether s is one of the known values.
func (s Sex) Valid() bool {
	switch s {
	case SexMale, SexFemale, SexHermaphrodite, SexUnknown:
		return true
	}
	return false
}

// Policy decides when artifact bytes are downloaded.
type Policy string

const (
	// PolicyImmediate fetches and stores artifact bytes during sync.
	PolicyImmediate Policy = "immediate"
	// PolicyOnDemand records the remote location only; bytes are fetched on first read.
	PolicyOnDemand Policy = "on_demand"
)

// ParsePolicy parses a policy name. Empty input yields PolicyImmediate.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyImmediate:
		return PolicyImmediate, nil
	case PolicyOnDemand, "on-demand", "ondemand":
		return PolicyOnDemand, nil
	default:
		return "", fmt.Errorf("unknown download policy %q", s)
	}
}

// NaturalKey is the real-world identity of an animal.
type NaturalKey struct {
	Species string `json:"species"`
	Breed   string `json:"breed"`
	Name    string `json:"name"`
	Shelter string `json:"shelter"`
}

func (k NaturalKey) String() string {
	return k.Species + "/" + k.Breed + "/" + k.Name + "@" + k.Shelter
}

// Attributes are the non-identity fields of an animal.
type Attributes struct {
	Age      int     `json:"age"`
	Sex      Sex     `json:"sex"`
	Weight   float64 `json:"weight"`
	Bio      string  `json:"bio"`
	Reserved bool    `json:"reserved"`
	Picture  string  `json:"picture"`
}

// DeclaredArtifact describes a blob that should live at RelativePath,
// fetched from URL. It only exists while a sync runs.
type DeclaredArtifact struct {
	URL          string
	RelativePath string
	Size         int64  // 0 when unknown
	Digest       string // "sha256:<hex>", empty when unknown
}

// Declared is a content unit as described by a remote, before it is
// resolved against the store.
type Declared struct {
	Key       NaturalKey
	Attrs     Attributes
	Artifacts []DeclaredArtifact
}

// Unit is a persisted animal. Units are write-once.
type Unit struct {
	ID        string     `json:"id"`
	Key       NaturalKey `json:"key"`
	Attrs     Attributes `json:"attributes"`
	CreatedAt time.Time  `json:"created_at"`
}

// ContentArtifact associates a unit with an artifact at a relative path.
// ArtifactDigest is empty while the artifact is deferred; RemoteURL and the
// expectations then carry what is needed to fetch it later.
type ContentArtifact struct {
	ID             string `json:"id"`
	ContentID      string `json:"content_id"`
	RelativePath   string `json:"relative_path"`
	ArtifactDigest string `json:"artifact,omitempty"`
	RemoteURL      string `json:"remote_url,omitempty"`
	ExpectedDigest string `json:"expected_digest,omitempty"`
	ExpectedSize   int64  `json:"expected_size,omitempty"`
}

// Deferred reports whether the artifact bytes have not been downloaded yet.
func (ca ContentArtifact) Deferred() bool {
	return ca.ArtifactDigest == ""
}

// Filter narrows a content listing. Empty fields match everything.
type Filter struct {
	Species string
	Breed   string
	Shelter string
	IDs     []string
}

// Match reports whether u satisfies the field filters.
func (f Filter) Match(u *Unit) bool {
	if f.Species != "" && f.Species != u.Key.Species {
		return false
	}
	if f.Breed != "" && f.Breed != u.Key.Breed {
		return false
	}
	if f.Shelter != "" && f.Shelter != u.Key.Shelter {
		return false
	}
	if len(f.IDs) > 0 {
		for _, id := range f.IDs {
			if id == u.ID {
				return true
			}
		}
		return false
	}
	return true
}
