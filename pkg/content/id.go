package content

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Normalize returns the key with every field in Unicode NFC form, so that
// visually identical names written with different code points compare equal.
func (k NaturalKey) Normalize() NaturalKey {
	return NaturalKey{
		Species: norm.NFC.String(k.Species),
		Breed:   norm.NFC.String(k.Breed),
		Name:    norm.NFC.String(k.Name),
		Shelter: norm.NFC.String(k.Shelter),
	}
}

// ID derives the content-addressed identifier of the unit with this key:
// the SHA-256 of the RFC 8785 canonical JSON of the normalized key.
func (k NaturalKey) ID() (string, error) {
	raw, err := json.Marshal(k.Normalize())
	if err != nil {
		return "", fmt.Errorf("marshal natural key: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize natural key: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// ContentArtifactID derives the identifier of the association between a
// unit and the artifact stored at relativePath.
func ContentArtifactID(contentID, relativePath string) string {
	sum := sha256.Sum256([]byte(contentID + "\x00" + relativePath))
	return hex.EncodeToString(sum[:16])
}
