// Package manifest reads and writes shelter manifests: JSON arrays of animal
// entries, each naming a picture stored next to the manifest.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ipanova/pulp-shelter/pkg/content"
)

// DefaultFile is the name a published manifest is stored under.
const DefaultFile = "shelter_manifest.json"

// Entry is one animal in a manifest document.
type Entry struct {
	Name     string      `json:"name"`
	Species  string      `json:"species"`
	Breed    string      `json:"breed"`
	Age      int         `json:"age"`
	Sex      content.Sex `json:"sex"`
	Weight   float64     `json:"weight"`
	Bio      string      `json:"bio"`
	Shelter  string      `json:"shelter"`
	Reserved bool        `json:"reserved"`
	Picture  string      `json:"picture"`
}

// wireEntry adds the optional integrity fields a remote may declare.
type wireEntry struct {
	Entry
	SHA256 string `json:"sha256,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// EntryFor builds the manifest entry of a unit.
func EntryFor(u *content.Unit) Entry {
	sex := u.Attrs.Sex
	if sex == "" {
		sex = content.SexUnknown
	}
	return Entry{
		Name:     u.Key.Name,
		Species:  u.Key.Species,
		Breed:    u.Key.Breed,
		Age:      u.Attrs.Age,
		Sex:      sex,
		Weight:   u.Attrs.Weight,
		Bio:      u.Attrs.Bio,
		Shelter:  u.Key.Shelter,
		Reserved: u.Attrs.Reserved,
		Picture:  u.Attrs.Picture,
	}
}

// Key returns the natural key of the entry.
func (e Entry) Key() content.NaturalKey {
	return content.NaturalKey{Species: e.Species, Breed: e.Breed, Name: e.Name, Shelter: e.Shelter}
}

// Attributes returns the non-identity fields of the entry.
func (e Entry) Attributes() content.Attributes {
	sex := e.Sex
	if sex == "" {
		sex = content.SexUnknown
	}
	return content.Attributes{
		Age:      e.Age,
		Sex:      sex,
		Weight:   e.Weight,
		Bio:      e.Bio,
		Reserved: e.Reserved,
		Picture:  e.Picture,
	}
}

// Encode serializes entries as a manifest document. An empty list encodes
// as "[]".
func Encode(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

const entrySchemaURL = "https://shelter.schemas.local/manifest/entry.schema.json"

const entrySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "species", "breed", "shelter", "picture"],
  "properties": {
    "name":     {"type": "string", "minLength": 1},
    "species":  {"type": "string", "minLength": 1},
    "breed":    {"type": "string", "minLength": 1},
    "shelter":  {"type": "string", "minLength": 1},
    "picture":  {"type": "string", "minLength": 1},
    "age":      {"type": "integer", "minimum": 0},
    "weight":   {"type": "number", "minimum": 0},
    "bio":      {"type": "string"},
    "reserved": {"type": "boolean"},
    "sex":      {"enum": ["male", "female", "hermaphrodite", "unknown"]},
    "sha256":   {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
    "size":     {"type": "integer", "minimum": 0}
  }
}`

var entrySchemaOnce = sync.OnceValues(compileEntrySchema)

// ValidateEntry checks e against the rules Reader applies to every manifest
// entry and returns it with its picture cleaned and its sex defaulted.
func ValidateEntry(e Entry) (Entry, error) {
	schema, err := entrySchemaOnce()
	if err != nil {
		return Entry{}, err
	}
	if e.Sex == "" {
		e.Sex = content.SexUnknown
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return Entry{}, err
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return Entry{}, err
	}
	if err := schema.Validate(doc); err != nil {
		return Entry{}, err
	}
	if e.Picture, err = cleanPicture(e.Picture); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// decodeDocument decodes raw for schema validation, keeping numbers exact.
func decodeDocument(raw []byte) (any, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func compileEntrySchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(entrySchemaURL, strings.NewReader(entrySchema)); err != nil {
		return nil, fmt.Errorf("manifest schema load failed: %w", err)
	}
	compiled, err := c.Compile(entrySchemaURL)
	if err != nil {
		return nil, fmt.Errorf("manifest schema compile failed: %w", err)
	}
	return compiled, nil
}
