// Package directory serves the dev server's autocomplete corpus: users,
// materials and topics loaded from a YAML file, ranked prefix-first.
package directory

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/campuschat/internal/rest"
)

type userEntry struct {
	ID                 int64  `yaml:"id"`
	Name               string `yaml:"name"`
	RegistrationNumber string `yaml:"registration_number"`
	AvatarURL          string `yaml:"profile_picture"`
}

type materialEntry struct {
	ID           int64  `yaml:"id"`
	Title        string `yaml:"title"`
	MaterialType string `yaml:"material_type"`
	SourceScope  string `yaml:"source_scope"`
}

type fileFormat struct {
	Users     []userEntry     `yaml:"users"`
	Materials []materialEntry `yaml:"materials"`
	Topics    []string        `yaml:"topics"`
}

// Directory holds the lookup corpus in memory.
type Directory struct {
	users     []userEntry
	materials []materialEntry
	topics    []string
}

// Load reads the corpus from a YAML file.
func Load(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("directory: read %s: %w", path, err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("directory: parse %s: %w", path, err)
	}
	return &Directory{users: f.Users, materials: f.Materials, topics: f.Topics}, nil
}

// New builds a directory from in-memory entries (used by tests).
func New(users []rest.Candidate, materials []rest.Candidate, topics []string) *Directory {
	d := &Directory{topics: topics}
	for _, u := range users {
		d.users = append(d.users, userEntry{ID: u.ID, Name: u.Name, RegistrationNumber: u.RegistrationNumber, AvatarURL: u.AvatarURL})
	}
	for _, m := range materials {
		d.materials = append(d.materials, materialEntry{ID: m.ID, Title: m.Title, MaterialType: m.MaterialType, SourceScope: m.SourceScope})
	}
	return d
}

// rank orders candidates: prefix matches before substring matches, each
// bucket alphabetical. A non-matching name ranks -1 (excluded).
func rank(name, q string) int {
	name = strings.ToLower(name)
	switch {
	case q == "":
		return 1
	case strings.HasPrefix(name, q):
		return 0
	case strings.Contains(name, q):
		return 1
	default:
		return -1
	}
}

// Lookup returns ranked candidates for one of the rest.Lookup* entity types.
func (d *Directory) Lookup(entityType, query string) []rest.Candidate {
	q := strings.ToLower(query)
	type scored struct {
		rank int
		key  string
		c    rest.Candidate
	}
	var hits []scored

	switch entityType {
	case rest.LookupUser:
		for _, u := range d.users {
			if r := rank(u.Name, q); r >= 0 {
				hits = append(hits, scored{r, strings.ToLower(u.Name), rest.Candidate{
					ID: u.ID, Name: u.Name, RegistrationNumber: u.RegistrationNumber, AvatarURL: u.AvatarURL,
				}})
			}
		}
	case rest.LookupMaterial:
		for _, m := range d.materials {
			if r := rank(m.Title, q); r >= 0 {
				hits = append(hits, scored{r, strings.ToLower(m.Title), rest.Candidate{
					ID: m.ID, Title: m.Title, MaterialType: m.MaterialType, SourceScope: m.SourceScope,
				}})
			}
		}
	case rest.LookupTopic:
		for _, t := range d.topics {
			if r := rank(t, q); r >= 0 {
				hits = append(hits, scored{r, strings.ToLower(t), rest.Candidate{Topic: t}})
			}
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].rank != hits[j].rank {
			return hits[i].rank < hits[j].rank
		}
		return hits[i].key < hits[j].key
	})
	out := make([]rest.Candidate, len(hits))
	for i, h := range hits {
		out[i] = h.c
	}
	return out
}
