package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	perrors "github.com/p-blackswan/calendar-archiver/internal/errors"
	"github.com/p-blackswan/calendar-archiver/internal/schedule"
)

// Source kinds
const (
	SourceICS     = "ics"
	SourceArchive = "archive"
)

// Modes
const (
	ModeAppend  = "append"
	ModeReplace = "replace"
)

// SourceDef describes where a definition reads items from.
type SourceDef struct {
	Kind     string `yaml:"kind"`
	Calendar string `yaml:"calendar"`
	URL      string `yaml:"url,omitempty"`
}

// Archive is one logical archive of a user: what to read, where to write, and how.
type Archive struct {
	User           string        `yaml:"user"`
	Name           string        `yaml:"name"`
	Source         SourceDef     `yaml:"source"`
	Destination    string        `yaml:"destination"`
	Mode           string        `yaml:"mode"`
	AllowOverlaps  bool          `yaml:"allow_overlaps"`
	MergeTolerance time.Duration `yaml:"merge_tolerance,omitempty"`
}

// SourceScope returns the concrete scope the archive reads from.
func (a Archive) SourceScope() schedule.Scope {
	return schedule.Scope{User: a.User, Calendar: a.Source.Calendar}
}

// DestinationScope returns the concrete scope the archive writes to.
func (a Archive) DestinationScope() schedule.Scope {
	return schedule.Scope{User: a.User, Calendar: a.Destination}
}

func (a *Archive) normalize() error {
	a.User = strings.TrimSpace(a.User)
	a.Name = strings.TrimSpace(a.Name)
	a.Mode = strings.ToLower(strings.TrimSpace(a.Mode))
	a.Source.Kind = strings.ToLower(strings.TrimSpace(a.Source.Kind))

	if a.User == "" || a.Name == "" {
		return fmt.Errorf("archive definition needs user and name")
	}
	if a.Mode == "" {
		a.Mode = ModeAppend
	}
	if a.Mode != ModeAppend && a.Mode != ModeReplace {
		return fmt.Errorf("archive %s/%s: unknown mode %q", a.User, a.Name, a.Mode)
	}
	if a.Source.Kind == "" {
		a.Source.Kind = SourceICS
	}
	switch a.Source.Kind {
	case SourceICS:
		if a.Source.URL == "" {
			return fmt.Errorf("archive %s/%s: ics source needs a url", a.User, a.Name)
		}
		if a.Source.Calendar == "" {
			a.Source.Calendar = a.Name
		}
	case SourceArchive:
		if a.Source.Calendar == "" {
			return fmt.Errorf("archive %s/%s: archive source needs a calendar", a.User, a.Name)
		}
	default:
		return fmt.Errorf("archive %s/%s: unknown source kind %q", a.User, a.Name, a.Source.Kind)
	}
	if a.Destination == "" {
		a.Destination = a.Name + "-archive"
	}
	if a.Destination == a.Source.Calendar {
		return fmt.Errorf("archive %s/%s: destination equals source calendar", a.User, a.Name)
	}
	if a.MergeTolerance < 0 {
		return fmt.Errorf("archive %s/%s: merge_tolerance must not be negative", a.User, a.Name)
	}
	return nil
}

// Archives is the set of archive definitions, keyed by user and name.
type Archives struct {
	defs map[string]Archive
}

type archivesFile struct {
	Archives []Archive `yaml:"archives"`
}

// LoadArchives reads definitions from a YAML file. A missing file yields an empty set.
func LoadArchives(path string) (*Archives, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Archives{defs: map[string]Archive{}}, nil
		}
		return nil, fmt.Errorf("reading archives file: %w", err)
	}
	return ParseArchives(data)
}

// ParseArchives parses and normalizes YAML definitions.
func ParseArchives(data []byte) (*Archives, error) {
	var f archivesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing archives file: %w", err)
	}
	return NewArchives(f.Archives...)
}

// NewArchives builds a set from definitions, normalizing each.
func NewArchives(defs ...Archive) (*Archives, error) {
	out := &Archives{defs: make(map[string]Archive, len(defs))}
	for _, a := range defs {
		if err := a.normalize(); err != nil {
			return nil, err
		}
		key := archiveKey(a.User, a.Name)
		if _, dup := out.defs[key]; dup {
			return nil, fmt.Errorf("duplicate archive definition %s/%s", a.User, a.Name)
		}
		out.defs[key] = a
	}
	return out, nil
}

// Resolve returns the definition for (user, name).
func (a *Archives) Resolve(user, name string) (Archive, error) {
	def, ok := a.defs[archiveKey(user, name)]
	if !ok {
		return Archive{}, fmt.Errorf("archive %s/%s: %w", user, name, perrors.ErrNotFound)
	}
	return def, nil
}

// ForUser lists a user's definitions.
func (a *Archives) ForUser(user string) []Archive {
	var out []Archive
	for _, def := range a.defs {
		if def.User == user {
			out = append(out, def)
		}
	}
	slices.SortFunc(out, func(x, y Archive) int { return strings.Compare(x.Name, y.Name) })
	return out
}

// Len returns the number of definitions.
func (a *Archives) Len() int { return len(a.defs) }

func archiveKey(user, name string) string { return user + "\x00" + name }
