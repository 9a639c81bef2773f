package ruledoc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// LoadError describes one rule file that failed to parse. Collected rather
// than aborting the whole load.
type LoadError struct {
	Path string
	Err  error
}

func (e LoadError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }

// LoadReport summarizes one LoadAll call.
type LoadReport struct {
	Loaded []string
	Errors []LoadError
}

// LoadAll reads rules/grpc/*.{yaml,json}-shaped files from ruleDir into a
// case-insensitive ruleKey -> RuleDoc map. The rule key is the filename
// stripped of its extension and lower-cased.
func LoadAll(ruleDir string) (map[string]*RuleDoc, *LoadReport) {
	report := &LoadReport{}
	out := map[string]*RuleDoc{}

	entries, err := doublestar.Glob(os.DirFS(ruleDir), "*.{yaml,yml,json}")
	if err != nil {
		return out, report
	}
	sort.Strings(entries)

	for _, name := range entries {
		path := filepath.Join(ruleDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			report.Errors = append(report.Errors, LoadError{Path: path, Err: err})
			continue
		}

		doc := &RuleDoc{}
		if strings.HasSuffix(name, ".json") {
			err = json.Unmarshal(data, doc)
		} else {
			err = yaml.Unmarshal(data, doc)
		}
		if err != nil {
			report.Errors = append(report.Errors, LoadError{Path: path, Err: err})
			continue
		}

		key := ruleKeyFromFilename(name)
		if _, dup := out[key]; dup {
			report.Errors = append(report.Errors, LoadError{Path: path, Err: fmt.Errorf("duplicate rule key %q", key)})
			continue
		}
		out[key] = doc
		report.Loaded = append(report.Loaded, key)
	}

	return out, report
}

func ruleKeyFromFilename(name string) string {
	base := name
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		if strings.HasSuffix(base, ext) {
			base = strings.TrimSuffix(base, ext)
			break
		}
	}
	return strings.ToLower(base)
}

// Store holds the current rule index behind an atomic pointer, so readers
// take a consistent snapshot by pointer rather than reading key-at-a-time
// while a reload is in flight.
type Store struct {
	current atomic.Pointer[map[string]*RuleDoc]
	mu      sync.Mutex // serializes Replace calls only
}

// NewStore creates a Store with an empty rule index.
func NewStore() *Store {
	s := &Store{}
	empty := map[string]*RuleDoc{}
	s.current.Store(&empty)
	return s
}

// Replace atomically swaps in a new rule index. Existing readers holding a
// snapshot from Snapshot() are unaffected.
func (s *Store) Replace(newMap map[string]*RuleDoc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newMap == nil {
		newMap = map[string]*RuleDoc{}
	}
	s.current.Store(&newMap)
}

// Snapshot returns the rule index in effect at the time of the call. The
// returned map must not be mutated by the caller.
func (s *Store) Snapshot() map[string]*RuleDoc {
	return *s.current.Load()
}

// Lookup returns the RuleDoc for a rule key, if present, from the current
// snapshot.
func (s *Store) Lookup(ruleKey string) (*RuleDoc, bool) {
	m := s.Snapshot()
	doc, ok := m[strings.ToLower(ruleKey)]
	return doc, ok
}
