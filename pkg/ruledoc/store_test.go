package ruledoc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func unmarshalYAMLString(s string, m *Matcher) error {
	return yaml.Unmarshal([]byte(s), m)
}

const sayHelloYAML = `
responses:
  - when:
      request.name: "Tom"
    body:
      message: "Hi Tom"
    priority: 10
  - body:
      message: "Hello, stranger"
    priority: 0
`

func TestLoadAllParsesYAMLAndDerivesRuleKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Helloworld.Greeter.SayHello.yaml"), []byte(sayHelloYAML), 0o644))

	docs, report := LoadAll(dir)
	require.Empty(t, report.Errors)
	require.Contains(t, docs, "helloworld.greeter.sayhello")

	doc := docs["helloworld.greeter.sayhello"]
	require.Len(t, doc.Responses, 2)
	require.Equal(t, 10, doc.Responses[0].Priority)

	m := doc.Responses[0].When["request.name"]
	require.Equal(t, KindLiteral, m.Kind)
	require.Equal(t, "Tom", m.Literal)
}

func TestLoadAllRejectsDuplicateKeysAcrossExtensions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("responses: []\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"responses":[]}`), 0o644))

	docs, report := LoadAll(dir)
	require.Len(t, docs, 1)
	require.Len(t, report.Errors, 1)
}

func TestLoadAllCollectsErrorsButKeepsGoing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.yaml"), []byte("responses: []\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{not valid json`), 0o644))

	docs, report := LoadAll(dir)
	require.Contains(t, docs, "good")
	require.Len(t, report.Errors, 1)
}

func TestStoreSnapshotIsolatesFromConcurrentReplace(t *testing.T) {
	s := NewStore()
	s.Replace(map[string]*RuleDoc{"a.b.c": {}})
	snap := s.Snapshot()
	require.Len(t, snap, 1)

	s.Replace(map[string]*RuleDoc{"x.y.z": {}})
	// The earlier snapshot must be unaffected by the later Replace.
	require.Len(t, snap, 1)
	require.Len(t, s.Snapshot(), 1)
	_, ok := s.Lookup("X.Y.Z")
	require.True(t, ok)
}

func TestMatcherOperatorParsing(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		kind MatcherKind
	}{
		{"regex", `regex: "^Bearer "`, KindRegex},
		{"contains", `contains: "abc"`, KindContains},
		{"in", "in: [1, 2, 3]", KindIn},
		{"exists", "exists: true", KindExists},
		{"gt", "gt: 5", KindNumeric},
		{"eq", "eq: 3", KindEq},
		{"ne", "ne: 3", KindNe},
		{"not", "not:\n  eq: 3", KindNot},
		{"unknown-object", "foo: bar", KindUnknown},
		{"literal", `"plain"`, KindLiteral},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var m Matcher
			require.NoError(t, unmarshalYAMLString(tc.yaml, &m))
			require.Equal(t, tc.kind, m.Kind)
		})
	}
}
