package matcher

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/protoforge/mockgrpc/pkg/ruledoc"
)

func mustDoc(t *testing.T, s string) *ruledoc.RuleDoc {
	t.Helper()
	doc := &ruledoc.RuleDoc{}
	require.NoError(t, yaml.Unmarshal([]byte(s), doc))
	return doc
}

func TestSelectUnaryLiteralMatch(t *testing.T) {
	doc := mustDoc(t, `
responses:
  - when:
      request.name: "Tom"
    body:
      message: "Hi Tom"
    priority: 10
  - body:
      message: "Hello, stranger"
    priority: 0
`)
	root := Root(map[string]any{"name": "Tom"}, nil, nil)
	resp, ok := Select(doc, root)
	require.True(t, ok)
	require.Equal(t, map[string]any{"message": "Hi Tom"}, resp.Body)
}

// priority tie: first declared wins.
func TestSelectPriorityTieFirstWins(t *testing.T) {
	doc := mustDoc(t, `
responses:
  - when:
      request.x: 1
    body: { which: "first" }
    priority: 5
  - when:
      request.y: true
    body: { which: "second" }
    priority: 5
`)
	root := Root(map[string]any{"x": float64(1), "y": true}, nil, nil)
	resp, ok := Select(doc, root)
	require.True(t, ok)
	require.Equal(t, map[string]any{"which": "first"}, resp.Body)
}

// metadata regex with case-insensitive flag.
func TestSelectMetadataRegexCaseInsensitive(t *testing.T) {
	doc := mustDoc(t, `
responses:
  - when:
      metadata.authorization:
        regex: "^Bearer "
        flags: "i"
    body: { ok: true }
`)
	root := Root(map[string]any{}, map[string]string{"authorization": "bearer abc"}, nil)
	resp, ok := Select(doc, root)
	require.True(t, ok)
	require.Equal(t, map[string]any{"ok": true}, resp.Body)
}

func TestSelectGateFailureFallsBackToNoWhenResponses(t *testing.T) {
	doc := mustDoc(t, `
match:
  request:
    gatekey: "expected"
responses:
  - when:
      request.gatekey: "expected"
    body: { path: "gated" }
  - body: { path: "fallback" }
`)
	root := Root(map[string]any{"gatekey": "nope"}, nil, nil)
	resp, ok := Select(doc, root)
	require.True(t, ok)
	require.Equal(t, map[string]any{"path": "fallback"}, resp.Body)
}

func TestSelectEmptyResponsesYieldsNoCandidate(t *testing.T) {
	doc := &ruledoc.RuleDoc{}
	root := Root(map[string]any{}, nil, nil)
	_, ok := Select(doc, root)
	require.False(t, ok)
}

func TestSelectIsDeterministicAcrossRepeatedCalls(t *testing.T) {
	doc := mustDoc(t, `
responses:
  - when:
      request.name: "Tom"
    body: { message: "Hi Tom" }
    priority: 10
  - body: { message: "Hello, stranger" }
`)
	root := Root(map[string]any{"name": "Tom"}, nil, nil)
	first, _ := Select(doc, root)
	second, _ := Select(doc, root)
	require.Equal(t, first, second)
}

func TestNumericCoercionFailsOnNonNumericString(t *testing.T) {
	m := ruledoc.Matcher{Kind: ruledoc.KindNumeric, NumericOp: ruledoc.OpGT, NumericRHS: 0}
	require.False(t, Evaluate(m, "abc", true))
}

func TestShuffleProducesAPermutation(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	shuffled := append([]int(nil), items...)
	Shuffle(shuffled)
	require.ElementsMatch(t, items, shuffled)
}

func TestExistsOperatorTreatsAbsentAndNullAlike(t *testing.T) {
	root := Root(map[string]any{"present": nil}, nil, nil)

	absentVal, absentFound := Resolve("request.missing", root)
	require.False(t, Evaluate(ruledoc.Matcher{Kind: ruledoc.KindExists, ExistsWant: true}, absentVal, absentFound))

	nullVal, nullFound := Resolve("request.present", root)
	require.False(t, Evaluate(ruledoc.Matcher{Kind: ruledoc.KindExists, ExistsWant: true}, nullVal, nullFound))
}
