package datactx

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	agerrors "github.com/scottdavis/agentgraph/pkg/errors"
)

func sample() Context {
	return FromMap(map[string]any{
		"user": map[string]any{
			"name": "ada",
			"tags": []any{"x", "y"},
		},
		"count": 2.0,
		"empty": nil,
	})
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		want    []segment
		wantErr bool
	}{
		{name: "root", path: "", want: nil},
		{name: "dollar root", path: "$", want: nil},
		{name: "dotted", path: "a.b", want: []segment{{key: "a"}, {key: "b"}}},
		{name: "dollar prefix", path: "$.a", want: []segment{{key: "a"}}},
		{name: "index", path: "a[2].b", want: []segment{{key: "a"}, {index: 2, isIndex: true}, {key: "b"}}},
		{name: "leading index", path: "[0]", want: []segment{{index: 0, isIndex: true}}},
		{name: "empty segment", path: "a..b", wantErr: true},
		{name: "trailing dot", path: "a.", wantErr: true},
		{name: "negative index", path: "a[-1]", wantErr: true},
		{name: "non-integer index", path: "a[x]", wantErr: true},
		{name: "unterminated", path: "a[1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePath(tt.path)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(segment{})); diff != "" {
				t.Errorf("parsePath(%q) mismatch (-want +got):\n%s", tt.path, diff)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	c := sample().WithStep("fetch", map[string]any{"body": "hello", "items": []any{1.0, 2.0}})

	tests := []struct {
		name string
		src  DataFrom
		want any
		kind *ResolutionError
	}{
		{name: "literal", src: Literal("hi"), want: "hi"},
		{name: "prompt", src: Prompt(), want: "the prompt"},
		{name: "path", src: Path("user.name"), want: "ada"},
		{name: "indexed path", src: Path("user.tags[1]"), want: "y"},
		{name: "whole root", src: Path(""), want: sample().Root()},
		{name: "explicit null", src: Path("empty"), want: nil},
		{name: "step", src: StepOutput("fetch", "body"), want: "hello"},
		{name: "step index", src: StepOutput("fetch", "items[0]"), want: 1.0},
		{name: "missing key", src: Path("user.age"), kind: ErrNotFound},
		{name: "index out of range", src: Path("user.tags[5]"), kind: ErrNotFound},
		{name: "through null", src: Path("empty.x"), kind: ErrNotFound},
		{name: "missing step", src: StepOutput("nope", ""), kind: ErrNotFound},
		{name: "index on object", src: Path("user[0]"), kind: ErrTypeMismatch},
		{name: "key on array", src: Path("user.tags.first"), kind: ErrTypeMismatch},
		{name: "into scalar", src: Path("user.name.first"), kind: ErrTypeMismatch},
		{name: "bad path", src: Path("a..b"), kind: ErrInvalid},
		{name: "default on missing", src: Path("user.age").WithDefault(30.0), want: 30.0},
		{name: "default ignored when present", src: Path("user.name").WithDefault("x"), want: "ada"},
		{name: "default on missing step", src: StepOutput("nope", "").WithDefault("d"), want: "d"},
		{name: "default does not hide mismatch", src: Path("user[0]").WithDefault("d"), kind: ErrTypeMismatch},
		{name: "null default on missing", src: Path("user.age").WithDefault(nil), want: nil},
		{name: "null default on missing step", src: StepOutput("nope", "x").WithDefault(nil), want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.src, c, "the prompt")
			if tt.kind != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveIsReferentiallyTransparent(t *testing.T) {
	c := sample()
	before := c.Root()

	v1, err := Path("user").Resolve(c, "")
	require.NoError(t, err)
	v1.(map[string]any)["name"] = "mutated"

	v2, err := Path("user").Resolve(c, "")
	require.NoError(t, err)
	assert.Equal(t, "ada", v2.(map[string]any)["name"])
	assert.Equal(t, before, c.Root())
}

func TestResolutionErrorCodes(t *testing.T) {
	_, err := Path("missing").Resolve(New(), "")
	require.Error(t, err)
	assert.Equal(t, agerrors.ResourceNotFound, agerrors.CodeOf(err))

	_, err = Path("a[0]").Resolve(FromMap(map[string]any{"a": "s"}), "")
	assert.Equal(t, agerrors.TypeMismatch, agerrors.CodeOf(err))

	var re *ResolutionError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "a[0]", re.Path)
}

func TestApplyReplaceRoundTrip(t *testing.T) {
	paths := []string{"a", "a.b.c", "list[2]", "list[0].name", "user.name", ""}
	values := []any{"s", 1.0, true, nil, []any{"x"}, map[string]any{"k": "v"}}

	for _, p := range paths {
		for _, v := range values {
			out, err := Apply(ReplaceAt(p), v, sample())
			require.NoError(t, err, "path %q", p)
			got, err := out.Get(p)
			require.NoError(t, err, "path %q", p)
			assert.Equal(t, v, got, "path %q", p)
		}
	}
}

func TestApplyDoesNotModifyInput(t *testing.T) {
	c := sample()
	before := c.Root()

	_, err := Apply(ReplaceAt("user.name"), "grace", c)
	require.NoError(t, err)
	_, err = Apply(AppendTo("user.tags"), "z", c)
	require.NoError(t, err)
	_, err = Apply(MergeInto("user"), map[string]any{"age": 3.0}, c)
	require.NoError(t, err)

	assert.Equal(t, before, c.Root())
}

func TestApplyReplaceVivifies(t *testing.T) {
	out, err := Apply(ReplaceAt("a.b[1].c"), "deep", New())
	require.NoError(t, err)

	want := map[string]any{
		"a": map[string]any{
			"b": []any{nil, map[string]any{"c": "deep"}},
		},
	}
	if diff := cmp.Diff(want, out.Root()); diff != "" {
		t.Errorf("vivified tree mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyReplaceTypeMismatch(t *testing.T) {
	_, err := Apply(ReplaceAt("user.name.first"), "x", sample())
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = Apply(ReplaceAt("user[0]"), "x", sample())
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestApplyAppend(t *testing.T) {
	c := sample()

	out, err := Apply(AppendTo("user.tags"), "z", c)
	require.NoError(t, err)
	got, _ := out.Get("user.tags")
	assert.Equal(t, []any{"x", "y", "z"}, got)

	out, err = Apply(AppendTo("log"), "first", c)
	require.NoError(t, err)
	got, _ = out.Get("log")
	assert.Equal(t, []any{"first"}, got, "missing target becomes a one-element array")

	out, err = Apply(AppendTo("empty"), 1.0, c)
	require.NoError(t, err)
	got, _ = out.Get("empty")
	assert.Equal(t, []any{1.0}, got, "null target becomes a one-element array")

	_, err = Apply(AppendTo("user"), "z", c)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = Apply(AppendTo("nope.log"), "z", c)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyMerge(t *testing.T) {
	c := sample()

	out, err := Apply(MergeInto("user"), map[string]any{"name": "grace", "age": 3.0}, c)
	require.NoError(t, err)
	got, _ := out.Get("user")
	assert.Equal(t, map[string]any{"name": "grace", "age": 3.0, "tags": []any{"x", "y"}}, got)

	out, err = Apply(MergeInto("meta"), map[string]any{"k": "v"}, c)
	require.NoError(t, err)
	got, _ = out.Get("meta")
	assert.Equal(t, map[string]any{"k": "v"}, got)

	_, err = Apply(MergeInto("user"), "scalar", c)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = Apply(MergeInto("user.tags"), map[string]any{"k": "v"}, c)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestApplyNormalizesTypedValues(t *testing.T) {
	out, err := Apply(ReplaceAt("xs"), []string{"a", "b"}, New())
	require.NoError(t, err)
	got, err := out.Get("xs[1]")
	require.NoError(t, err)
	assert.Equal(t, "b", got)
}

func TestApplyAllOrdering(t *testing.T) {
	muts := []ContextMut{
		{From: Literal("first"), To: ReplaceAt("v")},
		{From: Path("v"), To: AppendTo("log")},
		{From: Prompt(), To: AppendTo("log")},
	}

	out, writes, err := ApplyAll(muts, New(), "p")
	require.NoError(t, err)
	require.Len(t, writes, 3)

	got, _ := out.Get("log")
	assert.Equal(t, []any{"first", "p"}, got)
}

func TestApplyAllIsAllOrNothing(t *testing.T) {
	c := sample()
	muts := []ContextMut{
		{From: Literal("written"), To: ReplaceAt("a")},
		{From: Path("missing"), To: ReplaceAt("b")},
	}

	out, writes, err := ApplyAll(muts, c, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, writes)
	assert.True(t, out.Equal(c))
	_, err = out.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplay(t *testing.T) {
	branch := New()
	muts := []ContextMut{
		{From: Literal("a"), To: AppendTo("out")},
		{From: Literal(map[string]any{"n": 1.0}), To: MergeInto("meta")},
	}
	_, writes, err := ApplyAll(muts, branch, "")
	require.NoError(t, err)

	parent := FromMap(map[string]any{"out": []any{"z"}})
	got, err := Replay(parent, writes)
	require.NoError(t, err)

	want := map[string]any{"out": []any{"z", "a"}, "meta": map[string]any{"n": 1.0}}
	if diff := cmp.Diff(want, got.Root()); diff != "" {
		t.Errorf("replayed tree mismatch (-want +got):\n%s", diff)
	}
}

func TestStepsAreCopyOnWrite(t *testing.T) {
	base := New()
	withA := base.WithStep("a", "out")

	_, ok := base.Step("a")
	assert.False(t, ok)
	v, ok := withA.Step("a")
	require.True(t, ok)
	assert.Equal(t, "out", v)

	without := withA.WithoutStep("a")
	_, ok = without.Step("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"a"}, withA.Steps())
}

func TestCloneIsIndependent(t *testing.T) {
	c := sample().WithStep("s", map[string]any{"k": "v"})
	clone := c.Clone()

	mutated, err := Apply(ReplaceAt("user.name"), "other", clone)
	require.NoError(t, err)

	name, _ := c.Get("user.name")
	assert.Equal(t, "ada", name)
	name, _ = mutated.Get("user.name")
	assert.Equal(t, "other", name)
	assert.True(t, c.Equal(clone))
}

func TestContextJSON(t *testing.T) {
	b, err := json.Marshal(sample())
	require.NoError(t, err)

	var back Context
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, back.Equal(sample()))

	b, err = json.Marshal(Context{})
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(b))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "plain <text>", Stringify("plain <text>"))
	assert.Equal(t, "3", Stringify(3.0))
	assert.JSONEq(t, `{"a":[1,"<b>"]}`, Stringify(map[string]any{"a": []any{1.0, "<b>"}}))
}

func TestParseSourceShorthand(t *testing.T) {
	tests := []struct {
		raw  any
		want DataFrom
	}{
		{raw: "$prompt", want: Prompt()},
		{raw: "$.user.name", want: Path("user.name")},
		{raw: "$", want: Path("")},
		{raw: "@fetch", want: StepOutput("fetch", "")},
		{raw: "@fetch.body.items[0]", want: StepOutput("fetch", "body.items[0]")},
		{raw: "hello", want: Literal("hello")},
		{raw: 42, want: Literal(42)},
		{raw: map[string]any{"path": "a.b", "default": "x"}, want: Path("a.b").WithDefault("x")},
		{raw: map[string]any{"path": "a.b", "default": nil}, want: Path("a.b").WithDefault(nil)},
		{raw: map[string]any{"step": "s", "path": "out"}, want: StepOutput("s", "out")},
		{raw: map[string]any{"literal": "$prompt"}, want: Literal("$prompt")},
		{raw: map[string]any{"prompt": true}, want: Prompt()},
	}

	for _, tt := range tests {
		got, err := ParseSource(tt.raw)
		require.NoError(t, err, "%v", tt.raw)
		assert.Equal(t, tt.want, got, "%v", tt.raw)
	}
}

func TestParseSourceRejectsAmbiguousMaps(t *testing.T) {
	bad := []map[string]any{
		{},
		{"literal": 1, "path": "a"},
		{"path": "a", "extra": true},
		{"prompt": false},
		{"step": ""},
		{"path": "a..b"},
	}
	for _, m := range bad {
		_, err := ParseSource(m)
		assert.Error(t, err, "%v", m)
	}
}

func TestContextMutYAML(t *testing.T) {
	doc := `
- from: $prompt
  to: question
- from: {step: fetch, path: body, default: ""}
  to: {path: log, mode: append}
- from: {literal: {k: v}}
  to: {path: meta, mode: MERGE}
- from: {path: missing, default: null}
  to: cleared
`
	var muts []ContextMut
	require.NoError(t, yaml.Unmarshal([]byte(doc), &muts))
	require.Len(t, muts, 4)

	assert.Equal(t, Prompt(), muts[0].From)
	assert.Equal(t, ReplaceAt("question"), muts[0].To)
	assert.Equal(t, StepOutput("fetch", "body").WithDefault(""), muts[1].From)
	assert.Equal(t, AppendTo("log"), muts[1].To)
	assert.Equal(t, Literal(map[string]any{"k": "v"}), muts[2].From)
	assert.Equal(t, MergeInto("meta"), muts[2].To)
	assert.Equal(t, Path("missing").WithDefault(nil), muts[3].From)
	v, err := muts[3].From.Resolve(New(), "")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestContextMutJSON(t *testing.T) {
	var m ContextMut
	require.NoError(t, json.Unmarshal([]byte(`{"from":"@a.b","to":{"path":"x","mode":"append"}}`), &m))
	assert.Equal(t, StepOutput("a", "b"), m.From)
	assert.Equal(t, AppendTo("x"), m.To)

	err := json.Unmarshal([]byte(`{"from":"x","to":{"path":"x","mode":"upsert"}}`), &m)
	assert.Error(t, err)
}
