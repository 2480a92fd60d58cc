package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/gisgate-go/fault"
)

type fakeLayer struct {
	name  string
	count int
}

func (l *fakeLayer) Attr(name string) (any, bool) {
	switch name {
	case "Name":
		return l.name, true
	case "FeatureCount":
		return l.count, true
	}
	return nil, false
}

type fakeProject struct {
	layers map[string]*fakeLayer
}

func (p *fakeProject) Attr(name string) (any, bool) {
	switch name {
	case "Title":
		return "demo", true
	case "Layer":
		return Callable(func(_ context.Context, args []any) (any, error) {
			id, _ := args[0].(string)
			l, ok := p.layers[id]
			if !ok {
				return nil, fault.NotFound("layer")
			}
			return l, nil
		}), true
	case "Layers":
		return Callable(func(_ context.Context, _ []any) (any, error) {
			return []string{"roads", "rivers"}, nil
		}), true
	}
	return nil, false
}

func newProject() *fakeProject {
	return &fakeProject{layers: map[string]*fakeLayer{
		"roads":  {name: "Roads", count: 42},
		"rivers": {name: "Rivers", count: 7},
	}}
}

func requireViolation(t *testing.T, err error, subtype string) {
	t.Helper()
	require.Error(t, err)
	fe, ok := fault.As(err)
	require.True(t, ok, "expected *fault.Error, got %T: %v", err, err)
	assert.Equal(t, fault.KindSandboxViolation, fe.Kind, fe.Error())
	if subtype != "" {
		assert.Equal(t, subtype, fe.Subtype, fe.Error())
	}
}

func TestExecAcceptsWhitelistedCode(t *testing.T) {
	ev := New(nil, WithBinding("project", newProject()))

	tests := []struct {
		name string
		src  string
		want any
	}{
		{"arithmetic into result", "result = 2 + 3*4", int64(14)},
		{"return", "x := 10\nreturn x * 2", int64(20)},
		{"float promotion", "return 1 + 0.5", 1.5},
		{"math import", "import \"math\"\nreturn math.Sqrt(16)", 4.0},
		{"math constant", "import \"math\"\nreturn math.Pi > 3", true},
		{"grouped imports", "import (\n\t\"math\"\n\t\"strings\"\n)\nreturn strings.ToUpper(\"a\") + str(math.Floor(1.7))", "A1"},
		{"for loop", "sum := 0\nfor i := 0; i < 10; i++ {\n\tsum += i\n}\nresult = sum", int64(45)},
		{"range over slice", "total := 0.0\nfor _, v := range []float64{1.5, 2.5} {\n\ttotal += v\n}\nreturn total", 4.0},
		{"range over int", "n := 0\nfor i := range 5 {\n\tn += i\n}\nreturn n", int64(10)},
		{"map literal", "m := map[string]any{\"a\": 1}\nm[\"b\"] = 2\nreturn len(m)", int64(2)},
		{"builtins", "return max(3, 9, 4) - min([]any{5, 2})", int64(7)},
		{"sorted", "return sorted([]any{3, 1, 2})", []any{int64(1), int64(2), int64(3)}},
		{"conversion", "return float64(7) / 2", 3.5},
		{"if else", "x := 5\nif x > 3 {\n\tresult = \"big\"\n} else {\n\tresult = \"small\"\n}", "big"},
		{"break", "n := 0\nfor {\n\tn++\n\tif n == 3 {\n\t\tbreak\n\t}\n}\nreturn n", int64(3)},
		{"host binding attribute", "return project.Title", "demo"},
		{"host method chain", "return project.Layer(\"roads\").FeatureCount", int64(42)},
		{"host list", "names := project.Layers()\nreturn len(names)", int64(2)},
		{"no result", "x := 1\nx++", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ev.Exec(context.Background(), tt.src, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckRejectsEscapes(t *testing.T) {
	ev := New(nil, WithBinding("project", newProject()))

	tests := []struct {
		name    string
		src     string
		subtype string
	}{
		{"dunder attribute chain", "x := 1\nreturn x.__class__.__bases__", "attribute"},
		{"dunder on binding", "return project.__class__", "attribute"},
		{"attribute not allowlisted", "return project.Delete", "attribute"},
		{"unknown builtin", "eval(\"1\")", "call"},
		{"unimported package", "os.Exit(1)", "attribute"},
		{"forbidden import", "import \"os\"\nos.Exit(1)", "import"},
		{"aliased import", "import m \"math\"\nreturn m.Sqrt(4)", "import"},
		{"dot import", "import . \"math\"\nreturn Sqrt(4)", "import"},
		{"func literal", "f := func() int { return 1 }", "node"},
		{"goroutine", "go print(1)", "node"},
		{"defer", "defer print(1)", "node"},
		{"channel", "c := make(chan int)", "call"},
		{"var decl", "var x = 1\nreturn x", "node"},
		{"switch", "switch 1 {\n}", "node"},
		{"goto", "goto end\nend:", "node"},
		{"type assertion", "x := 1\nreturn x.(int)", "node"},
		{"address of", "x := 1\nreturn &x", "node"},
		{"computed callee", "return (len)(\"abc\")", "call"},
		{"uncalled module func", "import \"math\"\nf := math.Sqrt", "call"},
		{"uncalled builtin", "f := len", "call"},
		{"undefined name", "return y", "name"},
		{"assign to binding", "project = 1", "name"},
		{"shadow builtin", "len := 1", "name"},
		{"struct literal", "x := struct{}{}", "node"},
		{"escaping the wrapper", "}\nfunc evil() {", "node"},
		{"syntax error", "x := ", "syntax"},
		{"labelled break", "for {\n\tbreak outer\n}", "node"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireViolation(t, ev.Check(tt.src), tt.subtype)

			_, err := ev.Exec(context.Background(), tt.src, nil)
			requireViolation(t, err, tt.subtype)
		})
	}
}

func TestSourceLengthCheckedBeforeParsing(t *testing.T) {
	ev := New(NewPolicy(PolicyConfig{MaxSourceLength: 10}))
	requireViolation(t, ev.Check("result = 1 + 2 + 3"), "too_long")
}

func TestRuntimeErrorsCarryLine(t *testing.T) {
	ev := New(nil)
	_, err := ev.Exec(context.Background(), "x := 0\nreturn 1 / x", nil)
	requireViolation(t, err, "runtime")
	assert.Contains(t, err.Error(), "line 2")
	assert.Contains(t, err.Error(), "division by zero")
}

func TestHostErrorsPassThrough(t *testing.T) {
	ev := New(nil, WithBinding("project", newProject()))
	_, err := ev.Exec(context.Background(), "return project.Layer(\"nope\")", nil)
	assert.True(t, fault.IsKind(err, fault.KindNotFound), "got %v", err)
}

func TestTimeout(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.MaxEvalTime = 50 * time.Millisecond
	cfg.MaxSteps = 1 << 40
	ev := New(NewPolicy(cfg))

	start := time.Now()
	_, err := ev.Exec(context.Background(), "for {\n}", nil)
	assert.True(t, fault.IsKind(err, fault.KindSandboxTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStepLimit(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.MaxSteps = 1000
	ev := New(NewPolicy(cfg))

	_, err := ev.Exec(context.Background(), "n := 0\nfor {\n\tn++\n}", nil)
	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.KindSandboxTimeout, fe.Kind)
	assert.Equal(t, "step_limit", fe.Subtype)
}

func TestCancellation(t *testing.T) {
	ev := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ev.Exec(ctx, "for {\n}", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunCollectsOutput(t *testing.T) {
	ev := New(nil)
	out, err := ev.Run(context.Background(), "print(\"hello\", 1)\nprint([]any{1, \"a\"})", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello 1", `[1,"a"]`}, out.Output)
	assert.Greater(t, out.Steps, 0)
}

const sharedDoubling = "a := []any{1}\nfor i := 0; i < 48; i++ {\n\ta = []any{a, a}\n}\n"

func requireBounded(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	fe, ok := fault.As(err)
	require.True(t, ok, "expected *fault.Error, got %T: %v", err, err)
	assert.Contains(t, []fault.Kind{fault.KindSandboxViolation, fault.KindSandboxTimeout}, fe.Kind, fe.Error())
}

func TestSharedSublistsDoNotAmplify(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.MaxEvalTime = 200 * time.Millisecond
	ev := New(NewPolicy(cfg))

	tests := []struct {
		name string
		src  string
	}{
		{"str", sharedDoubling + "return str(a)"},
		{"print", sharedDoubling + "print(a)"},
		{"strings join", "import \"strings\"\n" + sharedDoubling + "return strings.Join([]any{a}, \",\")"},
		{"returned", sharedDoubling + "return a"},
		{"result variable", sharedDoubling + "result = map[string]any{\"a\": a}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			_, err := ev.Run(context.Background(), tt.src, nil)
			requireBounded(t, err)
			assert.Less(t, time.Since(start), 5*time.Second)
		})
	}
}

func TestDisplayCapsDeepNesting(t *testing.T) {
	ev := New(nil)
	_, err := ev.Exec(context.Background(), "a := []any{}\nfor i := 0; i < 500; i++ {\n\ta = []any{a}\n}\nreturn str(a)", nil)
	requireViolation(t, err, "size")
}

func TestModestResultsStillReturned(t *testing.T) {
	ev := New(nil)
	out, err := ev.Run(context.Background(), "a := []any{1}\nfor i := 0; i < 4; i++ {\n\ta = []any{a, a}\n}\nprint(a)\nreturn a", nil)
	require.NoError(t, err)
	assert.Len(t, out.Value, 2)
	assert.Equal(t, "[[[[[1],[1]],[[1],[1]]],[[[1],[1]],[[1],[1]]]],[[[[1],[1]],[[1],[1]]],[[[1],[1]],[[1],[1]]]]]", out.Output[0])
}

func TestPrintOutputIsCapped(t *testing.T) {
	ev := New(nil)
	out, err := ev.Run(context.Background(), "import \"strings\"\ns := strings.Repeat(\"x\", 2000)\nfor i := 0; i < 1500; i++ {\n\tprint(s)\n}", nil)
	require.NoError(t, err)
	total := 0
	for _, line := range out.Output {
		total += len(line)
	}
	assert.LessOrEqual(t, total, maxOutputBytes)
	assert.Less(t, len(out.Output), maxOutputLines)
}

func TestExecBindingsPerCall(t *testing.T) {
	ev := New(nil)
	got, err := ev.Exec(context.Background(), "return radius * 2", map[string]any{"radius": 21})
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)

	requireViolation(t, ev.Check("return radius * 2"), "name")
}

func TestPolicyIsFrozen(t *testing.T) {
	cfg := DefaultPolicyConfig()
	p := NewPolicy(cfg)
	cfg.AllowedModules = append(cfg.AllowedModules, "os")
	assert.False(t, p.AllowsModule("os"))

	snapshot := p.Config()
	snapshot.AllowedCallables[0] = "os.Exit"
	assert.False(t, p.AllowsCallable("os.Exit"))

	assert.True(t, p.AllowsCallable("math.Sqrt"))
	assert.True(t, p.AllowsCallable("len"))
	assert.True(t, p.AllowsModule("strings"))
}

func TestDisallowedModuleByPolicy(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.AllowedModules = []string{"math"}
	ev := New(NewPolicy(cfg))
	requireViolation(t, ev.Check("import \"strings\"\nreturn strings.ToUpper(\"a\")"), "import")
}
