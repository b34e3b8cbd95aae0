package compositor

import "testing"

func TestValidPrefix(t *testing.T) {
	cases := map[string]bool{
		"a":                  true,
		"a1":                 true,
		"a_b_c":              true,
		"":                   false,
		"1a":                 false,
		"_a":                 false,
		"Abc":                false,
		"a-b":                false,
		string(make([]byte, 51)): false,
	}
	for prefix, want := range cases {
		if got := validPrefix(prefix); got != want {
			t.Errorf("validPrefix(%q) = %v, want %v", prefix, got, want)
		}
	}
}

// Fully-qualified tool names round-trip through build/parse as long as the
// registry knows the owning prefix.
func TestBuildAndParseToolName(t *testing.T) {
	r := newRegistry()
	r.add("github")
	r.add("github_enterprise")

	name, err := buildToolName("github", "list_issues")
	if err != nil {
		t.Fatalf("buildToolName: %v", err)
	}
	if name != "github_list_issues" {
		t.Fatalf("got %q", name)
	}

	prefix, tool, ok := r.parseToolName(name)
	if !ok || prefix != "github" || tool != "list_issues" {
		t.Fatalf("parseToolName(%q) = %q, %q, %v", name, prefix, tool, ok)
	}
}

// parseToolName resolves against the earliest underscore whose left-hand
// side is a registered prefix, scanning left to right — so a shorter
// registered prefix that is itself a stem of a longer one wins. Mount
// prefixes are expected to be chosen so this ambiguity doesn't arise in
// practice; this test pins the actual, documented resolution order.
func TestParseToolNameEarliestRegisteredPrefixWins(t *testing.T) {
	r := newRegistry()
	r.add("github")
	r.add("github_enterprise")

	prefix, tool, ok := r.parseToolName("github_enterprise_list_issues")
	if !ok {
		t.Fatal("expected a match")
	}
	if prefix != "github" || tool != "enterprise_list_issues" {
		t.Fatalf("got prefix=%q tool=%q", prefix, tool)
	}
}

func TestParseToolNameUnknownPrefix(t *testing.T) {
	r := newRegistry()
	r.add("github")

	if _, _, ok := r.parseToolName("gitlab_list_issues"); ok {
		t.Fatal("expected no match for an unregistered prefix")
	}
}

func TestPrefixAndUnprefixResourceURI(t *testing.T) {
	got := prefixResourceURI("github", "resource://issues/42")
	want := "resource://github/issues/42"
	if got != want {
		t.Fatalf("prefixResourceURI: got %q want %q", got, want)
	}

	back, ok := unprefixResourceURI("github", got)
	if !ok || back != "resource://issues/42" {
		t.Fatalf("unprefixResourceURI: got %q, %v", back, ok)
	}

	if _, ok := unprefixResourceURI("gitlab", got); ok {
		t.Fatal("expected no match for a different prefix")
	}
}
