package provider

import "testing"

func TestRegistry_GetAndAvailable(t *testing.T) {
	r := NewRegistry(NewClaudeProvider(), NewCodexProvider())

	if _, ok := r.Get("claude"); !ok {
		t.Error("expected claude provider to be registered")
	}
	if _, ok := r.Get("gemini"); ok {
		t.Error("gemini should not be registered")
	}
	// Available() depends on PATH contents in this environment, so only
	// assert it never panics and never reports an unregistered name.
	for _, name := range r.Available() {
		if _, ok := r.Get(name); !ok {
			t.Errorf("Available() reported unregistered provider %q", name)
		}
	}
}

func TestClaudeProvider_BuildHeadlessArgs(t *testing.T) {
	p := NewClaudeProvider()
	_, args := p.BuildHeadlessArgs(HeadlessOptions{Model: "opus", ResumeID: "u-1"})

	wantFlags := []string{"--input-format", "--output-format", "--model", "--resume"}
	for _, f := range wantFlags {
		if !containsString(args, f) {
			t.Errorf("args %v missing flag %q", args, f)
		}
	}
}

func TestClaudeProvider_ParseInitEvent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{"valid init", `{"type":"system","subtype":"init","session_id":"u-42"}`, "u-42", true},
		{"wrong type", `{"type":"assistant","subtype":"init","session_id":"u-42"}`, "", false},
		{"wrong subtype", `{"type":"system","subtype":"ready","session_id":"u-42"}`, "", false},
		{"missing session id", `{"type":"system","subtype":"init"}`, "", false},
		{"malformed json", `not json`, "", false},
	}

	p := NewClaudeProvider()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := p.ParseInitEvent([]byte(tt.raw))
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseInitEvent(%s) = (%q, %v), want (%q, %v)", tt.raw, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
