package plugin

import (
	"context"
	"errors"
	"testing"

	"plume/model"
)

type fakePlugin struct {
	name   string
	params []Parameter
	result any
	err    error
}

func (p *fakePlugin) Name() string            { return p.name }
func (p *fakePlugin) Description() string     { return "fake " + p.name }
func (p *fakePlugin) Parameters() []Parameter { return p.params }
func (p *fakePlugin) Execute(ctx context.Context, args map[string]any) (any, error) {
	return p.result, p.err
}

// statusPlugin additionally implements StatusReporter.
type statusPlugin struct {
	fakePlugin
}

func (p *statusPlugin) PreparationDescription() string { return "Sharpening pencils" }
func (p *statusPlugin) RunningDescription() string     { return "Crunching numbers" }

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}

	r.Register(&fakePlugin{name: "alpha"})
	r.Register(&fakePlugin{name: "beta"})
	if r.Len() != 2 {
		t.Fatalf("expected 2 plugins, got %d", r.Len())
	}

	if _, ok := r.Get("alpha"); !ok {
		t.Error("expected alpha to be registered")
	}
	if _, ok := r.Get("gamma"); ok {
		t.Error("expected lookup miss for unregistered plugin")
	}

	// Re-registering replaces the plugin but keeps its position.
	r.Register(&fakePlugin{name: "alpha", result: "v2"})
	if r.Len() != 2 {
		t.Errorf("expected re-registration to keep count at 2, got %d", r.Len())
	}
	tools := r.Tools()
	if tools[0].Name != "alpha" || tools[1].Name != "beta" {
		t.Errorf("expected stable order [alpha beta], got %v", tools)
	}
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakePlugin{name: "alpha", result: "ok"})
	r.Register(&fakePlugin{name: "broken", err: errors.New("boom")})

	result, err := r.Execute(context.Background(), "alpha", nil)
	if err != nil || result != "ok" {
		t.Errorf("expected (ok, nil), got (%v, %v)", result, err)
	}

	if _, err := r.Execute(context.Background(), "broken", nil); err == nil {
		t.Error("expected plugin error to propagate")
	}

	_, err = r.Execute(context.Background(), "missing", nil)
	var unknownErr *model.UnknownToolError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("expected UnknownToolError, got %v", err)
	}
	if unknownErr.Name != "missing" {
		t.Errorf("expected tool name in error, got %q", unknownErr.Name)
	}
}

func TestRegistryTools(t *testing.T) {
	r := NewRegistry()
	if r.Tools() != nil {
		t.Error("expected nil tools for empty registry")
	}

	r.Register(&fakePlugin{
		name: "search",
		params: []Parameter{
			{Name: "q", Type: "string", Description: "query", Required: true},
			{Name: "lang", Type: "string", Description: "language", Enum: []string{"en", "de"}},
		},
	})

	tools := r.Tools()
	if len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(tools))
	}
	tool := tools[0]
	if tool.Name != "search" || tool.Description != "fake search" {
		t.Errorf("unexpected tool: %+v", tool)
	}
	if tool.InputSchema.Type != "object" {
		t.Errorf("expected object schema, got %q", tool.InputSchema.Type)
	}
	if len(tool.InputSchema.Properties) != 2 {
		t.Fatalf("expected 2 properties, got %d", len(tool.InputSchema.Properties))
	}
	if len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "q" {
		t.Errorf("expected required [q], got %v", tool.InputSchema.Required)
	}

	lang, ok := tool.InputSchema.Properties["lang"].(map[string]any)
	if !ok {
		t.Fatal("lang property not found")
	}
	enum, ok := lang["enum"].([]any)
	if !ok || len(enum) != 2 {
		t.Errorf("expected 2 enum values, got %v", lang["enum"])
	}
}

func TestRegistryStatusDescriptions(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakePlugin{name: "plain"})
	r.Register(&statusPlugin{fakePlugin: fakePlugin{name: "fancy"}})

	tests := []struct {
		name        string
		preparation string
		running     string
	}{
		{"plain", "Preparing plain...", "Running plain..."},
		{"fancy", "Sharpening pencils", "Crunching numbers"},
		{"unregistered", "Preparing unregistered...", "Running unregistered..."},
	}

	for _, tt := range tests {
		if got := r.PreparationDescription(tt.name); got != tt.preparation {
			t.Errorf("PreparationDescription(%q): expected %q, got %q", tt.name, tt.preparation, got)
		}
		if got := r.RunningDescription(tt.name); got != tt.running {
			t.Errorf("RunningDescription(%q): expected %q, got %q", tt.name, tt.running, got)
		}
	}
}
