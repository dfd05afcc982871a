// Package plugin defines the tool/plugin boundary of the completion engine.
//
// A plugin is an externally registered callable the model may invoke mid
// conversation. The engine only depends on the declared schema (name,
// description, typed parameters) and the Execute contract; what a plugin
// actually does is none of the engine's business.
//
// Plugin schemas are exchanged with the engine layer as MCP tool
// descriptors (mcp.Tool), which each engine then converts into its vendor's
// tool-schema type.
package plugin

import "context"

// Parameter describes one plugin parameter.
type Parameter struct {
	Name        string
	Type        string // JSON schema type: "string", "number", "boolean", ...
	Description string
	Enum        []string
	Required    bool
}

// Plugin is the contract an externally registered tool implements.
type Plugin interface {
	Name() string
	Description() string
	Parameters() []Parameter

	// Execute runs the plugin with parsed arguments and returns a
	// JSON-serializable result. An error is not fatal to the turn: it is
	// serialized into the tool-result message so the model can react.
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// StatusReporter is optionally implemented by plugins that want custom
// tool status lines in the UI while a call is prepared or running.
type StatusReporter interface {
	PreparationDescription() string
	RunningDescription() string
}
