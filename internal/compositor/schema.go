package compositor

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// validateToolSchemas compiles every tool's advertised InputSchema as a
// JSON Schema document, sanity-checking it at mount time rather than at
// per-call argument-coercion time, which stays a tool server's own
// concern. A backend that advertises a malformed
// schema fails mount-time initialization with BackendInitFailed rather
// than surfacing confusing per-call errors later.
//
// Uses santhosh-tekuri/jsonschema/v5. Only the schemas themselves are
// checked; tool-call arguments are not validated against them anywhere in
// the compositor.
func validateToolSchemas(tools []Tool) error {
	for _, tool := range tools {
		if len(tool.InputSchema) == 0 {
			continue
		}
		c := jsonschema.NewCompiler()
		resourceName := "tool:" + tool.Name
		if err := c.AddResource(resourceName, bytes.NewReader(tool.InputSchema)); err != nil {
			return fmt.Errorf("tool %q: add schema resource: %w", tool.Name, err)
		}
		if _, err := c.Compile(resourceName); err != nil {
			return fmt.Errorf("tool %q: invalid input schema: %w", tool.Name, err)
		}
	}
	return nil
}
