// Package builtin registers the control- and data-flow task holders
// shipped with the engine: "sleep", "route" and "transform". Importing
// the package is enough to
// make them available in the default registry.
package builtin

import (
	"encoding/json"
	"fmt"
)

// decodeConfig maps an opaque template config onto a typed config
// struct through its JSON form.
func decodeConfig[T any](config map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(config)
	if err != nil {
		return out, fmt.Errorf("invalid config: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("invalid config: %w", err)
	}
	return out, nil
}
