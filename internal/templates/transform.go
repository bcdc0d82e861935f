package templates

import (
	"hostbroker/internal/domain/shared"
)

// applyTransformations normalizes a record after field remapping:
//
//   - a scalar subnet_ids becomes a one-element list,
//   - a tags string of the form "k1=v1;k2=v2" becomes a map,
//   - instance_type is derived from instance_types when absent, taking the
//     first key as declared in the template file.
func applyTransformations(record map[string]interface{}) {
	if subnet, ok := record["subnet_ids"].(string); ok {
		record["subnet_ids"] = []interface{}{subnet}
	}

	if raw, ok := record["tags"].(string); ok {
		if tags, err := shared.ParseTagString(raw); err == nil {
			record["tags"] = tags
		}
	}

	if types, ok := record["instance_types"].(fieldMap); ok && len(types.keys) > 0 {
		current, _ := record["instance_type"].(string)
		if current == "" {
			record["instance_type"] = types.keys[0]
		}
	}
}
