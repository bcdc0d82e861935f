package templates

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"hostbroker/internal/errors"

	"gopkg.in/yaml.v3"
)

// File stems in priority order. For a provider API named P the manager looks
// for Pinst_templates.*, Ptype_templates.*, Pprov_templates.* and finally the
// provider-neutral templates.*; higher priority wins per template id.
const (
	priorityInstance = 40
	priorityType     = 30
	priorityProvider = 20
	priorityShared   = 10
)

var templateExtensions = []string{".json", ".yml", ".yaml"}

type sourceFile struct {
	path     string
	priority int
}

// stemPriority returns the priority for a file stem, or 0 when the stem is
// not a template file for this provider API.
func stemPriority(stem, providerAPI string) int {
	switch stem {
	case providerAPI + "inst_templates":
		return priorityInstance
	case providerAPI + "type_templates":
		return priorityType
	case providerAPI + "prov_templates":
		return priorityProvider
	case "templates":
		return priorityShared
	}
	return 0
}

func isTemplateExtension(ext string) bool {
	for _, e := range templateExtensions {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

// IsTemplateFile reports whether a path names a template file for the given
// provider API. The file watcher uses it to decide whether a change should
// flush the cache.
func IsTemplateFile(path, providerAPI string) bool {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	if !isTemplateExtension(ext) {
		return false
	}
	return stemPriority(strings.TrimSuffix(base, ext), providerAPI) > 0
}

// discoverFiles lists the template files under the given directories, highest
// priority first. Ties between directories keep the scan order so extra paths
// can only add files that the main directory did not provide.
func discoverFiles(dirs []string, providerAPI string) ([]sourceFile, error) {
	var files []sourceFile
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Internal(errors.CodeTemplateParseFailed,
				fmt.Sprintf("reading template directory %s", dir)).WithCause(err).Build()
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			ext := filepath.Ext(name)
			if !isTemplateExtension(ext) {
				continue
			}
			priority := stemPriority(strings.TrimSuffix(name, ext), providerAPI)
			if priority == 0 {
				continue
			}
			files = append(files, sourceFile{path: filepath.Join(dir, name), priority: priority})
		}
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].priority > files[j].priority })
	return files, nil
}

// fieldMap is a decoded mapping with its keys in declaration order. Template
// records keep nested mappings in this form so derivations that depend on the
// declared order, such as the lead instance type of a heterogeneous template,
// survive decoding.
type fieldMap struct {
	keys  []string
	items map[string]interface{}
}

// MarshalJSON writes the mapping with its keys in declaration order.
func (m fieldMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(m.items[key])
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// loadRecords parses one template file into raw records with external field
// names. Files hold either a top-level list or an object with a "templates"
// list. JSON is parsed through the YAML decoder too (YAML is a superset) so
// both formats come back with mapping keys in declaration order.
func loadRecords(path string) ([]map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Validation(errors.CodeTemplateFileMissing,
			fmt.Sprintf("reading template file %s", path)).WithCause(err).Build()
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.Validation(errors.CodeTemplateParseFailed,
			fmt.Sprintf("parsing template file %s", path)).WithCause(err).Build()
	}
	doc, err := decodeNode(&root)
	if err != nil {
		return nil, errors.Validation(errors.CodeTemplateParseFailed,
			fmt.Sprintf("parsing template file %s", path)).WithCause(err).Build()
	}

	list, err := recordList(doc)
	if err != nil {
		return nil, errors.Validation(errors.CodeTemplateParseFailed,
			fmt.Sprintf("template file %s: %v", path, err)).Build()
	}
	return list, nil
}

// decodeNode converts a parsed node into plain values, keeping mappings as
// fieldMap so their key order is not lost.
func decodeNode(n *yaml.Node) (interface{}, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return decodeNode(n.Content[0])
	case yaml.MappingNode:
		fm := fieldMap{items: make(map[string]interface{}, len(n.Content)/2)}
		for i := 0; i+1 < len(n.Content); i += 2 {
			var key string
			if err := n.Content[i].Decode(&key); err != nil {
				return nil, err
			}
			value, err := decodeNode(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			if _, dup := fm.items[key]; !dup {
				fm.keys = append(fm.keys, key)
			}
			fm.items[key] = value
		}
		return fm, nil
	case yaml.SequenceNode:
		out := make([]interface{}, 0, len(n.Content))
		for _, item := range n.Content {
			v, err := decodeNode(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.AliasNode:
		return decodeNode(n.Alias)
	case yaml.ScalarNode:
		var v interface{}
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		// zero Kind: empty document
		return nil, nil
	}
}

func recordList(doc interface{}) ([]map[string]interface{}, error) {
	switch v := doc.(type) {
	case []interface{}:
		return recordsFrom(v)
	case fieldMap:
		wrapped, ok := v.items["templates"]
		if !ok {
			return nil, fmt.Errorf("expected a list of templates or a %q key", "templates")
		}
		inner, ok := wrapped.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%q must hold a list", "templates")
		}
		return recordsFrom(inner)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported top-level type %T", doc)
	}
}

func recordsFrom(items []interface{}) ([]map[string]interface{}, error) {
	records := make([]map[string]interface{}, 0, len(items))
	for i, item := range items {
		record, ok := item.(fieldMap)
		if !ok {
			return nil, fmt.Errorf("template entry %d is not an object", i)
		}
		records = append(records, record.items)
	}
	return records, nil
}
