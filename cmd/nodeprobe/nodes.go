package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"nodeprobe/node"
)

// loadNodes reads a node list. The file is either a bare list of node
// maps or an object holding one under "proxies" (Clash style) or "nodes".
// JSON is tried first unless the extension says YAML.
func loadNodes(path string) ([]node.Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc any
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		err = yaml.Unmarshal(raw, &doc)
	} else if err = json.Unmarshal(raw, &doc); err != nil {
		err = yaml.Unmarshal(raw, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("decode node list %s: %w", path, err)
	}

	items, err := nodeMaps(doc)
	if err != nil {
		return nil, fmt.Errorf("node list %s: %w", path, err)
	}
	nodes, err := node.FromMaps(items)
	if err != nil {
		skipped := len(items) - len(nodes)
		logrus.Warnf("[CLI] skipped %d malformed node(s), first: %v", skipped, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("node list %s: no usable nodes", path)
	}
	return nodes, nil
}

func nodeMaps(doc any) ([]map[string]any, error) {
	switch v := doc.(type) {
	case []any:
		return toMaps(v)
	case map[string]any:
		for _, key := range []string{"proxies", "nodes", "outbounds"} {
			if list, ok := v[key].([]any); ok {
				return toMaps(list)
			}
		}
		return nil, fmt.Errorf("no proxies, nodes or outbounds list found")
	default:
		return nil, fmt.Errorf("unexpected top-level %T", doc)
	}
}

func toMaps(list []any) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("entry %d is %T, want an object", i, item)
		}
		out = append(out, m)
	}
	return out, nil
}
