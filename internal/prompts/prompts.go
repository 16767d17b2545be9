// Package prompts loads the input work list: one imagine prompt per root job.
package prompts

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"loom/internal/services"
)

// document is the object form accepted by JSON and YAML files.
type document struct {
	Prompts []string `json:"prompts" yaml:"prompts"`
}

// Load reads prompts from path. The format follows the extension: .json and
// .yaml/.yml hold either a list of strings or an object with a prompts list,
// anything else is read as text with one prompt per line and # comments.
func Load(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	var list []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		list, err = decodeJSON(data)
	case ".yaml", ".yml":
		list, err = decodeYAML(data)
	default:
		list, err = decodeLines(data)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "prompts", "parse", filepath.Base(path), err)
	}
	return clean(list), nil
}

// Collect merges prompts from file (if set) with extra prompts given on the
// command line. An empty result is an error.
func Collect(file string, extra []string) ([]string, error) {
	var out []string
	if strings.TrimSpace(file) != "" {
		loaded, err := Load(file)
		if err != nil {
			return nil, err
		}
		out = append(out, loaded...)
	}
	out = append(out, clean(extra)...)
	if len(out) == 0 {
		return nil, services.Wrap(services.ErrValidation, "prompts", "collect", "no prompts supplied", nil)
	}
	return out, nil
}

func decodeJSON(data []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var doc document
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, err
		}
		return doc.Prompts, nil
	}
	var list []string
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func decodeYAML(data []byte) ([]string, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	root := node.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := root.Decode(&list); err != nil {
			return nil, err
		}
		return list, nil
	case yaml.MappingNode:
		var doc document
		if err := root.Decode(&doc); err != nil {
			return nil, err
		}
		return doc.Prompts, nil
	default:
		return nil, fmt.Errorf("expected a list or a mapping with prompts, got %s", kindName(root.Kind))
	}
}

func decodeLines(data []byte) ([]string, error) {
	var list []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		list = append(list, line)
	}
	return list, scanner.Err()
}

func clean(list []string) []string {
	out := make([]string, 0, len(list))
	for _, p := range list {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	case yaml.DocumentNode:
		return "document"
	default:
		return "unknown"
	}
}
