package engine

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed coco.yaml
var cocoYAML []byte

// DefaultNames returns the 80 COCO class names YOLOv8 checkpoints ship with.
func DefaultNames() map[int]string {
	names, err := ParseNames(cocoYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded coco names: %v", err))
	}
	return names
}

// ParseNames accepts either an id -> name mapping or a plain list, the two
// shapes an Ultralytics data yaml uses for "names". A top-level "names" key
// is unwrapped when present.
func ParseNames(data []byte) (map[int]string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse names: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("parse names: empty document")
	}
	node := doc.Content[0]
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == "names" {
				node = node.Content[i+1]
				break
			}
		}
	}

	names := make(map[int]string)
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return nil, fmt.Errorf("parse names: %w", err)
		}
		for i, n := range list {
			names[i] = n
		}
	case yaml.MappingNode:
		var m map[int]string
		if err := node.Decode(&m); err != nil {
			return nil, fmt.Errorf("parse names: %w", err)
		}
		names = m
	default:
		return nil, fmt.Errorf("parse names: expected a list or a mapping")
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("parse names: no classes")
	}
	return names, nil
}

// LoadNames reads class names from path. An empty path yields DefaultNames,
// .yaml/.yml files go through ParseNames, anything else is one name per line.
func LoadNames(path string) (map[int]string, error) {
	if path == "" {
		return DefaultNames(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseNames(b)
	}
	lines := ReadLines(b)
	if len(lines) == 0 {
		return nil, fmt.Errorf("labels file %s is empty", path)
	}
	names := make(map[int]string, len(lines))
	for i, l := range lines {
		names[i] = l
	}
	return names, nil
}

// ReadLines splits b into non-empty lines, tolerating CRLF.
func ReadLines(b []byte) []string {
	raw := strings.Split(string(b), "\n")
	var lines []string
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// ClassID finds the id whose name equals target. A numeric target is taken
// as the id itself.
func ClassID(names map[int]string, target string) (int, bool) {
	for id, n := range names {
		if n == target {
			return id, true
		}
	}
	if id, err := strconv.Atoi(target); err == nil {
		return id, true
	}
	return 0, false
}
