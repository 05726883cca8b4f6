// Package tools loads function-calling tool definitions from a directory of
// JSON files.
//
// Each *.json file holds either one tool or a list of tools. A tool is
// written in the OpenAI chat format
//
//	{"type": "function", "function": {"name": ..., "description": ..., "parameters": {...}}}
//
// or as the bare function object {"name": ..., "description": ..., "parameters": {...}}.
package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/MrWong99/voicechat/pkg/provider/llm"
)

type rawTool struct {
	Type     string              `json:"type"`
	Function *llm.ToolDefinition `json:"function"`
	llm.ToolDefinition
}

func (r rawTool) definition() (llm.ToolDefinition, error) {
	def := r.ToolDefinition
	if r.Function != nil {
		def = *r.Function
	}
	if r.Type != "" && r.Type != "function" {
		return llm.ToolDefinition{}, fmt.Errorf("unsupported tool type %q", r.Type)
	}
	if def.Name == "" {
		return llm.ToolDefinition{}, errors.New("tool has no name")
	}
	return def, nil
}

// Parse decodes one file's content.
func Parse(data []byte) ([]llm.ToolDefinition, error) {
	data = bytes.TrimSpace(data)
	var raws []rawTool
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, err
		}
	} else {
		var one rawTool
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, err
		}
		raws = []rawTool{one}
	}

	defs := make([]llm.ToolDefinition, 0, len(raws))
	for i, r := range raws {
		def, err := r.definition()
		if err != nil {
			return nil, fmt.Errorf("tool %d: %w", i, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadDir loads every *.json file in dir, in file name order. A missing
// directory yields no tools. Files that fail to parse are logged and
// skipped; duplicate names keep the first definition.
func LoadDir(dir string) ([]llm.ToolDefinition, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("tools: directory does not exist", "dir", dir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tools: read dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	var (
		defs []llm.ToolDefinition
		seen = make(map[string]bool)
	)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			slog.Error("tools: failed to read file", "file", name, "err", err)
			continue
		}
		parsed, err := Parse(data)
		if err != nil {
			slog.Error("tools: failed to load file", "file", name, "err", err)
			continue
		}
		for _, d := range parsed {
			if seen[d.Name] {
				slog.Warn("tools: duplicate tool ignored", "file", name, "tool", d.Name)
				continue
			}
			seen[d.Name] = true
			defs = append(defs, d)
		}
		slog.Info("tools: loaded file", "file", name, "count", len(parsed))
	}
	slog.Info("tools: total loaded", "count", len(defs))
	return defs, nil
}
