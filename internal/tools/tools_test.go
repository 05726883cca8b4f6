package tools

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    []string
		wantErr bool
	}{
		{
			name: "openai format",
			data: `{"type":"function","function":{"name":"get_weather","description":"d","parameters":{"type":"object"}}}`,
			want: []string{"get_weather"},
		},
		{
			name: "bare object",
			data: `{"name":"set_volume","parameters":{"type":"object"}}`,
			want: []string{"set_volume"},
		},
		{
			name: "list",
			data: ` [{"type":"function","function":{"name":"a"}},{"name":"b"}]`,
			want: []string{"a", "b"},
		},
		{name: "missing name", data: `{"type":"function","function":{}}`, wantErr: true},
		{name: "other type", data: `{"type":"retrieval","name":"x"}`, wantErr: true},
		{name: "invalid json", data: `{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d tools, want %d", len(got), len(tt.want))
			}
			for i, name := range tt.want {
				if got[i].Name != name {
					t.Errorf("tool %d = %q, want %q", i, got[i].Name, name)
				}
			}
		})
	}
}

func TestParse_KeepsParameters(t *testing.T) {
	got, err := Parse([]byte(`{"type":"function","function":{"name":"f","description":"desc",
		"parameters":{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Description != "desc" {
		t.Errorf("description = %q", got[0].Description)
	}
	props, _ := got[0].Parameters["properties"].(map[string]any)
	if _, ok := props["city"]; !ok {
		t.Errorf("parameters = %v", got[0].Parameters)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b_device.json", `[{"name":"set_temperature"},{"name":"open_window"}]`)
	writeFile(t, dir, "a_weather.json", `{"type":"function","function":{"name":"get_weather"}}`)
	writeFile(t, dir, "c_dup.json", `{"name":"get_weather"}`)
	writeFile(t, dir, "d_broken.json", `{not json`)
	writeFile(t, dir, "notes.txt", `{"name":"ignored"}`)
	if err := os.Mkdir(filepath.Join(dir, "sub.json"), 0o700); err != nil {
		t.Fatal(err)
	}

	defs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	want := []string{"get_weather", "set_temperature", "open_window"}
	if len(defs) != len(want) {
		t.Fatalf("got %d tools: %+v", len(defs), defs)
	}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("tool %d = %q, want %q", i, defs[i].Name, name)
		}
	}
}

func TestLoadDir_Missing(t *testing.T) {
	defs, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil || defs != nil {
		t.Errorf("LoadDir(missing) = %v, %v; want nil, nil", defs, err)
	}
}
