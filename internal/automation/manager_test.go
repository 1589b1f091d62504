//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Night Light", Description: "dim at night", Enabled: true},
		LuaCode: `hass.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "night_light" {
		t.Errorf("id = %q, want night_light", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if strings.TrimSpace(got.LuaCode) != `hass.log("hello")` {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
	if got.FilePath != filepath.Join(m.Dir(), "night_light.lua") {
		t.Errorf("path = %q", got.FilePath)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Save(&Script{Meta: ScriptMeta{Name: "A"}, LuaCode: "x = 1"})
	if err != nil {
		t.Fatal(err)
	}
	s.LuaCode = "x = 2"
	s.Meta.Enabled = true
	if _, err := m.Save(s); err != nil {
		t.Fatal(err)
	}

	list, _ := m.List()
	if len(list) != 1 {
		t.Fatalf("list count = %d, want 1", len(list))
	}
	if strings.TrimSpace(list[0].LuaCode) != "x = 2" || !list[0].Meta.Enabled {
		t.Errorf("script = %+v, want updated", list[0])
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)

	var ids []string
	for range 3 {
		s, err := m.Save(&Script{Meta: ScriptMeta{Name: "Same"}})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, s.ID)
	}
	want := []string{"same", "same_1", "same_2"}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids = %v, want %v", ids, want)
			break
		}
	}
}

func TestManagerListSortedSkipsOtherFiles(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(m.Dir(), "notes.txt"), []byte("ignore"), 0o644)
	os.Mkdir(filepath.Join(m.Dir(), "sub.lua"), 0o755)

	list, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, s := range list {
		got = append(got, s.ID)
	}
	if strings.Join(got, ",") != "alpha,mid,zeta" {
		t.Errorf("ids = %v, want [alpha mid zeta]", got)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)
	s, _ := m.Save(&Script{Meta: ScriptMeta{Name: "gone"}})

	if err := m.Delete(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(s.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("Get after delete: err = %v, want ErrScriptNotFound", err)
	}
	if err := m.Delete(s.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("second Delete: err = %v, want ErrScriptNotFound", err)
	}
}

func TestManagerInvalidIDs(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"", ".", "..", "../etc/passwd", `a\b`, "a/b"} {
		if _, err := m.Get(id); err == nil {
			t.Errorf("Get(%q) succeeded", id)
		}
		if err := m.Delete(id); err == nil {
			t.Errorf("Delete(%q) succeeded", id)
		}
	}
	if _, err := m.Save(&Script{ID: "../escape"}); err == nil {
		t.Error("Save with traversal id succeeded")
	}
}

func TestParseScript(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantMeta ScriptMeta
		wantCode string
		wantErr  bool
	}{
		{
			name:     "with metadata",
			content:  "-- {\"name\":\"Porch\",\"enabled\":true}\n\nhass.log(\"x\")\n",
			wantMeta: ScriptMeta{Name: "Porch", Enabled: true},
			wantCode: "hass.log(\"x\")\n",
		},
		{
			name:     "no metadata",
			content:  "-- plain comment\nx = 1\n",
			wantCode: "-- plain comment\nx = 1\n",
		},
		{
			name:     "broken metadata",
			content:  "-- {not json\nx = 1\n",
			wantCode: "x = 1\n",
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := parseScript(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if s.Meta != tt.wantMeta {
				t.Errorf("meta = %+v, want %+v", s.Meta, tt.wantMeta)
			}
			if s.LuaCode != tt.wantCode {
				t.Errorf("code = %q, want %q", s.LuaCode, tt.wantCode)
			}
		})
	}
}

func TestSerializeScript(t *testing.T) {
	got := serializeScript(&Script{Meta: ScriptMeta{Name: "N", Enabled: true}, LuaCode: "x = 1"})
	want := "-- {\"name\":\"N\",\"enabled\":true}\n\nx = 1\n"
	if got != want {
		t.Errorf("serialize = %q, want %q", got, want)
	}

	s, err := parseScript(got)
	if err != nil {
		t.Fatal(err)
	}
	if s.LuaCode != "x = 1\n" || s.Meta.Name != "N" {
		t.Errorf("parsed = %+v", s)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Hello World", "hello_world"},
		{"  Lights -- Off!  ", "lights_off"},
		{"!!!", ""},
		{strings.Repeat("a", 50), strings.Repeat("a", 40)},
		{strings.Repeat("a", 39) + " b", strings.Repeat("a", 39)},
	}
	for _, tt := range tests {
		if got := slugify(tt.in); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
