//go:build !no_automation

package automation

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation script stored on disk as <id>.lua. The first line
// of the file is a Lua comment carrying the JSON-encoded ScriptMeta.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// CheckSyntax parses and compiles code without running it.
func CheckSyntax(code string) error {
	chunk, err := parse.Parse(strings.NewReader(code), "<script>")
	if err != nil {
		return fmt.Errorf("lua syntax: %w", err)
	}
	if _, err := lua.Compile(chunk, "<script>"); err != nil {
		return fmt.Errorf("lua compile: %w", err)
	}
	return nil
}
