package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/tryxpath/internal/types"
)

// Defaults overrides the built-in attribute mapping and default stylesheet.
type Defaults struct {
	Attributes types.AttributesConfig `yaml:"attributes"`
	CSSFile    string                 `yaml:"css_file"`
}

// LoadDefaults reads a defaults YAML file. Returns an os.ErrNotExist-wrapped
// error if the file is absent (caller silently skips in that case). Missing
// attribute names fall back to the built-in ones; a relative css_file is
// resolved against the file's directory.
func LoadDefaults(path string) (*Defaults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("defaults config: %w", err)
	}
	var d Defaults
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("defaults config: %w", err)
	}
	d.Attributes = d.Attributes.Merge(types.DefaultAttributes())
	for name, v := range map[string]string{
		"element":          d.Attributes.Element,
		"context":          d.Attributes.Context,
		"focused":          d.Attributes.Focused,
		"focused_ancestor": d.Attributes.FocusedAncestor,
		"frame":            d.Attributes.Frame,
		"frame_ancestor":   d.Attributes.FrameAncestor,
	} {
		if strings.ContainsAny(v, " \t\n\"'=<>") {
			return nil, fmt.Errorf("defaults config: attributes.%s %q is not a valid attribute name", name, v)
		}
	}
	if d.CSSFile != "" && !filepath.IsAbs(d.CSSFile) {
		d.CSSFile = filepath.Join(filepath.Dir(path), d.CSSFile)
	}
	return &d, nil
}
