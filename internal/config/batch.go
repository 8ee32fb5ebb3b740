package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// BatchFormat identifies the on-disk shape of a batch file.
type BatchFormat string

const (
	FormatINI  BatchFormat = "ini"
	FormatYAML BatchFormat = "yaml"
)

// Batch is a parsed batch file: one section per collection, each a flat
// key/value mapping. Keys are lowercased; section names keep their case.
type Batch struct {
	Path     string
	Format   BatchFormat
	Order    []string
	Sections map[string]map[string]string
}

// Section returns a copy of the named section, or nil.
func (b *Batch) Section(name string) map[string]string {
	s, ok := b.Sections[name]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// DetectFormat picks the parser from the file extension.
func DetectFormat(path string) (BatchFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ini", ".cfg", ".conf":
		return FormatINI, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unsupported batch file extension %q (want .ini or .yaml)", filepath.Ext(path))
}

// LoadBatch reads an INI or YAML batch file.
func LoadBatch(path string) (*Batch, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	b := &Batch{Path: path, Format: format, Sections: map[string]map[string]string{}}
	switch format {
	case FormatINI:
		err = b.parseINI(data)
	case FormatYAML:
		err = b.parseYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return b, nil
}

func (b *Batch) ensure(section string) map[string]string {
	s, ok := b.Sections[section]
	if !ok {
		s = map[string]string{}
		b.Sections[section] = s
		b.Order = append(b.Order, section)
	}
	return s
}

func (b *Batch) add(section, key, value string) {
	b.ensure(section)[strings.ToLower(strings.TrimSpace(key))] = cleanValue(value)
}

func (b *Batch) parseINI(data []byte) error {
	f, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, data)
	if err != nil {
		return err
	}
	// Keys outside any section apply to every section.
	defaults := f.Section(ini.DefaultSection).Keys()
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		b.ensure(sec.Name())
		for _, key := range defaults {
			b.add(sec.Name(), key.Name(), key.Value())
		}
		for _, key := range sec.Keys() {
			b.add(sec.Name(), key.Name(), key.Value())
		}
	}
	return nil
}

func (b *Batch) parseYAML(data []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("top level must be a mapping of sections")
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		name, body := root.Content[i].Value, root.Content[i+1]
		if body.Kind != yaml.MappingNode {
			continue
		}
		b.ensure(name)
		for j := 0; j+1 < len(body.Content); j += 2 {
			b.add(name, body.Content[j].Value, scalarText(body.Content[j+1]))
		}
	}
	return nil
}

// scalarText renders a YAML value as the string a batch consumer expects.
func scalarText(n *yaml.Node) string {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return ""
		}
		return n.Value
	case yaml.AliasNode:
		if n.Alias != nil {
			return scalarText(n.Alias)
		}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	_ = enc.Encode(n)
	_ = enc.Close()
	return strings.TrimSpace(buf.String())
}

// cleanValue strips surrounding quotes and inline comments left in hand-edited files.
func cleanValue(v string) string {
	v = strings.TrimSpace(v)
	for _, marker := range []string{" ;", " #", "\t;", "\t#"} {
		if i := strings.Index(v, marker); i >= 0 {
			v = strings.TrimSpace(v[:i])
		}
	}
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			v = v[1 : len(v)-1]
		}
	}
	return v
}

// UpdateBatchValues writes values into one section of a batch file, keeping
// every other section and key. The section is created when missing.
func UpdateBatchValues(path, section string, values map[string]string) error {
	format, err := DetectFormat(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var out []byte
	switch format {
	case FormatINI:
		out, err = updateINI(data, section, values)
	case FormatYAML:
		out, err = updateYAML(data, section, values)
	}
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	return writeFileAtomic(path, out)
}

func updateINI(data []byte, section string, values map[string]string) ([]byte, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, data)
	if err != nil {
		return nil, err
	}
	sec := f.Section(section)
	for _, k := range sortedKeys(values) {
		sec.Key(k).SetValue(values[k])
	}
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func updateYAML(data []byte, section string, values map[string]string) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("top level must be a mapping of sections")
	}

	body := mappingValue(root, section)
	if body == nil {
		body = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		root.Content = append(root.Content, strNode(section), body)
	}
	for _, k := range sortedKeys(values) {
		if v := mappingValue(body, k); v != nil {
			*v = *strNode(values[k])
			continue
		}
		body.Content = append(body.Content, strNode(k), strNode(values[k]))
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func strNode(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// writeFileAtomic replaces path via a temp file in the same directory.
func writeFileAtomic(path string, data []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".batch-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	_ = os.Chmod(tmpName, info.Mode().Perm())
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
