package transform

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// Errors returned by Compile and Program.Apply.
var (
	ErrCompile = errors.New("transform compile failed")
	ErrItem    = errors.New("transform item failed")
)

// Field types accepted in a Spec.
const (
	TypeString = "string"
	TypeInt    = "int"
	TypeFloat  = "float"
	TypeBool   = "bool"
	TypeJSON   = "json"
)

// Row is one flat output record keyed by column name.
type Row map[string]any

// Spec is the declarative mapping from one raw item to one Row.
//
// Root is the entry point: a JSON path ("$" for the item itself) selecting
// the object fields are read from. Items shaped as {html, url} wrappers are
// evaluated with Selector rules against the HTML; Path rules on a wrapper
// read the wrapper itself (so "url" resolves to the page URL).
type Spec struct {
	Root   string  `json:"root" yaml:"root"`
	Fields []Field `json:"fields" yaml:"fields"`
}

// Field extracts one column.
type Field struct {
	Name     string `json:"name" yaml:"name"`
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
	Selector string `json:"selector,omitempty" yaml:"selector,omitempty"`
	Attr     string `json:"attr,omitempty" yaml:"attr,omitempty"`
	Type     string `json:"type,omitempty" yaml:"type,omitempty"`
	Default  any    `json:"default,omitempty" yaml:"default,omitempty"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// Program is a compiled Spec. It is immutable and safe for concurrent use.
type Program struct {
	root   path
	fields []compiledField
}

type compiledField struct {
	Field
	path     path
	hasPath  bool
	selector cascadia.Selector
}

// Compile validates spec and prepares it for evaluation.
func Compile(spec Spec) (*Program, error) {
	if strings.TrimSpace(spec.Root) == "" {
		return nil, fmt.Errorf("%w: root entry point is required", ErrCompile)
	}
	root, err := parsePath(spec.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: root: %v", ErrCompile, err)
	}
	if len(spec.Fields) == 0 {
		return nil, fmt.Errorf("%w: no fields declared", ErrCompile)
	}
	prog := &Program{root: root, fields: make([]compiledField, 0, len(spec.Fields))}
	seen := make(map[string]struct{}, len(spec.Fields))
	for _, f := range spec.Fields {
		if !identifier.MatchString(f.Name) {
			return nil, fmt.Errorf("%w: invalid field name %q", ErrCompile, f.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrCompile, f.Name)
		}
		seen[f.Name] = struct{}{}
		if f.Path == "" && f.Selector == "" {
			return nil, fmt.Errorf("%w: field %s needs a path or a selector", ErrCompile, f.Name)
		}
		cf := compiledField{Field: f}
		if cf.Type == "" {
			cf.Type = TypeString
		}
		switch cf.Type {
		case TypeString, TypeInt, TypeFloat, TypeBool, TypeJSON:
		default:
			return nil, fmt.Errorf("%w: field %s: unknown type %q", ErrCompile, f.Name, f.Type)
		}
		if f.Path != "" {
			if cf.path, err = parsePath(f.Path); err != nil {
				return nil, fmt.Errorf("%w: field %s: %v", ErrCompile, f.Name, err)
			}
			cf.hasPath = true
		}
		if f.Selector != "" {
			if cf.selector, err = cascadia.Compile(f.Selector); err != nil {
				return nil, fmt.Errorf("%w: field %s: selector: %v", ErrCompile, f.Name, err)
			}
		}
		if f.Default != nil {
			if _, err := coerce(f.Default, cf.Type); err != nil {
				return nil, fmt.Errorf("%w: field %s: default: %v", ErrCompile, f.Name, err)
			}
		}
		prog.fields = append(prog.fields, cf)
	}
	return prog, nil
}

// Columns returns the output column names in declaration order.
func (p *Program) Columns() []string {
	out := make([]string, len(p.fields))
	for i, f := range p.fields {
		out[i] = f.Name
	}
	return out
}

// Apply maps one raw item to a Row. Failures wrap ErrItem.
func (p *Program) Apply(item any) (Row, error) {
	if html, pageURL, ok := asWrapper(item); ok {
		return p.applyHTML(item, html, pageURL)
	}
	scope, found := p.root.lookup(item)
	if !found {
		return nil, fmt.Errorf("%w: root %s not found", ErrItem, p.root)
	}
	row := make(Row, len(p.fields))
	for _, f := range p.fields {
		var raw any
		var ok bool
		if f.hasPath {
			raw, ok = f.path.lookup(scope)
		}
		if err := f.assign(row, raw, ok); err != nil {
			return nil, err
		}
	}
	return row, nil
}

func (p *Program) applyHTML(wrapper any, html, pageURL string) (Row, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: parse html from %s: %v", ErrItem, pageURL, err)
	}
	row := make(Row, len(p.fields))
	for _, f := range p.fields {
		var raw any
		var ok bool
		switch {
		case f.selector != nil:
			sel := doc.FindMatcher(f.selector).First()
			if sel.Length() > 0 {
				if f.Attr != "" {
					raw, ok = sel.Attr(f.Attr)
				} else {
					raw, ok = strings.TrimSpace(sel.Text()), true
				}
			}
		case f.hasPath:
			raw, ok = f.path.lookup(wrapper)
		}
		if err := f.assign(row, raw, ok); err != nil {
			return nil, err
		}
	}
	return row, nil
}

func (f compiledField) assign(row Row, raw any, found bool) error {
	if !found || raw == nil || raw == "" {
		switch {
		case f.Default != nil:
			raw = f.Default
		case f.Required:
			return fmt.Errorf("%w: required field %s missing", ErrItem, f.Name)
		default:
			row[f.Name] = nil
			return nil
		}
	}
	val, err := coerce(raw, f.Type)
	if err != nil {
		return fmt.Errorf("%w: field %s: %v", ErrItem, f.Name, err)
	}
	row[f.Name] = val
	return nil
}

func asWrapper(item any) (string, string, bool) {
	m, ok := item.(map[string]any)
	if !ok {
		return "", "", false
	}
	html, ok := m["html"].(string)
	if !ok {
		return "", "", false
	}
	pageURL, _ := m["url"].(string)
	return html, pageURL, true
}
