// Package steamapp discovers a Steam installation and its library
// folders, so the wrap planner can find a game's install directory and
// the Steam runtime trees alongside it. This is a SPEC_FULL.md
// supplement (§4.14): the original spec.md is silent on how an app ID
// maps to a filesystem path, but a complete launcher has to resolve
// one.
//
// There is no VDF ("Valve Data Format") parser in any example repo's
// dependency tree, so this package hand-rolls the small recursive
// subset VDF actually uses (nested "key" "value" pairs and
// braced sub-objects) rather than adopting a general config-file
// library — VDF's syntax is bespoke to Valve's tooling and not served
// by INI/TOML/YAML parsers.
package steamapp

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Node is one parsed VDF object: an ordered map from key to either a
// string value or a nested Node. A key repeated in the same object
// keeps its last value.
type Node struct {
	keys     []string
	strings  map[string]string
	children map[string]*Node
}

func newNode() *Node {
	return &Node{strings: make(map[string]string), children: make(map[string]*Node)}
}

// String returns the string value for key, if any.
func (n *Node) String(key string) (string, bool) {
	v, ok := n.strings[key]
	return v, ok
}

// Child returns the nested object for key, if any.
func (n *Node) Child(key string) (*Node, bool) {
	v, ok := n.children[key]
	return v, ok
}

// Keys returns the node's direct keys in file order (strings and
// children interleaved as written).
func (n *Node) Keys() []string { return n.keys }

// ParseVDF parses a VDF document (as used by Steam's
// libraryfolders.vdf, appmanifest_*.acf, config.vdf) into a Node tree.
func ParseVDF(data []byte) (*Node, error) {
	p := &vdfParser{toks: tokenizeVDF(string(data))}
	root := newNode()
	if err := p.parseBody(root); err != nil {
		return nil, err
	}
	return root, nil
}

// ParseVDFFile reads and parses path.
func ParseVDFFile(path string) (*Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseVDF(data)
}

type vdfParser struct {
	toks []string
	pos  int
}

func (p *vdfParser) peek() (string, bool) {
	if p.pos >= len(p.toks) {
		return "", false
	}
	return p.toks[p.pos], true
}

func (p *vdfParser) next() (string, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}
	return t, ok
}

// parseBody consumes key/value pairs until a closing brace or EOF.
func (p *vdfParser) parseBody(n *Node) error {
	for {
		tok, ok := p.peek()
		if !ok || tok == "}" {
			if ok {
				p.pos++ // consume "}"
			}
			return nil
		}
		key, _ := p.next()

		val, ok := p.peek()
		if !ok {
			return fmt.Errorf("steamapp: unexpected EOF after key %q", key)
		}
		if val == "{" {
			p.pos++
			child := newNode()
			if err := p.parseBody(child); err != nil {
				return err
			}
			n.children[key] = child
		} else {
			p.pos++
			n.strings[key] = val
		}
		n.keys = append(n.keys, key)
	}
}

// tokenizeVDF splits raw VDF text into quoted-string and brace tokens,
// skipping // line comments.
func tokenizeVDF(s string) []string {
	var toks []string
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '/' && i+1 < len(s) && s[i+1] == '/':
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case c == '{' || c == '}':
			toks = append(toks, string(c))
			i++
		case c == '"':
			j := i + 1
			var sb strings.Builder
			for j < len(s) && s[j] != '"' {
				if s[j] == '\\' && j+1 < len(s) {
					sb.WriteByte(s[j+1])
					j += 2
					continue
				}
				sb.WriteByte(s[j])
				j++
			}
			toks = append(toks, sb.String())
			i = j + 1
		default:
			i++
		}
	}
	return toks
}

// LibraryFolder is one entry from libraryfolders.vdf.
type LibraryFolder struct {
	Path string
	Apps []string // app IDs installed in this library
}

// ParseLibraryFolders extracts the library-folder list from a parsed
// libraryfolders.vdf root node, supporting both the legacy
// (bare-index-to-path) and modern (indexed object with "path"/"apps")
// schemas.
func ParseLibraryFolders(root *Node) ([]LibraryFolder, error) {
	container, ok := root.Child("libraryfolders")
	if !ok {
		container = root
	}

	var out []LibraryFolder
	for _, key := range container.Keys() {
		if _, err := strconv.Atoi(key); err != nil {
			continue // skip non-indexed keys like "contentstatsid"
		}

		if child, ok := container.Child(key); ok {
			path, _ := child.String("path")
			lf := LibraryFolder{Path: path}
			if apps, ok := child.Child("apps"); ok {
				lf.Apps = apps.Keys()
			}
			out = append(out, lf)
			continue
		}
		if path, ok := container.String(key); ok {
			out = append(out, LibraryFolder{Path: path})
		}
	}
	return out, nil
}
