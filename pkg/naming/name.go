// Copyright 2021 The Nirvana Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package naming implements the Dir/NamingContext hierarchy of spec
// §4.12: CosNaming-style names, bind/resolve/list/unbind over a tree
// of directories, and Dir.mkostemps for unique temp-file creation.
//
// Grounded on Source/NameService/Dir.h/.cpp, DirBase.h, DirIter.h/.cpp,
// NamingContextRoot.h/.cpp.
package naming

import "strings"

// Component is one (id, kind) pair of a CosNaming Name.
type Component struct {
	ID   string
	Kind string
}

// Name is a sequence of Components, the path to a bound object.
type Name []Component

// escape backslash-escapes '/', '.' and '\' (spec §4.12: "'\' escapes
// '/', '.', and itself. Escaping is done on a per-character basis").
func escape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '/', '.', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// unescape reverses escape.
func unescape(s string) string {
	var b strings.Builder
	escaped := false
	for _, r := range s {
		if escaped {
			b.WriteRune(r)
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// String renders a Name in its CosNaming string form: components
// joined by '/', id and kind joined by '.' (spec §4.12).
func (n Name) String() string {
	parts := make([]string, len(n))
	for i, c := range n {
		s := escape(c.ID)
		if c.Kind != "" {
			s += "." + escape(c.Kind)
		}
		parts[i] = s
	}
	return strings.Join(parts, "/")
}

// ParseName parses a CosNaming string form back into a Name.
func ParseName(s string) Name {
	if s == "" {
		return nil
	}
	var comps []string
	var cur strings.Builder
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			cur.WriteRune(r)
			escaped = true
		case r == '/':
			comps = append(comps, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	comps = append(comps, cur.String())

	name := make(Name, len(comps))
	for i, raw := range comps {
		id, kind := splitIDKind(raw)
		name[i] = Component{ID: unescape(id), Kind: unescape(kind)}
	}
	return name
}

// splitIDKind splits "id.kind" on the last unescaped '.'.
func splitIDKind(raw string) (id, kind string) {
	escaped := false
	lastDot := -1
	for i, r := range raw {
		if escaped {
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		if r == '.' {
			lastDot = i
		}
	}
	if lastDot < 0 {
		return raw, ""
	}
	return raw[:lastDot], raw[lastDot+1:]
}
