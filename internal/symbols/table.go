// Package symbols builds name to address tables from linker output.
package symbols

import (
	"bufio"
	"bytes"
	"os"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"codeberg.org/mutker/probemon/internal/errors"
)

// Table maps symbol names to absolute 32-bit target addresses. A Table is
// immutable once built and safe for concurrent use.
type Table struct {
	addrs map[string]uint32
}

// Resolve returns the address of name.
func (t *Table) Resolve(name string) (uint32, error) {
	if t != nil {
		if addr, ok := t.addrs[name]; ok {
			return addr, nil
		}
	}
	return 0, errors.New().WithData(ErrNotFound, name)
}

// Len returns the number of symbols in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.addrs)
}

// Names returns all symbol names in sorted order.
func (t *Table) Names() []string {
	if t == nil {
		return nil
	}
	names := make([]string, 0, len(t.addrs))
	for name := range t.addrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadFile reads and parses a map or symbol dump file.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New().Wrap(ErrReadMap, err)
	}

	t, err := Parse(data)
	if err != nil {
		return nil, errors.New().Wrap(ErrParse, err).WithMessage("Failed to parse " + path)
	}
	return t, nil
}

// Parse accepts GNU ld map text and flat "0xADDRESS NAME" dumps, mixed
// freely. A line starting with a dot names a symbol; only its last dotted
// segment is kept. The address is the second token of that line when it
// is hex, otherwise the first 0x token on the next non-empty line.
// Duplicate names resolve to the last occurrence. Malformed lines are
// skipped; text with no recognisable symbol at all is a parse error.
func Parse(data []byte) (*Table, error) {
	errFactory := errors.New()

	lines := splitLines(data)
	addrs := make(map[string]uint32)

	for i := 0; i < len(lines); i++ {
		if !isText(lines[i]) {
			continue
		}
		fields := strings.Fields(lines[i])
		if len(fields) == 0 {
			continue
		}

		if strings.HasPrefix(fields[0], ".") {
			name := lastSegment(fields[0])
			if name == "" {
				continue
			}

			if len(fields) >= 2 {
				if addr, ok := parseAddress(fields[1]); ok {
					addrs[name] = addr
					continue
				}
			}

			next := nextNonEmpty(lines, i+1)
			if next < 0 || !isText(lines[next]) {
				continue
			}
			// A following section line is its own symbol; this one stays
			// unresolved.
			if strings.HasPrefix(strings.TrimSpace(lines[next]), ".") {
				continue
			}
			if addr, ok := firstAddress(lines[next]); ok {
				addrs[name] = addr
				// The address line belongs to this symbol.
				i = next
			}
			continue
		}

		if len(fields) >= 2 {
			addr, ok := parseAddress(fields[0])
			if ok && isIdentifier(fields[1]) {
				addrs[fields[1]] = addr
			}
		}
	}

	if len(addrs) == 0 {
		return nil, errFactory.WithData(ErrParse, "no symbols found")
	}

	return &Table{addrs: addrs}, nil
}

func splitLines(data []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func nextNonEmpty(lines []string, from int) int {
	for j := from; j < len(lines); j++ {
		if strings.TrimSpace(lines[j]) != "" {
			return j
		}
	}
	return -1
}

// isText reports whether line is valid UTF-8 without NUL bytes. Object
// paths in a local code page make such lines unusable, not the file.
func isText(line string) bool {
	return utf8.ValidString(line) && strings.IndexByte(line, 0) < 0
}

func lastSegment(s string) string {
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		s = s[i+1:]
	}
	if !isIdentifier(s) {
		return ""
	}
	return s
}

func firstAddress(line string) (uint32, bool) {
	for _, tok := range strings.Fields(line) {
		if addr, ok := parseAddress(tok); ok {
			return addr, true
		}
	}
	return 0, false
}

// parseAddress accepts 0x-prefixed hex that fits in 32 bits.
func parseAddress(tok string) (uint32, bool) {
	if len(tok) < 3 || tok[0] != '0' || (tok[1] != 'x' && tok[1] != 'X') {
		return 0, false
	}
	v, err := strconv.ParseUint(tok[2:], 16, 64)
	if err != nil || v > 0xffffffff {
		return 0, false
	}
	return uint32(v), true
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
