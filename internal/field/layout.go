package field

import (
	"os"
	"sort"

	"codeberg.org/mutker/probemon/internal/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultReadStruct  = "monitor_read_data"
	DefaultWriteStruct = "monitor_write_data"
)

// layoutFile is the YAML document LoadLayout reads.
type layoutFile struct {
	ReadStruct  string                 `yaml:"read_struct"`
	WriteStruct string                 `yaml:"write_struct"`
	ReadSize    int                    `yaml:"read_size"`
	WriteSize   int                    `yaml:"write_size"`
	Groups      map[string]groupConfig `yaml:"groups"`
	Fields      []fieldConfig          `yaml:"fields"`
}

type groupConfig struct {
	BaseOffset int `yaml:"base_offset"`
	Stride     int `yaml:"stride"`
	Instances  int `yaml:"instances"`
}

type fieldConfig struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Type        string   `yaml:"type"`
	Signed      *bool    `yaml:"signed"`
	Scale       *float64 `yaml:"scale"`
	Unit        string   `yaml:"unit"`
	Offset      *int     `yaml:"offset"`
	Direction   string   `yaml:"direction"`
	Group       string   `yaml:"group"`
}

// Layout is the loaded, validated field catalog for one firmware build.
// It is read-only after construction and safe for concurrent use.
type Layout struct {
	ReadStruct  string
	WriteStruct string
	// ReadSize and WriteSize bound the struct spans; 0 disables the check.
	ReadSize  int
	WriteSize int

	fields   map[string]Spec
	order    []string
	groups   []Group
	resolver *OffsetResolver
}

// NewLayout builds and validates a layout from already-typed parts.
func NewLayout(readStruct, writeStruct string, readSize, writeSize int, groups []Group, specs []Spec) (*Layout, error) {
	errFactory := errors.New()

	if readStruct == "" {
		readStruct = DefaultReadStruct
	}
	if writeStruct == "" {
		writeStruct = DefaultWriteStruct
	}

	l := &Layout{
		ReadStruct:  readStruct,
		WriteStruct: writeStruct,
		ReadSize:    readSize,
		WriteSize:   writeSize,
		fields:      make(map[string]Spec, len(specs)),
		order:       make([]string, 0, len(specs)),
		groups:      groups,
		resolver:    NewOffsetResolver(groups),
	}

	for _, s := range specs {
		if _, dup := l.fields[s.ID]; dup {
			return nil, errFactory.WithData(ErrDuplicateField, s.ID)
		}
		l.fields[s.ID] = s
		l.order = append(l.order, s.ID)
	}

	if err := l.Validate(); err != nil {
		return nil, err
	}

	return l, nil
}

// LoadLayout reads and parses a YAML layout file.
func LoadLayout(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New().Wrap(ErrReadLayout, err)
	}
	return ParseLayout(data)
}

// ParseLayout parses YAML layout text. Field defaults: name = id,
// scale = 1, signed follows the primitive type. An explicit signed that
// contradicts the type is rejected.
func ParseLayout(data []byte) (*Layout, error) {
	errFactory := errors.New()

	var lf layoutFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return nil, errFactory.Wrap(ErrInvalidLayout, err)
	}

	names := make([]string, 0, len(lf.Groups))
	for name := range lf.Groups {
		names = append(names, name)
	}
	sort.Strings(names)

	groups := make([]Group, 0, len(names))
	for _, name := range names {
		g := lf.Groups[name]
		groups = append(groups, Group{
			Name:       name,
			BaseOffset: g.BaseOffset,
			Stride:     g.Stride,
			Instances:  g.Instances,
		})
	}

	specs := make([]Spec, 0, len(lf.Fields))
	for i, fc := range lf.Fields {
		spec, err := fc.toSpec()
		if errors.HasCode(err, ErrSignedMismatch) {
			return nil, errFactory.Wrap(ErrInvalidLayout, err)
		}
		if err != nil {
			return nil, errFactory.WithData(ErrInvalidLayout, struct {
				Index int
				ID    string
				Error string
			}{
				Index: i,
				ID:    fc.ID,
				Error: err.Error(),
			})
		}
		specs = append(specs, spec)
	}

	return NewLayout(lf.ReadStruct, lf.WriteStruct, lf.ReadSize, lf.WriteSize, groups, specs)
}

func (fc fieldConfig) toSpec() (Spec, error) {
	errFactory := errors.New()

	if fc.ID == "" {
		return Spec{}, errFactory.WithMessage(ErrInvalidLayout, "field id required")
	}
	if fc.Offset == nil {
		return Spec{}, errFactory.WithMessage(ErrInvalidLayout, "field offset required")
	}

	typ, err := ParseType(fc.Type)
	if err != nil {
		return Spec{}, errFactory.Wrap(ErrInvalidLayout, err)
	}

	if fc.Signed != nil && *fc.Signed != typ.Signed() {
		return Spec{}, errFactory.WithData(ErrSignedMismatch, struct {
			ID     string
			Type   string
			Signed bool
		}{fc.ID, typ.String(), *fc.Signed})
	}

	dir, err := ParseDirection(fc.Direction)
	if err != nil {
		return Spec{}, errFactory.Wrap(ErrInvalidLayout, err)
	}

	spec := Spec{
		ID:          fc.ID,
		Name:        fc.Name,
		Description: fc.Description,
		Type:        typ,
		Signed:      typ.Signed(),
		Scale:       1.0,
		Unit:        fc.Unit,
		Offset:      *fc.Offset,
		Direction:   dir,
		Group:       fc.Group,
	}
	if spec.Name == "" {
		spec.Name = spec.ID
	}
	if fc.Scale != nil {
		spec.Scale = *fc.Scale
	}

	return spec, nil
}

// Validate checks layout-wide invariants: known types, directions and
// groups, non-zero scales, and that every field lands inside its struct
// for every declared instance.
func (l *Layout) Validate() error {
	errFactory := errors.New()

	for _, g := range l.groups {
		if g.Name == "" || g.BaseOffset < 0 || g.Stride < 0 || g.Instances < 0 {
			return errFactory.WithData(ErrInvalidGroup, g)
		}
		if g.Instances > 1 && g.Stride == 0 {
			return errFactory.WithData(ErrInvalidGroup, g)
		}
	}

	for _, id := range l.order {
		s := l.fields[id]

		if s.Type.Size() == 0 {
			return errFactory.WithData(ErrInvalidLayout, struct {
				ID    string
				Error string
			}{ID: id, Error: "unknown primitive type"})
		}
		if s.Direction != Read && s.Direction != Write {
			return errFactory.WithData(ErrInvalidLayout, struct {
				ID    string
				Error string
			}{ID: id, Error: "unknown direction"})
		}
		if s.Scale == 0 {
			return errFactory.WithData(ErrInvalidLayout, struct {
				ID    string
				Error string
			}{ID: id, Error: "scale must be non-zero"})
		}
		if s.Offset < 0 {
			return errFactory.WithData(ErrOutsideStruct, id)
		}

		last := 0
		if s.Group != "" {
			g, ok := l.resolver.Group(s.Group)
			if !ok {
				return errFactory.WithData(ErrUnknownGroup, struct {
					ID    string
					Group string
				}{ID: id, Group: s.Group})
			}
			if g.Instances > 0 {
				last = g.Instances - 1
			}
		}

		off, err := l.resolver.Offset(s, last)
		if err != nil {
			return err
		}
		if err := l.checkSpan(s, off); err != nil {
			return err
		}
	}

	return nil
}

func (l *Layout) checkSpan(s Spec, off int) error {
	size := l.ReadSize
	if s.Direction == Write {
		size = l.WriteSize
	}
	if off < 0 || (size > 0 && off+s.Size() > size) {
		return errors.New().WithData(ErrOutsideStruct, struct {
			ID     string
			Offset int
			Width  int
			Size   int
		}{
			ID:     s.ID,
			Offset: off,
			Width:  s.Size(),
			Size:   size,
		})
	}
	return nil
}

// Field returns the spec registered under id.
func (l *Layout) Field(id string) (Spec, bool) {
	s, ok := l.fields[id]
	return s, ok
}

// Fields returns every spec in declaration order.
func (l *Layout) Fields() []Spec {
	out := make([]Spec, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.fields[id])
	}
	return out
}

// ReadFields returns the READ-direction specs in declaration order.
func (l *Layout) ReadFields() []Spec {
	return l.byDirection(Read)
}

// WriteFields returns the WRITE-direction specs in declaration order.
func (l *Layout) WriteFields() []Spec {
	return l.byDirection(Write)
}

func (l *Layout) byDirection(d Direction) []Spec {
	var out []Spec
	for _, id := range l.order {
		if s := l.fields[id]; s.Direction == d {
			out = append(out, s)
		}
	}
	return out
}

// Groups returns the configured groups sorted by name.
func (l *Layout) Groups() []Group {
	out := make([]Group, len(l.groups))
	copy(out, l.groups)
	return out
}

// Offset resolves the effective offset of spec for instance and checks it
// against the owning struct's span.
func (l *Layout) Offset(spec Spec, instance int) (int, error) {
	off, err := l.resolver.Offset(spec, instance)
	if err != nil {
		return 0, err
	}
	if err := l.checkSpan(spec, off); err != nil {
		return 0, err
	}
	return off, nil
}

// MaxInstances returns the smallest declared instance bound across all
// groups, or 0 when no group declares one.
func (l *Layout) MaxInstances() int {
	limit := 0
	for _, g := range l.groups {
		if g.Instances > 0 && (limit == 0 || g.Instances < limit) {
			limit = g.Instances
		}
	}
	return limit
}
