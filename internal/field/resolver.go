package field

import (
	"codeberg.org/mutker/probemon/internal/errors"
)

// Group is a repeated sub-structure: Instances copies of Stride bytes
// starting BaseOffset bytes into the owning struct.
type Group struct {
	Name       string
	BaseOffset int
	Stride     int
	// Instances bounds the instance index; 0 means unbounded.
	Instances int
}

// Resolve returns the effective byte offset of spec inside instance of g.
func Resolve(g Group, instance int, spec Spec) int {
	return g.BaseOffset + instance*g.Stride + spec.Offset
}

// OffsetResolver computes effective offsets for grouped and ungrouped fields.
type OffsetResolver struct {
	groups map[string]Group
}

func NewOffsetResolver(groups []Group) *OffsetResolver {
	r := &OffsetResolver{groups: make(map[string]Group, len(groups))}
	for _, g := range groups {
		r.groups[g.Name] = g
	}
	return r
}

// Group looks up a group by name.
func (r *OffsetResolver) Group(name string) (Group, bool) {
	g, ok := r.groups[name]
	return g, ok
}

// Offset returns the effective offset of spec for the given instance. An
// ungrouped field ignores instance and uses its raw offset.
func (r *OffsetResolver) Offset(spec Spec, instance int) (int, error) {
	errFactory := errors.New()

	if spec.Group == "" {
		return spec.Offset, nil
	}

	g, ok := r.groups[spec.Group]
	if !ok {
		return 0, errFactory.WithData(ErrUnknownGroup, spec.Group)
	}
	if instance < 0 || (g.Instances > 0 && instance >= g.Instances) {
		return 0, errFactory.WithData(ErrInstanceOutOfRange, struct {
			Group     string
			Instance  int
			Instances int
		}{
			Group:     g.Name,
			Instance:  instance,
			Instances: g.Instances,
		})
	}

	return Resolve(g, instance, spec), nil
}
