package field

import (
	"testing"

	"codeberg.org/mutker/probemon/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	g := Group{Name: "pid_status", BaseOffset: 100, Stride: 40}
	spec := Spec{ID: "pid_target", Type: F32, Offset: 8}

	assert.Equal(t, 228, Resolve(g, 3, spec))
	assert.Equal(t, 108, Resolve(g, 0, spec))
}

func TestOffsetResolver(t *testing.T) {
	r := NewOffsetResolver([]Group{
		{Name: "motor_status", BaseOffset: 0, Stride: 8, Instances: 8},
		{Name: "pid_status", BaseOffset: 64, Stride: 28, Instances: 8},
	})

	tests := []struct {
		name     string
		spec     Spec
		instance int
		want     int
		code     errors.ErrorCode
	}{
		{"ungrouped ignores instance", Spec{Offset: 12}, 5, 12, ""},
		{"motor velocity instance 3", Spec{Offset: 2, Group: "motor_status"}, 3, 26, ""},
		{"pid target instance 7", Spec{Offset: 24, Group: "pid_status"}, 7, 64 + 7*28 + 24, ""},
		{"instance past bound", Spec{Offset: 0, Group: "pid_status"}, 8, 0, ErrInstanceOutOfRange},
		{"negative instance", Spec{Offset: 0, Group: "pid_status"}, -1, 0, ErrInstanceOutOfRange},
		{"unknown group", Spec{Offset: 0, Group: "nope"}, 0, 0, ErrUnknownGroup},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Offset(tt.spec, tt.instance)
			if tt.code != "" {
				require.Error(t, err)
				assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
