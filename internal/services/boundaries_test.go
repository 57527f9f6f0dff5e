package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWardLabel(t *testing.T) {
	s := &BoundaryService{municipality: "Springfield"}

	tests := []struct {
		label string
		want  string
	}{
		{"Ward 3", "Springfield (Ward 3)"},
		{"Ward", "Springfield (Ward)"},
		{"Northeast Ward", "Springfield (Northeast Ward)"},
		// Word boundary: no rewrite of names that merely contain the letters.
		{"Wardell Heights", "Wardell Heights"},
		{"Eastside", "Eastside"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, s.wardLabel(tt.label))
	}
}
