package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStringSliceUnique(t *testing.T) {
	tests := []struct {
		input    []string
		expected []string
	}{
		{nil, []string{}},
		{[]string{"a"}, []string{"a"}},
		{[]string{"b", "a", "b", "a", "c"}, []string{"b", "a", "c"}},
	}

	for idx, test := range tests {
		require.Equal(t, test.expected, StringSliceUnique(test.input), "test %d", idx)
	}
}
