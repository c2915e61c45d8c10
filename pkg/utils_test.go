package pkg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	fa := false
	d := time.Minute

	require.True(t, boolPtrOr(nil, true))
	require.False(t, boolPtrOr(&fa, true))
	require.Equal(t, time.Hour, durationOr(nil, time.Hour))
	require.Equal(t, time.Minute, durationOr(&d, time.Hour))
}

func TestSanitizeInterfaceToMapString(t *testing.T) {
	in := map[interface{}]interface{}{
		"a": []interface{}{map[interface{}]interface{}{1: "x"}},
		2:   "b",
	}

	out := SanitizeInterfaceToMapString(in)
	require.Equal(t, map[string]interface{}{
		"a": []interface{}{map[string]interface{}{"1": "x"}},
		"2": "b",
	}, out)
}
