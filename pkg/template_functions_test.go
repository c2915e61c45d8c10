package pkg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTplFunctions(t *testing.T) {
	tests := []struct {
		tpl  string
		args interface{}
		exp  string
	}{
		{`{{ duration 90 }}`, nil, "1m30s"},
		{`{{ duration "3600" }}`, nil, "1h0m0s"},
		{`{{ humanizeDuration "90m" }}`, nil, "1h30m"},
		{`{{ humanizeDuration "45m" }}`, nil, "45m"},
		{`{{ humanizeDuration .elapsed }}`, map[string]interface{}{"elapsed": 2 * time.Hour}, "2h"},
		{`{{ formatTime "15:04" .dueDate }}`, map[string]interface{}{"dueDate": time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)}, "09:30"},
		{`{{ cleanNewLines "a\n\n\n\nb" }}`, nil, "a\n\nb"},
		{`{{ (yamlDecode "user: alice").user }}`, nil, "alice"},
		{`{{ dump .list }}`, map[string]interface{}{"list": []string{"a"}}, "- a"},
	}

	for idx, test := range tests {
		tpl, err := ParseTemplate("test", test.tpl)
		require.NoError(t, err, "test %d", idx)

		out, err := tpl.Execute(test.args)
		require.NoError(t, err, "test %d", idx)
		require.Equal(t, test.exp, out, "test %d", idx)
	}
}
