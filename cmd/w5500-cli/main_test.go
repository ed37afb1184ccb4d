package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	t.Parallel()
	cases := []struct {
		line      string
		n         int
		loop      uint
		expectErr string
	}{
		{"", 0, 0, ""},
		{"link regs", 2, 0, ""},
		{"  up   info  loop=3 ", 2, 3, ""},
		{"renew s100 resolve=example.com tcp=10.0.0.1:1883", 4, 0, ""},
		{"help link", 1, 0, ""},
		{"loop=2 loop=3", 0, 0, "multiple loop commands"},
		{"tcp=10.0.0.1", 0, 0, "missing port"},
		{"tcp=10.0.0.1:99999", 0, 0, "out of range"},
		{"sx", 0, 0, "word=sx"},
		{"frobnicate", 0, 0, "invalid command: 'frobnicate'"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.line, func(t *testing.T) {
			cmds, loop, err := parseLine(c.line)
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, cmds, c.n)
			assert.Equal(t, c.loop, loop)
		})
	}
}
