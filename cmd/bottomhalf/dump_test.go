package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeRoundTrip(t *testing.T) {
	out := filepath.Join(t.TempDir(), "t.ext")

	require.NoError(t, encode(out, []string{"0x100:0x200", "0x110:0x210"}))

	tbl, digest, err := readTable(out)
	require.NoError(t, err)
	require.NotEmpty(t, digest)
	require.Equal(t, 2, tbl.Len())

	fixup, ok := tbl.Lookup(0x112)
	require.True(t, ok)
	require.Equal(t, uint64(0x210), fixup)

	require.NoError(t, lookup(out, []string{"0x100", "0x103"}))
	require.Error(t, lookup(out, []string{"nope"}))
}

func TestEncodeRejects(t *testing.T) {
	out := filepath.Join(t.TempDir(), "t.ext")

	require.Error(t, encode(out, []string{"0x100"}))
	require.Error(t, encode(out, []string{"0x110:1", "0x100:2"}))
	require.Error(t, encode(out, []string{"zz:1"}))
}
