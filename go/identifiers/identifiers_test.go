package identifiers

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDatasetID(t *testing.T) {
	var cases = []struct {
		name   string
		user   string
		path   string
		expect string
	}{
		{"root file", "alice", "f.c4gh", "urn:default:alice"},
		{"absolute root file", "alice", "/f.c4gh", "urn:default:alice"},
		{"absolute nested", "alice", "/ega/alice/f.c4gh", "urn:dir:ega"},
		{"absolute one dir", "u", "/a/b/c", "urn:dir:a"},
		{"relative nested", "bob", "dir/sub/f.c4gh", "urn:dir:dir"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expect, DatasetID(tc.user, tc.path))
		})
	}
}

func TestDatasetIDDeterministic(t *testing.T) {
	for i := 0; i != 100; i++ {
		require.Equal(t, DatasetID("alice", "/ega/alice/f.c4gh"), DatasetID("alice", "/ega/alice/f.c4gh"))
	}
}

func TestAccessionID(t *testing.T) {
	var format = regexp.MustCompile(`^urn:uuid:[0-9a-f-]{36}$`)

	var seen = make(map[string]bool)
	for i := 0; i != 1000; i++ {
		var id = AccessionID()
		require.Regexp(t, format, id)
		require.False(t, seen[id], "accession id %q repeated", id)
		seen[id] = true
	}
}

func TestValidUploadPath(t *testing.T) {
	require.True(t, ValidUploadPath("/ega/alice/f.c4gh"))
	require.True(t, ValidUploadPath("f.c4gh"))

	require.False(t, ValidUploadPath("/"))
	require.False(t, ValidUploadPath("/ega/alice/"))
	require.False(t, ValidUploadPath("/ega/."))
	require.False(t, ValidUploadPath("/ega/.."))
	require.False(t, ValidUploadPath(""))
}
