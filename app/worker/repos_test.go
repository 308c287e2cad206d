package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepoSet_Targets(t *testing.T) {
	t.Run("with org prefix", func(t *testing.T) {
		set := RepoSet{Org: "heimgewebe", Repos: []string{"webstoff", "leitstand"}}
		assert.Equal(t, []string{"heimgewebe/webstoff", "heimgewebe/leitstand"}, set.Targets())
	})

	t.Run("without org", func(t *testing.T) {
		set := RepoSet{Repos: []string{"owner/repo"}}
		assert.Equal(t, []string{"owner/repo"}, set.Targets())
	})

	t.Run("empty set", func(t *testing.T) {
		assert.Empty(t, RepoSet{}.Targets())
	})
}

func TestLoadRepoSet(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		fname := filepath.Join(t.TempDir(), "repos.yml")
		data := "org: heimgewebe\nauto_pr: true\nrepos:\n  - webstoff\n  - leitstand\n"
		require.NoError(t, os.WriteFile(fname, []byte(data), 0o600))

		set, err := LoadRepoSet(fname)
		require.NoError(t, err)
		assert.Equal(t, "heimgewebe", set.Org)
		assert.True(t, set.AutoPR)
		assert.Equal(t, []string{"webstoff", "leitstand"}, set.Repos)
	})

	t.Run("empty path", func(t *testing.T) {
		set, err := LoadRepoSet("")
		require.NoError(t, err)
		assert.Empty(t, set.Repos)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadRepoSet(filepath.Join(t.TempDir(), "nope.yml"))
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		fname := filepath.Join(t.TempDir(), "repos.yml")
		require.NoError(t, os.WriteFile(fname, []byte("org: [broken"), 0o600))
		_, err := LoadRepoSet(fname)
		assert.Error(t, err)
	})
}
