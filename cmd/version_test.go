package cmd

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/hearthbot/hearth/hearth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := hearth.Version
	originalCommitSHA := hearth.CommitSHA
	originalBuildTime := hearth.BuildTime

	t.Cleanup(
		func() {
			hearth.Version = originalVersion
			hearth.CommitSHA = originalCommitSHA
			hearth.BuildTime = originalBuildTime
		},
	)

	hearth.Version = "1.0.0"
	hearth.CommitSHA = "abc123"
	hearth.BuildTime = "2023-10-01T12:00:00Z"

	currentOut := rootCmd.OutOrStdout()
	t.Cleanup(func() { rootCmd.SetOut(currentOut) })
	var out bytes.Buffer
	rootCmd.SetOut(&out)

	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		hearth.Version,
		hearth.CommitSHA,
		hearth.BuildTime,
	)
	assert.Equal(t, expected, out.String())
}
