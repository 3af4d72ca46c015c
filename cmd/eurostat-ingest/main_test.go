package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCmdRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["update-all"])
}

func TestRunCmdRequiresDatasetIDFlag(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"run"})
	root.SilenceUsage = true
	root.SilenceErrors = true
	err := root.Execute()
	require.Error(t, err)
}

func TestRunCmdRegistersNoUseUnloggedTablesAlias(t *testing.T) {
	root := newRootCmd()
	var runCmd *cobra.Command
	for _, c := range root.Commands() {
		if c.Name() == "run" {
			runCmd = c
		}
	}
	require.NotNil(t, runCmd)

	useFlag := runCmd.Flags().Lookup("use-unlogged-tables")
	require.NotNil(t, useFlag)
	assert.Equal(t, "true", useFlag.DefValue)

	noUseFlag := runCmd.Flags().Lookup("no-use-unlogged-tables")
	require.NotNil(t, noUseFlag)
	assert.Equal(t, "false", noUseFlag.DefValue)
}
