package cmd

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunCmd_LogLevelFlag_DefaultsToInfo(t *testing.T) {
	flag := runCmd.Flags().Lookup("log")
	assert.NotNil(t, flag, "log flag must be registered")
	assert.Equal(t, "info", flag.DefValue)
}

func TestRunCmd_NodeRangeFlags_DefaultsArePositiveAndOrdered(t *testing.T) {
	minFlag := runCmd.Flags().Lookup("min-nodes")
	maxFlag := runCmd.Flags().Lookup("max-nodes")
	assert.NotNil(t, minFlag, "min-nodes flag must be registered")
	assert.NotNil(t, maxFlag, "max-nodes flag must be registered")

	minDefault, err := strconv.Atoi(minFlag.DefValue)
	assert.NoError(t, err)
	maxDefault, err := strconv.Atoi(maxFlag.DefValue)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, maxDefault, minDefault, "max-nodes must not be below min-nodes by default")
}

func TestRunCmd_DeviceMemoryFlag_DefaultIsPositive(t *testing.T) {
	flag := runCmd.Flags().Lookup("device-memory")
	assert.NotNil(t, flag, "device-memory flag must be registered")
	v, err := strconv.ParseInt(flag.DefValue, 10, 64)
	assert.NoError(t, err)
	assert.Greater(t, v, int64(0))
}

func TestDistInfo_BuildsOneRankInfoPerWorker(t *testing.T) {
	dist := distInfo(3)
	assert.Len(t, dist, 3)
	for i, d := range dist {
		assert.Equal(t, i, d.Rank)
		assert.Equal(t, "local", d.Addr)
	}
}

func TestRootCmd_RunIsRegisteredAsSubcommand(t *testing.T) {
	found := false
	for _, c := range rootCmd.Commands() {
		if c.Name() == "run" {
			found = true
		}
	}
	assert.True(t, found, "run subcommand must be registered on rootCmd")
}
