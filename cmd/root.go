// Package cmd is the CLI entrypoint: a single `ppexec run` command that
// loads a stored model profile, builds a template pool, instantiates a
// layout for the requested worker count, and trains rank 0's assignment
// in-process, with a no-op transport and no real compute, for a fixed
// number of batches.
package cmd

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ppexec/ppexec/config"
	"github.com/ppexec/ppexec/engine"
	"github.com/ppexec/ppexec/profiler"
)

var (
	tag                 string
	profileDir          string
	logLevel            string
	worldSize           int
	acceleratorsPerNode int
	globalMicrobatches  int
	diversityThreshold  int
	minNodes            int
	maxNodes            int
	numBatches          int
	deviceMemory        int64
)

var rootCmd = &cobra.Command{
	Use:   "ppexec",
	Short: "Fault-tolerant pipeline-parallel training executor",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Prepare and run a local training session for numBatches batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)

		cfgEngine := config.NewInMemoryEngine(true, tag, profileDir, distInfo(worldSize))
		store := &profiler.Store{BaseDir: profileDir}

		e := engine.New(engine.Config{
			ConfigEngine:        cfgEngine,
			Store:               store,
			Planner:             profiler.EvenSplitPlanner{},
			Policy:              profiler.MemoryBoundPolicy{DeviceMemory: deviceMemory},
			Factory:             newLocalSingleRankFactory(),
			AcceleratorsPerNode: acceleratorsPerNode,
			GlobalMicrobatches:  globalMicrobatches,
			DiversityThreshold:  diversityThreshold,
			PlanRange:           engine.PlanRange{MinNodes: minNodes, MaxNodes: maxNodes},
			Rank:                0,
		})

		ctx := context.Background()
		if err := e.Prepare(ctx, tag); err != nil {
			logrus.WithError(err).Fatal("prepare failed")
		}
		logrus.Infof("prepared layout with %d node(s) assigned", e.Layout().TotalNodes())

		for b := 0; b < numBatches; b++ {
			if err := e.Execute(ctx); err != nil {
				logrus.WithError(err).Error("batch execution failed")
				return err
			}
			logrus.Infof("batch %d complete", b+1)
		}
		return nil
	},
}

func distInfo(n int) []config.RankInfo {
	out := make([]config.RankInfo, n)
	for i := range out {
		out[i] = config.RankInfo{Rank: i, Addr: "local"}
	}
	return out
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	runCmd.Flags().StringVar(&tag, "tag", "model-adamw-fp16-mb4", "profile tag to load (model, optimizer, precision, tp_width, microbatch)")
	runCmd.Flags().StringVar(&profileDir, "profile-dir", "./profiles", "directory profiler artifacts are stored under")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "log level (debug, info, warn, error)")
	runCmd.Flags().IntVar(&worldSize, "world-size", 1, "number of local workers to simulate")
	runCmd.Flags().IntVar(&acceleratorsPerNode, "accelerators-per-node", 1, "accelerators per node")
	runCmd.Flags().IntVar(&globalMicrobatches, "global-microbatches", 4, "total microbatches per global batch")
	runCmd.Flags().IntVar(&diversityThreshold, "template-diversity", 1, "minimum distinct templates the instantiator should prefer")
	runCmd.Flags().IntVar(&minNodes, "min-nodes", 1, "smallest node count to plan a template for")
	runCmd.Flags().IntVar(&maxNodes, "max-nodes", 1, "largest node count to plan a template for")
	runCmd.Flags().IntVar(&numBatches, "batches", 1, "number of batches to train")
	runCmd.Flags().Int64Var(&deviceMemory, "device-memory", 1<<34, "per-device memory budget in bytes, enforced by the sharding policy")

	rootCmd.AddCommand(runCmd)
}
