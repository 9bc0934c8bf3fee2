// Command raydb is a maintenance CLI for RayDB data directories: inspect
// statistics, verify structural invariants, and force compaction.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/raydb/raydb/pkg/config"
	"github.com/raydb/raydb/pkg/log"
	"github.com/raydb/raydb/pkg/raydb"
)

var (
	dataDir  string
	logLevel string
)

func main() {
	root := &cobra.Command{
		Use:   "raydb",
		Short: "RayDB embedded graph database maintenance tool",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Init(log.Config{Level: log.Level(logLevel)})
		},
	}
	root.PersistentFlags().StringVar(&dataDir, "data", "./data", "data directory")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(statsCmd(), checkCmd(), optimizeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withDB(fn func(db *raydb.DB) error) error {
	db, err := raydb.Open(dataDir, config.FromEnv())
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *raydb.DB) error {
				s := db.Stats()
				fmt.Printf("nodes:               %d\n", s.NodeCount)
				fmt.Printf("edges:               %d\n", s.EdgeCount)
				fmt.Printf("snapshot generation: %d\n", s.SnapshotGeneration)
				fmt.Printf("snapshot nodes:      %d\n", s.SnapshotNodes)
				fmt.Printf("wal segments:        %d\n", s.WalSegments)
				fmt.Printf("wal bytes:           %d\n", s.WalBytes)
				fmt.Printf("delta ops:           %d\n", s.DeltaOps)
				fmt.Printf("active transactions: %d\n", s.ActiveTransactions)
				fmt.Printf("version chains:      %d\n", s.VersionChains)
				fmt.Printf("versions pruned:     %d\n", s.VersionsPruned)
				fmt.Printf("labels/etypes/keys:  %d/%d/%d\n", s.Labels, s.Etypes, s.PropKeys)
				fmt.Printf("vectors:             %d\n", s.Vectors)
				return nil
			})
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify structural invariants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *raydb.DB) error {
				res := db.Check()
				if res.OK {
					fmt.Println("ok")
					return nil
				}
				for _, p := range res.Problems {
					fmt.Println(p)
				}
				return fmt.Errorf("%d problems found", len(res.Problems))
			})
		},
	}
}

func optimizeCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Fold the delta into a new snapshot and truncate the WAL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *raydb.DB) error {
				before := db.Stats()
				if err := db.Optimize(force); err != nil {
					return err
				}
				after := db.Stats()
				fmt.Printf("generation %d -> %d, wal bytes %d -> %d\n",
					before.SnapshotGeneration, after.SnapshotGeneration,
					before.WalBytes, after.WalBytes)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "rebuild even with an empty delta")
	return cmd
}
