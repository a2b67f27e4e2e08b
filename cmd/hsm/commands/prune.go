package commands

import (
	"context"
	"fmt"

	"github.com/gristlabs/grist-hsm/pkg/config"
	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune <docId>",
	Short: "Prune a document's snapshots now",
	Long: `Apply the configured retention policy to a document's snapshots
immediately.

Workers prune automatically after every push; this command is for catching
up a document whose worker was misconfigured or whose policy has been
tightened since its last push. The newest snapshot is never removed.

Examples:
  hsm prune 5Fwg7r9qomGwTnbpCD2vzG`,
	Args: cobra.ExactArgs(1),
	RunE: runPrune,
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx := context.Background()
	manager, closeStores, err := config.BuildManager(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = closeStores() }()

	before, err := manager.GetSnapshots(ctx, args[0])
	if err != nil {
		return err
	}
	if err := manager.PruneSnapshots(ctx, args[0]); err != nil {
		return err
	}
	after, err := manager.GetSnapshots(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Pruned %d of %d snapshots, %d kept\n",
		len(before)-len(after), len(before), len(after))
	return nil
}
