package commands

import (
	"context"
	"os"

	"github.com/gristlabs/grist-hsm/internal/cli/output"
	"github.com/gristlabs/grist-hsm/pkg/blob"
	"github.com/gristlabs/grist-hsm/pkg/config"
	"github.com/spf13/cobra"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots <docId>",
	Short: "List a document's snapshots",
	Long: `List a document's snapshots in the blob store, newest first.

The SNAPSHOT ID column can be appended to the document id as "<docId>~v=<id>"
to fetch a read-only view of that version.

Examples:
  hsm snapshots 5Fwg7r9qomGwTnbpCD2vzG
  hsm snapshots 5Fwg7r9qomGwTnbpCD2vzG --config /etc/grist-hsm/config.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshots,
}

func runSnapshots(cmd *cobra.Command, args []string) error {
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

	snapshots, err := manager.GetSnapshots(ctx, args[0])
	if err != nil {
		return err
	}

	table := output.NewTableData("SNAPSHOT ID", "LAST MODIFIED", "LABEL", "TIMEZONE", "CHECKSUM")
	for _, snap := range snapshots {
		table.AddRow(
			snap.SnapshotID,
			snap.LastModified.UTC().Format("2006-01-02 15:04:05"),
			snap.Metadata[blob.MetaLabel],
			snap.Metadata[blob.MetaTimezone],
			shortChecksum(snap.Metadata[blob.MetaHash]),
		)
	}
	return output.PrintTable(os.Stdout, table)
}

// shortChecksum truncates a hex digest for table display.
func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
