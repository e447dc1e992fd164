package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
)

// snapshotCmd builds the "snapshot" parent command for C11's snapshot
// create/list/inspect/restore/rm operations.
func snapshotCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage box snapshots",
	}

	createCmd := &cobra.Command{
		Use:   "create BOX NAME",
		Short: "Snapshot a stopped box's disks",
		Args:  cobra.ExactArgs(2),
		RunE:  runSnapshotCreate,
	}
	listCmd := &cobra.Command{
		Use:   "list BOX",
		Short: "List a box's snapshots",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshotList,
	}
	inspectCmd := &cobra.Command{
		Use:   "inspect BOX NAME",
		Short: "Show detailed snapshot info (JSON)",
		Args:  cobra.ExactArgs(2),
		RunE:  runSnapshotInspect,
	}
	restoreCmd := &cobra.Command{
		Use:   "restore BOX NAME",
		Short: "Restore a stopped box to a snapshot",
		Args:  cobra.ExactArgs(2),
		RunE:  runSnapshotRestore,
	}
	rmCmd := &cobra.Command{
		Use:   "rm BOX NAME",
		Short: "Delete a snapshot",
		Args:  cobra.ExactArgs(2),
		RunE:  runSnapshotRM,
	}

	root.AddCommand(createCmd, listCmd, inspectCmd, restoreCmd, rmCmd)
	return root
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	info, err := controller.SnapshotCreate(commandContext(cmd), args[0], args[1])
	if err != nil {
		return fmt.Errorf("snapshot create: %w", err)
	}
	log.WithFunc("cmd.snapshot.create").Infof(cmd.Context(), "snapshot %q created for box %s", info.Name, info.BoxID)
	return nil
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	snaps, err := controller.SnapshotList(commandContext(cmd), args[0])
	if err != nil {
		return fmt.Errorf("snapshot list: %w", err)
	}
	if len(snaps) == 0 {
		fmt.Println("No snapshots found.")
		return nil
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSIZE\tCREATED")
	for _, s := range snaps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, units.BytesSize(float64(s.SizeBytes)), s.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runSnapshotInspect(cmd *cobra.Command, args []string) error {
	info, err := controller.SnapshotGet(commandContext(cmd), args[0], args[1])
	if err != nil {
		return fmt.Errorf("snapshot inspect: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

func runSnapshotRestore(cmd *cobra.Command, args []string) error {
	if err := controller.SnapshotRestore(commandContext(cmd), args[0], args[1]); err != nil {
		return fmt.Errorf("snapshot restore: %w", err)
	}
	log.WithFunc("cmd.snapshot.restore").Infof(cmd.Context(), "box %s restored to snapshot %q", args[0], args[1])
	return nil
}

func runSnapshotRM(cmd *cobra.Command, args []string) error {
	if err := controller.SnapshotRemove(commandContext(cmd), args[0], args[1]); err != nil {
		return fmt.Errorf("snapshot rm: %w", err)
	}
	log.WithFunc("cmd.snapshot.rm").Infof(cmd.Context(), "snapshot %q removed from box %s", args[1], args[0])
	return nil
}
