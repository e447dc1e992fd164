package main

import (
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
)

// gcCmd mirrors cocoon's cmdothers Handler.GC: a single no-arg command
// that runs one garbage-collection cycle across every registered backend.
func gcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Reclaim unreferenced image and guest-rootfs cache entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			if err := controller.RunGC(ctx); err != nil {
				return err
			}
			log.WithFunc("cmd.gc").Infof(ctx, "GC completed")
			return nil
		},
	}
}
