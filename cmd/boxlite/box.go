package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/boxlite/boxlite/box"
	"github.com/boxlite/boxlite/types"
)

// boxCmd builds the "box" parent command with every lifecycle subcommand,
// following cocoon's cmd/vm.Command layout.
func boxCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "box",
		Short: "Manage boxes (microVMs)",
	}

	createCmd := &cobra.Command{
		Use:   "create [flags] IMAGE",
		Short: "Create a box from an image",
		Args:  cobra.ExactArgs(1),
		RunE:  runCreate,
	}
	addCreateFlags(createCmd)

	runCmd := &cobra.Command{
		Use:   "run [flags] IMAGE",
		Short: "Create and start a box from an image",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	addCreateFlags(runCmd)

	startCmd := &cobra.Command{
		Use:   "start BOX [BOX...]",
		Short: "Start configured/stopped box(es)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runStart,
	}

	stopCmd := &cobra.Command{
		Use:   "stop BOX [BOX...]",
		Short: "Stop running box(es)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runStop,
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List boxes with status",
		RunE:    runList,
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect BOX",
		Short: "Show detailed box info (JSON)",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}

	execCmd := &cobra.Command{
		Use:   "exec [flags] BOX -- CMD [ARG...]",
		Short: "Run a command in a box, starting it first if needed",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runExec,
	}
	execCmd.Flags().Bool("tty", false, "allocate a pseudo-TTY")
	execCmd.Flags().StringP("user", "u", "", "user to run as")
	execCmd.Flags().StringP("workdir", "w", "", "working directory")

	rmCmd := &cobra.Command{
		Use:   "rm [flags] BOX [BOX...]",
		Short: "Delete box(es) (--force to stop running boxes first)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRM,
	}
	rmCmd.Flags().Bool("force", false, "force delete running boxes")

	cloneCmd := &cobra.Command{
		Use:   "clone [flags] BOX NEW_NAME",
		Short: "Clone a stopped box",
		Args:  cobra.ExactArgs(2),
		RunE:  runClone,
	}
	cloneCmd.Flags().Bool("cow", true, "copy-on-write clone (false flattens to standalone disks)")
	cloneCmd.Flags().String("from-snapshot", "", "clone from a named snapshot instead of the box's current disks")
	cloneCmd.Flags().Bool("start", false, "start the clone immediately")

	exportCmd := &cobra.Command{
		Use:   "export [flags] BOX DEST",
		Short: "Export a stopped box to a .boxsnap archive",
		Args:  cobra.ExactArgs(2),
		RunE:  runExport,
	}
	exportCmd.Flags().Bool("compress", true, "zstd-compress the archive")

	importCmd := &cobra.Command{
		Use:   "import [flags] ARCHIVE",
		Short: "Import a .boxsnap archive as a new box",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
	importCmd.Flags().String("name", "", "name for the imported box")

	root.AddCommand(createCmd, runCmd, startCmd, stopCmd, listCmd, inspectCmd,
		execCmd, rmCmd, cloneCmd, exportCmd, importCmd)
	return root
}

func addCreateFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "box name")
	cmd.Flags().Int("cpus", 2, "vCPU count")                  //nolint:mnd
	cmd.Flags().String("memory", "512M", "guest memory size") //nolint:mnd
	cmd.Flags().String("storage", "4G", "container overlay disk size")
	cmd.Flags().Bool("network", false, "attach a user-mode network interface")
	cmd.Flags().Bool("detach", true, "run detached from the launching process")
	cmd.Flags().Bool("auto-remove", false, "remove the box automatically once it stops")
	cmd.Flags().StringSlice("entrypoint", nil, "override the image entrypoint")
	cmd.Flags().StringSlice("env", nil, "environment variables as KEY=VALUE")
	cmd.Flags().Bool("jailer", true, "enable the sandbox jailer")
	cmd.Flags().Bool("seccomp", true, "enable the seccomp filter")
}

func boxConfigFromFlags(cmd *cobra.Command, image string, cmdArgs []string) (*types.BoxConfig, error) {
	name, _ := cmd.Flags().GetString("name")
	cpus, _ := cmd.Flags().GetInt("cpus")
	memStr, _ := cmd.Flags().GetString("memory")
	storageStr, _ := cmd.Flags().GetString("storage")
	network, _ := cmd.Flags().GetBool("network")
	detach, _ := cmd.Flags().GetBool("detach")
	autoRemove, _ := cmd.Flags().GetBool("auto-remove")
	entrypoint, _ := cmd.Flags().GetStringSlice("entrypoint")
	envPairs, _ := cmd.Flags().GetStringSlice("env")
	jailer, _ := cmd.Flags().GetBool("jailer")
	seccomp, _ := cmd.Flags().GetBool("seccomp")

	memBytes, err := units.RAMInBytes(memStr)
	if err != nil {
		return nil, fmt.Errorf("parse --memory: %w", err)
	}
	storageBytes, err := units.RAMInBytes(storageStr)
	if err != nil {
		return nil, fmt.Errorf("parse --storage: %w", err)
	}

	env := make(map[string]string, len(envPairs))
	for _, kv := range envPairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
		}
		env[k] = v
	}

	var net *types.NetworkConfig
	if network {
		net = &types.NetworkConfig{Enabled: true}
	}

	return &types.BoxConfig{
		Name:       name,
		Engine:     types.EngineKrun,
		Rootfs:     types.RootfsSource{Image: image},
		CPUs:       cpus,
		MemoryMiB:  memBytes >> 20, //nolint:mnd
		DiskSizeGB: storageBytes >> 30, //nolint:mnd
		Cmd:        cmdArgs,
		Entrypoint: entrypoint,
		Env:        env,
		AutoRemove: autoRemove,
		Detach:     detach,
		Network:    net,
		Security: types.SecurityOptions{
			JailerEnabled:  jailer,
			SeccompEnabled: seccomp,
			NetworkEnabled: network,
		},
	}, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfg, err := boxConfigFromFlags(cmd, args[0], nil)
	if err != nil {
		return err
	}
	b, err := controller.Create(commandContext(cmd), cfg)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	logger := log.WithFunc("cmd.create")
	logger.Infof(cmd.Context(), "box created: %s (name: %s)", b.ID, b.Config.Name)
	logger.Infof(cmd.Context(), "start with: boxlite box start %s", b.ID)
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := boxConfigFromFlags(cmd, args[0], nil)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	b, err := controller.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	started, err := controller.Start(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	log.WithFunc("cmd.run").Infof(ctx, "box running: %s (name: %s)", started.ID, started.Config.Name)
	return nil
}

// batchBoxCmd applies op to every ref in order, logging each success with
// verb and surfacing the first error after logging whatever succeeded,
// mirroring cocoon's main.go batchVMCmd / cmd/vm's use of hyper.Start.
func batchBoxCmd(ctx context.Context, refs []string, verb string, op func(context.Context, string) (*types.Box, error)) error {
	logger := log.WithFunc("cmd." + verb)
	for _, ref := range refs {
		b, err := op(ctx, ref)
		if err != nil {
			return fmt.Errorf("%s %s: %w", verb, ref, err)
		}
		logger.Infof(ctx, "%s: %s", verb+"ped", b.ID)
	}
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	return batchBoxCmd(commandContext(cmd), args, "start", controller.Start)
}

func runStop(cmd *cobra.Command, args []string) error {
	return batchBoxCmd(commandContext(cmd), args, "stop", controller.Stop)
}

func runList(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	boxes, err := controller.List(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(boxes) == 0 {
		fmt.Println("No boxes found.")
		return nil
	}
	sort.Slice(boxes, func(i, j int) bool { return boxes[i].State.CreatedAt.Before(boxes[j].State.CreatedAt) })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCPUS\tMEMORY\tIMAGE\tCREATED")
	for _, b := range boxes {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			b.ID,
			b.Config.Name,
			b.State.Status,
			b.Config.CPUs,
			units.BytesSize(float64(b.Config.MemoryMiB<<20)), //nolint:mnd
			b.Config.Rootfs.Image,
			b.State.CreatedAt.Local().Format(time.DateTime),
		)
	}
	return w.Flush()
}

func runInspect(cmd *cobra.Command, args []string) error {
	b, err := controller.Inspect(commandContext(cmd), args[0])
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(b)
}

func runExec(cmd *cobra.Command, args []string) error {
	ref := args[0]
	execArgs := args[1:]
	tty, _ := cmd.Flags().GetBool("tty")
	user, _ := cmd.Flags().GetString("user")
	workdir, _ := cmd.Flags().GetString("workdir")

	result, err := controller.Exec(commandContext(cmd), ref, execArgs, box.ExecOptions{
		TTY:    tty,
		User:   user,
		Dir:    workdir,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	os.Exit(types.ShellExitCode(result.ExitCode))
	return nil // unreachable
}

func runRM(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	force, _ := cmd.Flags().GetBool("force")
	logger := log.WithFunc("cmd.rm")
	var firstErr error
	for _, ref := range args {
		if err := controller.Remove(ctx, ref, force); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logger.Infof(ctx, "deleted box: %s", ref)
	}
	return firstErr
}

func runClone(cmd *cobra.Command, args []string) error {
	cow, _ := cmd.Flags().GetBool("cow")
	fromSnapshot, _ := cmd.Flags().GetString("from-snapshot")
	start, _ := cmd.Flags().GetBool("start")

	b, err := controller.Clone(commandContext(cmd), args[0], args[1], box.CloneOptions{
		COW:              cow,
		FromSnapshot:     fromSnapshot,
		StartAfterClone:  start,
	})
	if err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	log.WithFunc("cmd.clone").Infof(cmd.Context(), "cloned to box %s (name=%q)", b.ID, b.Config.Name)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	compress, _ := cmd.Flags().GetBool("compress")
	path, err := controller.Export(commandContext(cmd), args[0], args[1], box.ExportOptions{Compress: compress})
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	log.WithFunc("cmd.export").Infof(cmd.Context(), "exported to %s", path)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	b, err := controller.Import(commandContext(cmd), args[0], name)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	log.WithFunc("cmd.import").Infof(cmd.Context(), "imported box %s (name=%q)", b.ID, b.Config.Name)
	return nil
}
