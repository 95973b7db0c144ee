// maskcreator is the headless client for a promptable segmentation server.
//
//	maskcreator args                      Print the server's startup arguments
//	maskcreator list [dir]                List base images of a process directory
//	maskcreator segment <image> ...       One-shot point/box segmentation
//	maskcreator detect <image>            Detect, composite and save a mask
//	maskcreator composite <image> <m>...  Additive composite of existing masks
//	maskcreator watch [dir]               Batch mode over a process directory
//	maskcreator history                   Saved-mask history
//	maskcreator config init|show          Manage the configuration file
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags override the loaded configuration.
type globalFlags struct {
	configPath string
	transport  string
	host       string
	port       int
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "maskcreator",
		Short:         "Create segmentation masks with a promptable segmentation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to config file (toml, json or yaml)")
	pf.StringVar(&flags.transport, "transport", "", "segmentation transport: binary or http")
	pf.StringVar(&flags.host, "host", "", "segmentation server host")
	pf.IntVar(&flags.port, "port", 0, "segmentation server port for the selected transport")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		newArgsCmd(flags),
		newListCmd(flags),
		newSegmentCmd(flags),
		newDetectCmd(flags),
		newCompositeCmd(flags),
		newWatchCmd(flags),
		newHistoryCmd(flags),
		newConfigCmd(flags),
	)
	return root
}
