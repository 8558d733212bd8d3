package main

import (
	"fmt"
	"os"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/filetransfer"
	"github.com/spf13/cobra"
)

// pushCmd represents the push command
var pushCmd = &cobra.Command{
	Use:   "push <local-file> <remote-path>",
	Short: "Copy a file to the scanner's storage",
	Long: `Streams a local file to the scanner in FileData chunks.
The transfer is aborted on the device if anything fails midway.

Examples:
  flockctl push ./ouis.txt /ext/flock/ouis.txt
  flockctl push ./rules.bin /ext/flock/rules.bin --ble 80:E1:26:11:22:33 --chunk 128`,
	Args: cobra.ExactArgs(2),
	RunE: runPush,
}

var (
	pushFlags connectFlags
	pushChunk int
)

func init() {
	pushFlags.register(pushCmd)
	pushCmd.Flags().IntVar(&pushChunk, "chunk", 256, "FileData chunk size in bytes")
}

func runPush(cmd *cobra.Command, args []string) error {
	local, remote := args[0], args[1]

	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", local)
	}

	logger, cfg, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	c, err := connect(ctx, cmd, &pushFlags, cfg.ConnectTimeout, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	sender := filetransfer.NewSender(c, filetransfer.Config{ChunkSize: pushChunk}, logger)
	out := cmd.ErrOrStderr()
	sender.OnProgress = func(p filetransfer.Progress) {
		fmt.Fprintf(out, "\rUploading %s: %d/%d bytes", p.Path, p.Sent, p.Total)
	}
	if err := sender.Send(ctx, remote, f, info.Size()); err != nil {
		fmt.Fprintln(out)
		return err
	}
	fmt.Fprintf(out, "\rUploaded %s (%d bytes)\n", remote, info.Size())
	return nil
}
