package main

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chasonr/copyvmfile/pkg/extractor"
)

var (
	flagPartition int
	flagDebug     bool
)

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if flagDebug {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}

func newExtractor() (*extractor.Extractor, func(), error) {
	log, err := newLogger()
	if err != nil {
		return nil, nil, err
	}
	return extractor.New(log, afero.NewOsFs()), func() { _ = log.Sync() }, nil
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "copyvmfile",
		Short:         "Copy files out of a VirtualBox disk image without mounting it",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	copyCmd := &cobra.Command{
		Use:   "copy IMAGE SRC [DEST]",
		Short: "Copy a file from the image to the host",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ext, done, err := newExtractor()
			if err != nil {
				return err
			}
			defer done()

			dst := ""
			if len(args) == 3 {
				dst = args[2]
			}
			_, err = ext.CopyFile(args[0], args[1], dst, flagPartition)
			return err
		},
	}
	copyCmd.Flags().IntVarP(&flagPartition, "partition", "p", extractor.UseFirstSupported,
		"partition index (default: first FAT partition)")

	lsCmd := &cobra.Command{
		Use:   "ls IMAGE [DIR]",
		Short: "List a directory inside the image",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ext, done, err := newExtractor()
			if err != nil {
				return err
			}
			defer done()

			dir := "/"
			if len(args) == 2 {
				dir = args[1]
			}
			infos, err := ext.ListDir(args[0], flagPartition, dir)
			if err != nil {
				return err
			}
			for _, fi := range infos {
				kind := "-"
				if fi.IsDir() {
					kind = "d"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %10d  %s  %s\n",
					kind, fi.Size(), fi.ModTime().Format("2006-01-02 15:04:05"), fi.Name())
			}
			return nil
		},
	}
	lsCmd.Flags().IntVarP(&flagPartition, "partition", "p", extractor.UseFirstSupported,
		"partition index (default: first FAT partition)")

	partitionsCmd := &cobra.Command{
		Use:   "partitions IMAGE",
		Short: "Show the image's partition table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ext, done, err := newExtractor()
			if err != nil {
				return err
			}
			defer done()

			partitions, err := ext.ListPartitions(args[0])
			if err != nil {
				return err
			}
			for i, p := range partitions {
				boot := " "
				if p.Bootable() {
					boot = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%2d %s %-16s start=%-12d size=%d\n",
					i, boot, p.GetType(), p.GetStartOffset(), p.GetSize())
			}
			return nil
		},
	}

	rootCmd.AddCommand(copyCmd, lsCmd, partitionsCmd)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
