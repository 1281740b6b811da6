package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tanq16/dlcore/internal/engine"
	"github.com/tanq16/dlcore/internal/output"
	"github.com/tanq16/dlcore/internal/scheduler"
	"github.com/tanq16/dlcore/internal/utils"
)

func newGetCmd() *cobra.Command {
	var outputPath string
	var urlListFile string
	var workers int
	var force bool
	var fileLog bool

	cmd := &cobra.Command{
		Use:   "get [URL]... [--output OUTPUT_PATH]",
		Short: "Download one or more URLs; Ctrl-C pauses and a later run resumes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && urlListFile == "" {
				return fmt.Errorf("no URL or URL list provided")
			}
			if urlListFile != "" && len(args) > 0 {
				return fmt.Errorf("cannot specify url arguments and --urllist together, choose one")
			}
			reqs, err := requests(args, outputPath, urlListFile, force)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if fileLog {
				f, err := os.OpenFile(utils.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
				if err != nil {
					return fmt.Errorf("error opening log file: %w", err)
				}
				defer f.Close()
				utils.SetLogOutput(f)
			}

			display := output.NewDisplay()
			st, err := buildStack(ctx, cfg, display)
			if err != nil {
				return err
			}
			defer st.Close()

			display.Start()
			runErr := st.manager.Run(ctx, reqs, workers)
			display.Stop()
			if runErr != nil {
				output.PrintError(runErr.Error())
			}
			if ctx.Err() != nil {
				output.PrintWarning("Paused; run the same command again to resume")
				return nil
			}
			if runErr != nil || display.Failed() {
				return fmt.Errorf("encountered failed download(s)")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path, or a directory ending in a separator (defaults to the current directory)")
	cmd.Flags().StringVarP(&urlListFile, "urllist", "l", "", "Path to YAML file containing URLs and output paths")
	cmd.Flags().IntVarP(&workers, "workers", "w", 1, "Number of downloads to run in parallel")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Download again even if the target already exists")
	cmd.Flags().BoolVar(&fileLog, "log-file", true, "Write logs to "+utils.LogFile+" while the display is active")
	return cmd
}

// requests turns arguments into engine requests. An empty output or one naming
// an existing directory lets the server choose the file name.
func requests(urls []string, outputPath, listFile string, force bool) ([]engine.Request, error) {
	if listFile != "" {
		dir := outputPath
		if dir == "" {
			dir = "."
		}
		return scheduler.ReadBatch(listFile, dir)
	}
	if len(urls) > 1 && outputPath != "" && !isDirectory(outputPath) {
		return nil, fmt.Errorf("--output must be a directory when downloading several URLs")
	}
	hdrs := utils.ParseHeaderArgs(headers)
	var reqs []engine.Request
	for _, url := range urls {
		req := engine.Request{URL: url, Path: outputPath, Headers: hdrs, ForceRedownload: force}
		if outputPath == "" {
			req.Path = "."
		}
		req.PathAsDirectory = isDirectory(req.Path)
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func isDirectory(path string) bool {
	if path == "" {
		return false
	}
	if path[len(path)-1] == os.PathSeparator || path[len(path)-1] == '/' {
		return true
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
