package commands

import (
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"zombiefile/internal/core/domain"
	"zombiefile/internal/p2p"
	"zombiefile/pkg/utils"
)

// receive <roomId|join-link>: join the room and save every file the sender
// sends into the output directory.
func receiveCmd() *cobra.Command {
	var (
		outputDir string
		expect    int
	)

	cmd := &cobra.Command{
		Use:     "receive <room-id|join-link>",
		Aliases: []string{"recv"},
		Short:   "Receive files from a peer",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomID, err := p2p.ParseJoinTarget(args[0])
			if err != nil {
				return err
			}
			if outputDir == "" {
				outputDir = cfg.Client.OutputDir
			}

			ctx, stop := ossignal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sig, err := dialSignal(ctx)
			if err != nil {
				return err
			}
			defer sig.Close()

			obs, stopMetrics := observer()
			defer stopMetrics()

			out := cmd.OutOrStdout()
			start := utils.Now()
			results, err := p2p.Receive(ctx, sig, roomID, p2p.ReceiveOptions{
				WebRTC:     webrtcConfig(),
				OutputDir:  outputDir,
				Observer:   obs,
				Expect:     expect,
				OnProgress: progressPrinter(cmd.ErrOrStderr()),
				OnSaved: func(path string, f *domain.File) {
					fmt.Fprintf(out, "Saved %s (%s)\n", path, utils.FormatBytes(int64(len(f.Data))))
				},
			}, log)

			printResults(out, results)
			printSummary(out, results, utils.Since(start))
			return err
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "directory to save received files (default from config)")
	cmd.Flags().IntVar(&expect, "expect", 0, "stop after this many files (default: until the sender disconnects)")
	return cmd
}

func progressPrinter(w io.Writer) func(domain.Progress) {
	return func(p domain.Progress) {
		fmt.Fprintf(w, "\r%s %s: %3d%% (%d/%d bytes)", p.Direction, p.File, p.Percent, p.Transferred, p.Total)
		if p.Percent >= 100 {
			fmt.Fprintln(w)
		}
	}
}

func printResults(w io.Writer, results []domain.FileResult) {
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(w, "%-8s %s: %v\n", r.Status, r.Name, r.Err)
			continue
		}
		fmt.Fprintf(w, "%-8s %s (%s)\n", r.Status, r.Name, utils.FormatBytes(r.Bytes))
	}
}

func printSummary(w io.Writer, results []domain.FileResult, elapsed time.Duration) {
	var total int64
	done := 0
	for _, r := range results {
		if r.Err == nil {
			total += r.Bytes
			done++
		}
	}
	if done == 0 {
		return
	}
	fmt.Fprintf(w, "%d/%d files, %s in %s (%s)\n", done, len(results),
		utils.FormatBytes(total), utils.FormatDuration(elapsed), utils.FormatRate(total, elapsed.Seconds()))
}
