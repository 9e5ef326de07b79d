package commands

import (
	"fmt"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"zombiefile/internal/core/domain"
	"zombiefile/internal/p2p"
	"zombiefile/pkg/utils"
)

// send <files...>: create a room, print the join link and send the files to
// the first peer that joins.
func sendCmd() *cobra.Command {
	var roomID string

	cmd := &cobra.Command{
		Use:   "send <file> [file...]",
		Short: "Send files to a peer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := readFiles(args)
			if err != nil {
				return err
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
			var start time.Time
			results, err := p2p.Send(ctx, sig, files, p2p.SendOptions{
				RoomID:   domain.RoomID(roomID),
				WebRTC:   webrtcConfig(),
				Transfer: senderConfig(cfg),
				Observer: obs,
				OnRoom: func(id domain.RoomID) {
					fmt.Fprintf(out, "Room: %s\nJoin link: %s\n", id, p2p.JoinLink(cfg.Signal.PublicURL, id))
				},
				OnConnected: func() { start = utils.Now() },
				OnProgress: progressPrinter(cmd.ErrOrStderr()),
			}, log)

			printResults(out, results)
			if !start.IsZero() {
				printSummary(out, results, utils.Since(start))
			}
			return err
		},
	}

	cmd.Flags().StringVar(&roomID, "room", "", "room id to create (default: random uuid)")
	return cmd
}

func readFiles(paths []string) ([]domain.File, error) {
	files := make([]domain.File, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, domain.File{Name: filepath.Base(path), Data: data})
	}
	return files, nil
}
