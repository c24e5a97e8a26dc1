package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"buildcraft.ai/internal/persistence/snapshot"
	"buildcraft.ai/internal/sim/model"
)

func init() {
	snapCmd := &cobra.Command{Use: "snapshot", Short: "Room snapshot files"}

	inspectCmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Summarize one snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectSnapshot(args[0], time.Now(), cmd.OutOrStdout())
		},
	}
	snapCmd.AddCommand(inspectCmd)

	latestCmd := &cobra.Command{
		Use:   "latest ROOM",
		Short: "Summarize the newest snapshot of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := snapshot.Latest(filepath.Join(dataFlag, "snapshots"), args[0])
			if err != nil {
				return err
			}
			if path == "" {
				return fmt.Errorf("no snapshot for room %q", args[0])
			}
			return inspectSnapshot(path, time.Now(), cmd.OutOrStdout())
		},
	}
	snapCmd.AddCommand(latestCmd)

	rootCmd.AddCommand(snapCmd)
}

func inspectSnapshot(path string, now time.Time, w io.Writer) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	snap, err := snapshot.Read(path)
	if err != nil {
		return err
	}
	h := snap.Header
	taken := time.UnixMilli(h.TakenAt)
	fmt.Fprintf(w, "file:     %s (%s)\n", path, humanize.Bytes(uint64(st.Size())))
	fmt.Fprintf(w, "room:     %s\n", h.Room)
	fmt.Fprintf(w, "taken:    %s (%s)\n", taken.UTC().Format(time.RFC3339), humanize.RelTime(taken, now, "ago", "from now"))

	var simple, advanced, permanent int
	var soonest *model.BuildObject
	for i, o := range snap.Objects {
		if o.IsAdvanced {
			advanced++
		} else {
			simple++
		}
		if !o.Expires() {
			permanent++
			continue
		}
		if soonest == nil || o.ExpiresAt < soonest.ExpiresAt {
			soonest = &snap.Objects[i]
		}
	}
	fmt.Fprintf(w, "objects:  %s (%d simple, %d advanced, %d permanent)\n", humanize.Comma(int64(len(snap.Objects))), simple, advanced, permanent)
	if soonest != nil {
		exp := time.UnixMilli(soonest.ExpiresAt)
		fmt.Fprintf(w, "next expiry: %s %s\n", soonest.ID, humanize.RelTime(exp, now, "ago", "from now"))
	}
	return nil
}
