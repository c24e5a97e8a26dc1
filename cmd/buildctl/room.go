package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"buildcraft.ai/internal/persistence/roomdb"
)

func init() {
	var dbPath string
	roomCmd := &cobra.Command{Use: "room", Short: "Durable room state in the sqlite store"}
	roomCmd.PersistentFlags().StringVar(&dbPath, "db", "", "room store path (default: <data>/rooms.db)")

	open := func() (*roomdb.SQLiteRooms, error) {
		p := dbPath
		if p == "" {
			p = filepath.Join(dataFlag, "rooms.db")
		}
		if _, err := os.Stat(p); err != nil {
			return nil, err
		}
		return roomdb.OpenSQLite(p)
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			rooms, err := db.Rooms(context.Background())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ROOM\tOBJECTS\tLAST SNAPSHOT")
			for _, r := range rooms {
				last := "-"
				if r.LastSnap > 0 {
					last = humanize.Time(time.UnixMilli(r.LastSnap))
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Room, humanize.Comma(int64(r.Objects)), last)
			}
			return tw.Flush()
		},
	}
	roomCmd.AddCommand(listCmd)

	dumpCmd := &cobra.Command{
		Use:   "dump ROOM",
		Short: "Print every stored object of a room as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			objs, err := db.LoadRoom(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, o := range objs {
				if err := enc.Encode(o); err != nil {
					return err
				}
			}
			return nil
		},
	}
	roomCmd.AddCommand(dumpCmd)

	rootCmd.AddCommand(roomCmd)
}
