package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	persistlog "buildcraft.ai/internal/persistence/log"
	"buildcraft.ai/internal/relay"
)

type journalFilter struct {
	room   string
	typ    string
	id     string
	frames bool
}

func (f journalFilter) match(e relay.JournalEntry) bool {
	return (f.room == "" || e.Room == f.room) &&
		(f.typ == "" || e.Type == f.typ) &&
		(f.id == "" || e.ID == f.id)
}

var journalCmd = &cobra.Command{Use: "journal", Short: "Relay frame journal"}

func init() {
	var f journalFilter
	catCmd := &cobra.Command{
		Use:   "cat [FILE...]",
		Short: "Print journal entries (default: every file under <data>/journal)",
		RunE: func(cmd *cobra.Command, args []string) error {
			files := args
			if len(files) == 0 {
				var err error
				if files, err = persistlog.Files(dataFlag); err != nil {
					return err
				}
			}
			return catJournal(files, f, cmd.OutOrStdout())
		},
	}
	catCmd.Flags().StringVar(&f.room, "room", "", "only this room")
	catCmd.Flags().StringVar(&f.typ, "type", "", "only this frame type (create, update, delete, extend)")
	catCmd.Flags().StringVar(&f.id, "id", "", "only this object id")
	catCmd.Flags().BoolVar(&f.frames, "frames", false, "print the raw frames instead of summaries")
	journalCmd.AddCommand(catCmd)

	rootCmd.AddCommand(journalCmd)
}

func catJournal(files []string, f journalFilter, w io.Writer) error {
	for _, path := range files {
		err := persistlog.ReadJournal(path, func(e relay.JournalEntry) error {
			if !f.match(e) {
				return nil
			}
			if f.frames {
				_, err := fmt.Fprintln(w, string(e.Frame))
				return err
			}
			b, err := json.Marshal(struct {
				T        int64  `json:"t"`
				Room     string `json:"room"`
				ClientID string `json:"client_id"`
				Type     string `json:"type"`
				ID       string `json:"id"`
			}{e.Time, e.Room, e.ClientID, e.Type, e.ID})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(w, string(b))
			return err
		})
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}
