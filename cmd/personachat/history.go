package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <persona-id>",
	Short: "Print a conversation's recent history",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		if err := a.requireLogin(); err != nil {
			return err
		}
		pages, _ := cmd.Flags().GetInt("pages")

		ctrl := a.session()
		defer ctrl.Close()
		res, err := openSession(cmd.Context(), ctrl, args[0])
		if err != nil {
			return err
		}

		st := res.Store
		for i := 1; i < pages && st.Cursor().HasPrevious; i++ {
			if _, err := st.LoadOlder(cmd.Context()); err != nil {
				return err
			}
		}

		msgs := st.Messages()
		printMessages(cmd.OutOrStdout(), res.Persona.Name, msgs)
		more := ""
		if st.Cursor().HasPrevious {
			more = "; earlier messages not shown"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s messages%s\n", humanize.Comma(int64(len(msgs))), more)
		return nil
	}),
}

var searchCmd = &cobra.Command{
	Use:   "search <persona-id> <query>",
	Short: "Search a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		if err := a.requireLogin(); err != nil {
			return err
		}
		page, _ := cmd.Flags().GetInt("page")
		limit, _ := cmd.Flags().GetInt("limit")

		ctrl := a.session()
		defer ctrl.Close()
		res, err := openSession(cmd.Context(), ctrl, args[0])
		if err != nil {
			return err
		}

		found, err := res.Store.Search(cmd.Context(), args[1], page, limit)
		if err != nil {
			return fmt.Errorf("%s", describe(err))
		}
		printMessages(cmd.OutOrStdout(), res.Persona.Name, found.Items)
		fmt.Fprintf(cmd.OutOrStdout(), "page %d: %d of %s matches\n", found.Page, len(found.Items), humanize.Comma(int64(found.Total)))
		if found.HasMore {
			fmt.Fprintf(cmd.OutOrStdout(), "more results with --page %d\n", found.Page+1)
		}
		return nil
	}),
}

func init() {
	historyCmd.Flags().Int("pages", 1, "number of pages to load, newest first")
	searchCmd.Flags().Int("page", 1, "result page")
	searchCmd.Flags().Int("limit", 0, "results per page (default from config)")
	rootCmd.AddCommand(historyCmd, searchCmd)
}
