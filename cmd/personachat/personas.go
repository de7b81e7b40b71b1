package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var personasCmd = &cobra.Command{
	Use:   "personas",
	Short: "List personas",
	Long:  "List the personas assigned to you, or with --all every persona you can see.",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		if err := a.requireLogin(); err != nil {
			return err
		}
		all, _ := cmd.Flags().GetBool("all")
		search, _ := cmd.Flags().GetString("search")

		ctx := cmd.Context()
		if !all && search == "" {
			assigned, err := a.client.AssignedPersonas(ctx)
			if err != nil {
				return err
			}
			if len(assigned) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No personas are assigned to you.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tDESCRIPTION")
			for _, p := range assigned {
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Name, p.Description)
			}
			return w.Flush()
		}

		page, _ := cmd.Flags().GetInt("page")
		limit, _ := cmd.Flags().GetInt("limit")
		res, err := a.client.Personas(ctx, page, limit, search)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPUBLIC\tDESCRIPTION")
		for _, p := range res.Items {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", p.ID, p.Name, p.IsPublic, p.Description)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "page %d, %s personas in total\n", res.Page, humanize.Comma(int64(res.Total)))
		return nil
	}),
}

func init() {
	personasCmd.Flags().Bool("all", false, "list every visible persona, not only assigned ones")
	personasCmd.Flags().String("search", "", "filter by name")
	personasCmd.Flags().Int("page", 1, "page number")
	personasCmd.Flags().Int("limit", 20, "page size")
	rootCmd.AddCommand(personasCmd)
}
