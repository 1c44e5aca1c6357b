package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"chatdigest/internal/app"
	"chatdigest/internal/config"
	"chatdigest/internal/digest"
	"chatdigest/pkg/logx"

	"github.com/spf13/cobra"
)

func jobsCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect persisted jobs",
	}
	cmd.AddCommand(jobsListCmd(cfgPath))
	return cmd
}

func jobsListCmd(cfgPath *string) *cobra.Command {
	var (
		owner  int64
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs from the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cmd.Context(), cfg, logx.Nop())
			if err != nil {
				return err
			}
			defer store.Close()

			owners := []int64{owner}
			if owner == 0 {
				if owners, err = store.Owners(cmd.Context()); err != nil {
					return err
				}
			}
			var jobs []digest.Job
			for _, o := range owners {
				st, err := store.LoadOwner(cmd.Context(), o)
				if err != nil {
					return err
				}
				jobs = append(jobs, st.SortedJobs()...)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(jobs)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(out, "no jobs")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "OWNER\tKIND\tSCOPE\tSCHEDULE\tENABLED\tDELIVER TO")
			for _, j := range jobs {
				sched := j.Interval.String()
				if j.Cron != "" {
					sched = "cron " + j.Cron
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\t%d\n", j.OwnerID, j.Kind, j.Scope, sched, j.Enabled, j.DeliverTo)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int64Var(&owner, "owner", 0, "only this owner chat id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
