package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"maskcreator/internal/store"
)

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	var (
		limit  int
		image  string
		runs   bool
		verify bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show saved masks and watch runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.close()

			hist, err := a.history()
			if err != nil {
				return err
			}
			if hist == nil {
				return errors.New("history is disabled (storage.enabled = false)")
			}
			defer hist.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if verify {
				bad, err := hist.VerifyLatest(ctx)
				if err != nil {
					return err
				}
				if len(bad) == 0 {
					fmt.Fprintln(out, "All saved masks are intact.")
					return nil
				}
				for _, status := range []store.MaskStatus{store.MaskModified, store.MaskMissing} {
					for _, m := range bad[status] {
						fmt.Fprintf(out, "%-8s %s\n", status, m.MaskPath)
					}
				}
				return fmt.Errorf("%d saved mask(s) changed on disk", len(bad[store.MaskModified])+len(bad[store.MaskMissing]))
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			defer tw.Flush()

			if runs {
				list, err := hist.RecentRuns(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "TIME\tOUTCOME\tBOXES\tIMAGE\tERROR")
				for _, r := range list {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
						r.CreatedAt.Format(time.DateTime), r.Outcome, r.Boxes, r.ImagePath, r.Error)
				}
				return nil
			}

			var list []store.SavedMask
			if image != "" {
				list, err = hist.MasksForImage(ctx, image)
			} else {
				list, err = hist.RecentMasks(ctx, limit)
			}
			if err != nil {
				return err
			}

			stats, err := hist.GetStats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d saved mask(s) for %d image(s), %d watch run(s), %d failed\n\n",
				stats.SavedMasks, stats.Images, stats.WatchRuns, stats.FailedRuns)

			fmt.Fprintln(tw, "TIME\tLAYERS\tSIZE\tHASH\tMASK")
			for _, m := range list {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%x\t%s\n",
					m.CreatedAt.Format(time.DateTime), m.Layers, m.MaskSize, m.MaskHash[:6], m.MaskPath)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&limit, "limit", "n", 20, "maximum entries to show (0 for all)")
	f.StringVar(&image, "image", "", "only show saves of this base image")
	f.BoolVar(&runs, "runs", false, "show watch runs instead of saved masks")
	f.BoolVar(&verify, "verify", false, "check that the newest mask of every image is unchanged on disk")
	return cmd
}
