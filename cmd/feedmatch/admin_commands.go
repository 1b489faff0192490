package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"feedmatch/internal/engine"
	"feedmatch/internal/fetcher"
	"feedmatch/internal/filter"
	"feedmatch/internal/storage"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *storage.SQLite) error {
				v, err := store.SchemaVersion()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Database schema at version %d\n", v)
				return nil
			})
		},
	}
}

func newCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Compile every filter and report the ones that are skipped",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *storage.SQLite) error {
				catalog, err := store.LoadCatalog(cmd.Context())
				if err != nil {
					return err
				}
				snap := engine.Compile(catalog)
				out := cmd.OutOrStdout()

				rows := make([][]string, 0, len(catalog.Feeds))
				for _, f := range catalog.Feeds {
					rows = append(rows, []string{
						strconv.FormatInt(f.ID, 10),
						f.Name,
						yesNo(f.IsActive),
						strconv.Itoa(snap.RuleCount(f.ID)),
					})
				}
				fmt.Fprintln(out, renderTable([]string{"ID", "Feed", "Active", "Rules"}, rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight}))
				fmt.Fprintf(out, "%d author filter(s), %d subscription(s)\n",
					len(catalog.AuthorFilters), len(catalog.Subscriptions))

				if len(snap.Errors) == 0 {
					fmt.Fprintln(out, "All filters compile.")
					return nil
				}
				fmt.Fprintln(out, renderTable([]string{"Source", "Filter", "Feed", "Kind", "Error"}, configErrorRows(snap.Errors),
					[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft, alignLeft}))
				return fmt.Errorf("%d filter(s) failed to compile", len(snap.Errors))
			})
		},
	}
}

func configErrorRows(errs []*filter.ConfigError) [][]string {
	rows := make([][]string, 0, len(errs))
	for _, e := range errs {
		rows = append(rows, []string{
			e.Source,
			strconv.FormatInt(e.FilterID, 10),
			strconv.FormatInt(e.FeedID, 10),
			e.ErrorKind(),
			e.Err.Error(),
		})
	}
	return rows
}

func newMatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "match <feed-id>",
		Short: "Fetch a feed and show what would happen to each item, without side effects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feedID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(func(store *storage.SQLite) error {
				feed, err := store.GetFeed(cmd.Context(), feedID)
				if err != nil {
					return fmt.Errorf("feed %d: %w", feedID, err)
				}
				catalog, err := store.LoadCatalog(cmd.Context())
				if err != nil {
					return err
				}
				snap := engine.Compile(catalog)

				items, err := fetcher.New(http.DefaultClient).Items(cmd.Context(), *feed)
				if err != nil {
					return fmt.Errorf("fetch %s: %w", feed.URL, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Item", "Title", "Type", "Outcome", "Matched By", "Category"},
					matchRows(snap, items),
					nil,
				))
				return nil
			})
		},
	}
}

func matchRows(snap *engine.Snapshot, items []filter.Item) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		d := engine.Evaluate(snap, item)
		category := "-"
		if c, ok := snap.Category(d.CategoryID()); ok {
			category = c.Name
		}
		rows = append(rows, []string{
			item.Identifier,
			item.Title,
			string(item.MediaType),
			d.Kind.String(),
			d.Label(),
			category,
		})
	}
	return rows
}

func newQueueCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the manual review queue",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List unmatched items, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *storage.SQLite) error {
				items, err := store.ListManualQueue(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "The manual queue is empty.")
					return nil
				}
				rows := make([][]string, 0, len(items))
				for _, it := range items {
					rows = append(rows, []string{
						strconv.FormatInt(it.ID, 10),
						strconv.FormatInt(it.FeedID, 10),
						it.Title,
						it.Authors,
						string(it.MediaType),
						humanize.Time(it.QueuedAt),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Feed", "Title", "Authors", "Type", "Queued"}, rows,
					[]columnAlignment{alignRight, alignRight},
				))
				return nil
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries to show (0 for all)")

	dismiss := &cobra.Command{
		Use:   "dismiss <id>...",
		Short: "Mark handled items so they leave the queue for good",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := parseID(a)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return ctx.withStore(func(store *storage.SQLite) error {
				for _, id := range ids {
					if err := store.DismissManual(cmd.Context(), id); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Dismissed %d item(s)\n", len(ids))
				return nil
			})
		},
	}

	cmd.AddCommand(list, dismiss)
	return cmd
}

func newSubscriptionsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "Inspect author subscriptions",
	}

	items := &cobra.Command{
		Use:   "items <subscription-id>",
		Short: "Show the items delivered through a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(func(store *storage.SQLite) error {
				delivered, err := store.ListSubscriptionItems(cmd.Context(), id)
				if err != nil {
					return err
				}
				if len(delivered) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "Subscription %d has not delivered any items.\n", id)
					return nil
				}
				rows := make([][]string, 0, len(delivered))
				for _, it := range delivered {
					hash := it.InfoHash
					if hash == "" {
						hash = "-"
					}
					rows = append(rows, []string{it.ItemID, it.Title, hash, it.MatchedAt.Format("2006-01-02 15:04")})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Item", "Title", "Info Hash", "Matched"}, rows, nil))
				return nil
			})
		},
	}

	cmd.AddCommand(items)
	return cmd
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
