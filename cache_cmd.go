package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	cachePruneAge time.Duration

	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect or empty the audio cache",
		Long: paragraph(fmt.Sprintf("\n%s the synthesized audio kept on disk, in the database and in redis, "+
			"together with the characters billed by metered engines.", keyword("Inspect"))),
		Args: cobra.NoArgs,
	}

	cacheStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show cache sizes and billed characters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openCache(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			t := newTable("TIER", "ITEMS", "SIZE", "CAPACITY")
			for _, s := range a.cache.Stats().Tiers {
				capacity := "unbounded"
				if s.Capacity > 0 {
					capacity = humanize.IBytes(uint64(s.Capacity))
				}
				t.Row(s.Tier.String(), humanize.Comma(s.ItemCount), humanize.IBytes(uint64(max(s.Size, 0))), capacity)
			}
			fmt.Println(t)

			usage, err := a.store.Usage(cmd.Context())
			if err != nil {
				return err
			}
			if len(usage) == 0 {
				return nil
			}
			u := newTable("ENGINE", "REQUESTS", "CHARACTERS")
			for _, row := range usage {
				u.Row(row.BackendID, humanize.Comma(row.Requests), humanize.Comma(row.Characters))
			}
			fmt.Println(u)
			return nil
		},
	}

	cacheClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Delete all cached audio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openCache(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.cache.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Cache cleared")
			return nil
		},
	}

	cachePruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Delete audio that has not been played for a while",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openCache(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			age := cachePruneAge
			if !cmd.Flags().Changed("older-than") {
				age = cfg.Cache.MaxAge()
			}
			if age <= 0 {
				return errors.New("nothing to prune: retention is disabled, pass --older-than")
			}
			n := a.cache.Prune(cmd.Context(), age)
			fmt.Printf("Removed %s entries not played since %s\n", humanize.Comma(int64(n)), humanize.Time(time.Now().Add(-age)))
			return nil
		},
	}
)

func init() {
	cachePruneCmd.Flags().DurationVar(&cachePruneAge, "older-than", 0, "age limit (default from cache.retention_days)")
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd, cachePruneCmd)
}
