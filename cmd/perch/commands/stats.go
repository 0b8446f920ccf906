package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/perch/internal/replica"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show replica counters for the current scope",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	return withEngine(ctx, func(engine *replica.Engine) error {
		proto := engine.Protocol().Stats()
		store := engine.Store().Stats()

		fmt.Printf("Tabs:               %d\n", len(engine.List()))
		fmt.Printf("Degraded transport: %v\n", engine.Protocol().Degraded())
		fmt.Println()
		fmt.Printf("Broadcast sent:     %d (failures: %d)\n", proto.Sent, proto.SendFailures)
		fmt.Printf("Delivered:          %d\n", proto.Delivered)
		fmt.Printf("Dropped:            validation=%d self=%d sequence=%d scope=%d debounce=%d\n",
			proto.ValidationFailures, proto.SelfDrops, proto.SequenceAnomalies, proto.ScopeDrops, proto.DebounceDrops)
		fmt.Println()
		fmt.Printf("Writes:             %d (failures: %d, short-circuited: %d)\n",
			store.Writes, store.WriteFailures, store.ShortCircuited)
		fmt.Printf("Own writes suppressed: %d (ignored while pending: %d)\n",
			store.OwnWritesSuppressed, store.IgnoredWhilePending)
		fmt.Printf("Resyncs:            scheduled=%d fired=%d\n", store.ResyncsScheduled, store.ResyncsFired)
		fmt.Printf("Breaker state:      %s\n", store.BreakerState)
		return nil
	})
}
