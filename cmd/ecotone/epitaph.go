package main

import (
	"fmt"

	"github.com/fyrsmithlabs/ecotone/internal/config"
	"github.com/fyrsmithlabs/ecotone/internal/invariant"
	"github.com/fyrsmithlabs/ecotone/internal/sanitize"
	"github.com/spf13/cobra"
)

var (
	retrieveShape string
	retrieveTopK  int
	boostDelta    float64
)

var epitaphCmd = &cobra.Command{
	Use:   "epitaph",
	Short: "Inspect and maintain the epitaph store",
}

var epitaphRetrieveCmd = &cobra.Command{
	Use:   "retrieve <text>",
	Short: "Retrieve coaching epitaphs for a piece of context",
	Long: `Embed text and print the weighted epitaph candidates for it.

Examples:
  ecotone epitaph retrieve "comparing auction and commons quota designs"
  ecotone epitaph retrieve --shape early_collapse --top-k 3 "quota designs"`,
	Args: cobra.ExactArgs(1),
	RunE: runEpitaphRetrieve,
}

var epitaphDecayCmd = &cobra.Command{
	Use:   "decay <id>",
	Short: "Record one successful coaching use of an epitaph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEpitaphUpdate(cmd, args[0], func(s *invariant.Store, id string) bool {
			return s.Decay(cmd.Context(), id)
		})
	},
}

var epitaphBoostCmd = &cobra.Command{
	Use:   "boost <id>",
	Short: "Record a recurrence of an epitaph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEpitaphUpdate(cmd, args[0], func(s *invariant.Store, id string) bool {
			delta := boostDelta
			if delta <= 0 {
				delta = s.BoostDelta()
			}
			return s.Boost(cmd.Context(), id, delta)
		})
	},
}

var epitaphSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print pool volume statistics and emit a volume_snapshot event",
	Args:  cobra.NoArgs,
	RunE:  runEpitaphSnapshot,
}

var epitaphSyncCmd = &cobra.Command{
	Use:   "sync [journal]",
	Short: "Import new entries from an epitaph JSONL journal",
	Long: `Import journal lines written since the last sync. Progress is kept in
invariant.sync_state_path. The journal defaults to invariant.journal_path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEpitaphSync,
}

func init() {
	epitaphRetrieveCmd.Flags().StringVar(&retrieveShape, "shape", "", "context shape hint")
	epitaphRetrieveCmd.Flags().IntVar(&retrieveTopK, "top-k", 0, "number of candidates (default invariant.top_k)")
	epitaphBoostCmd.Flags().Float64Var(&boostDelta, "delta", 0, "weight increase (default invariant.boost_delta)")

	epitaphCmd.AddCommand(epitaphRetrieveCmd)
	epitaphCmd.AddCommand(epitaphDecayCmd)
	epitaphCmd.AddCommand(epitaphBoostCmd)
	epitaphCmd.AddCommand(epitaphSnapshotCmd)
	epitaphCmd.AddCommand(epitaphSyncCmd)
}

func runEpitaphRetrieve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	if err := a.openMemory(ctx); err != nil {
		return err
	}

	vec, err := a.embedder.EmbedQuery(ctx, args[0])
	if err != nil {
		return fmt.Errorf("embedding query: %w", err)
	}
	topK := retrieveTopK
	if topK <= 0 {
		topK = a.epitaphs.TopK()
	}
	shape := ""
	if retrieveShape != "" {
		shape = invariant.NormalizeShape(retrieveShape)
	}

	candidates := a.epitaphs.Retrieve(ctx, vec, shape, topK, a.epitaphs.MinWeight())
	if candidates == nil {
		candidates = []invariant.Candidate{}
	}
	return printJSON(cmd.OutOrStdout(), candidates)
}

func runEpitaphUpdate(cmd *cobra.Command, id string, update func(*invariant.Store, string) bool) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	if err := a.openMemory(ctx); err != nil {
		return err
	}

	if !update(a.epitaphs, id) {
		return fmt.Errorf("epitaph %s not updated (missing, not an epitaph, or no stored embedding)", id)
	}
	ep, err := a.epitaphs.Get(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), ep)
}

func runEpitaphSnapshot(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	if err := a.openMemory(ctx); err != nil {
		return err
	}

	vol, err := a.epitaphs.VolumeSnapshot(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), vol)
}

func runEpitaphSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	journal := config.ExpandPath(a.cfg.Invariant.JournalPath)
	if len(args) == 1 {
		journal = args[0]
	}
	journal, err = sanitize.ValidateJournal(journal)
	if err != nil {
		return fmt.Errorf("journal path: %w", err)
	}

	if err := a.openMemory(ctx); err != nil {
		return err
	}
	syncer := invariant.NewJournalSyncer(a.caller, a.embedder, a.epitaphs,
		config.ExpandPath(a.cfg.Invariant.SyncStatePath), a.zap.Named("sync"))
	n, err := syncer.Sync(ctx, journal)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "synced %d journal entries from %s\n", n, journal)
	return nil
}
