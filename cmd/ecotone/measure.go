package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fyrsmithlabs/ecotone/internal/config"
	"github.com/fyrsmithlabs/ecotone/internal/divergence"
	"github.com/fyrsmithlabs/ecotone/internal/gate"
	"github.com/fyrsmithlabs/ecotone/internal/monologue"
	"github.com/fyrsmithlabs/ecotone/internal/turn"
	"github.com/spf13/cobra"
)

var (
	measureHistory string
	turnResponse   string
)

var measureCmd = &cobra.Command{
	Use:   "measure <message>",
	Short: "Measure divergence between store A and store B for a message",
	Long: `Run one divergence measurement and print the snapshot as JSON.

Examples:
  ecotone measure "how should the fishery quota work?"
  ecotone measure --history "we discussed auctions" "and the commons?"`,
	Args: cobra.ExactArgs(1),
	RunE: runMeasure,
}

var turnCmd = &cobra.Command{
	Use:   "turn <message>",
	Short: "Run one monologue turn through the divergence engine and the integrity gate",
	Long: `Measure divergence for a message, gate a response to it and end the
monologue, recording any failure as an epitaph. The response is read from
--response, a file, or stdin with "-".

Examples:
  ecotone turn "how should the fishery quota work?" --response answer.txt
  cat answer.txt | ecotone turn "how should the fishery quota work?" --response -`,
	Args: cobra.ExactArgs(1),
	RunE: runTurn,
}

func init() {
	measureCmd.Flags().StringVar(&measureHistory, "history", "", "recent conversation history")
	turnCmd.Flags().StringVar(&measureHistory, "history", "", "recent conversation history")
	turnCmd.Flags().StringVar(&turnResponse, "response", "-", "response file, or - for stdin")
}

func runMeasure(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	if err := a.openMemory(ctx); err != nil {
		return err
	}

	state := turn.New()
	snap, ok := a.engine.Measure(ctx, divergence.Input{UserMessage: args[0], History: measureHistory}, state)
	if !ok {
		return fmt.Errorf("no measurement: message too short or both stores empty")
	}
	return printJSON(cmd.OutOrStdout(), struct {
		*divergence.Snapshot
		HighTension bool   `json:"high_tension"`
		Injection   string `json:"injection,omitempty"`
	}{snap, state.HighTension() != nil, state.Injection()})
}

type turnResult struct {
	MonologueID string               `json:"monologue_id"`
	Snapshot    *divergence.Snapshot `json:"snapshot,omitempty"`
	Coached     []string             `json:"coached_epitaphs"`
	Outcome     gate.Outcome         `json:"outcome"`
	Feedback    string               `json:"feedback,omitempty"`
}

func runTurn(cmd *cobra.Command, args []string) error {
	response, err := readResponse(cmd.InOrStdin(), turnResponse)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	if err := a.openMemory(ctx); err != nil {
		return err
	}

	rec := a.recorder()
	rt := monologue.New(monologue.Deps{
		Engine:    a.engine,
		Gate:      a.gate(rec),
		Retriever: a.epitaphs,
		Recorder:  rec,
		Journal:   a.journal,
		Sink:      a.sink,
		Logger:    a.log,
	}, monologue.Options{
		TopK:        a.cfg.Invariant.TopK,
		MinWeight:   a.cfg.Invariant.MinWeight,
		JournalPath: config.ExpandPath(a.cfg.Invariant.JournalPath),
	})

	history := &turn.SliceHistory{}
	history.Append(args[0])

	prompt := rt.BeforeResponse(ctx, divergence.Input{UserMessage: args[0], History: measureHistory})
	coached := rt.State().CoachedIDs()
	history.Append(response)
	outcome := rt.AfterResponse(ctx, response, history)
	feedback := rt.State().Feedback()

	if err := rt.EndMonologue(ctx); err != nil {
		return err
	}
	if coached == nil {
		coached = []string{}
	}
	return printJSON(cmd.OutOrStdout(), turnResult{
		MonologueID: rt.ID(),
		Snapshot:    prompt.Snapshot,
		Coached:     coached,
		Outcome:     outcome,
		Feedback:    feedback,
	})
}

func readResponse(stdin io.Reader, source string) (string, error) {
	var (
		data []byte
		err  error
	)
	if source == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
