package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/TobiSchelling/nour/internal/database"
	"github.com/TobiSchelling/nour/internal/signal"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var signalsCmd = &cobra.Command{
	Use:   "signals",
	Short: "Compute and inspect signals",
}

var computeStart, computeEnd string

var signalsComputeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Compute every signal kind from stored records and store the results",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		pipe := newPipeline(ctx, db)
		start, end, err := resolvePeriod(pipe, computeStart, computeEnd)
		if err != nil {
			return err
		}

		signals, err := pipe.ComputeSignals(ctx, orgID, start, end)
		if err != nil {
			return err
		}
		if len(signals) == 0 {
			fmt.Println("No signals computed. Load records with: nour records load")
			return nil
		}
		fmt.Printf("Computed %d signals for %s to %s:\n\n", len(signals), start.Format(dateLayout), end.Format(dateLayout))
		printSignals(signals)
		return nil
	},
}

var (
	listKind   string
	listLimit  int
	listOffset int
)

var signalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored signals, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		signals, err := db.ListSignals(cmd.Context(), orgID, database.SignalFilter{
			Kind:   signal.Kind(listKind),
			Limit:  listLimit,
			Offset: listOffset,
		})
		if err != nil {
			return err
		}
		if len(signals) == 0 {
			fmt.Println("No signals stored. Compute some with: nour signals compute")
			return nil
		}
		printSignals(signals)
		return nil
	},
}

var signalsShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a stored signal with its payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "signal")
		if err != nil {
			return err
		}
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		s, err := db.GetSignal(cmd.Context(), orgID, id)
		if err != nil {
			return err
		}
		if s == nil {
			return eris.Errorf("signal %d not found", id)
		}

		payload, err := json.MarshalIndent(s.Payload, "", "  ")
		if err != nil {
			return eris.Wrap(err, "encoding payload")
		}
		fmt.Printf("%s [%d]\n\n", s.Kind, s.ID)
		fmt.Printf("Period:    %s to %s\n", s.Period.Start.Format(dateLayout), s.Period.End.Format(dateLayout))
		fmt.Printf("Score:     %.3f\n", s.Score)
		fmt.Printf("Threshold: %.3f\n", s.Threshold)
		fmt.Printf("Notable:   %t\n", s.Notable())
		fmt.Printf("Computed:  %s\n", s.CreatedAt.Format(time.RFC3339))
		fmt.Printf("\nPayload:\n%s\n", payload)
		return nil
	},
}

var signalsKindsCmd = &cobra.Command{
	Use:   "kinds",
	Short: "List the signal kinds that can be computed",
	Run: func(cmd *cobra.Command, args []string) {
		for _, f := range signal.DefaultRegistry(nil).Formulas() {
			fmt.Printf("  %-28s from %s\n", f.Kind(), f.Domain())
		}
	},
}

func init() {
	addPeriodFlags(signalsComputeCmd, &computeStart, &computeEnd)
	signalsListCmd.Flags().StringVar(&listKind, "kind", "", "Only list signals of this kind")
	signalsListCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of signals")
	signalsListCmd.Flags().IntVar(&listOffset, "offset", 0, "Number of signals to skip")

	signalsCmd.AddCommand(signalsComputeCmd)
	signalsCmd.AddCommand(signalsListCmd)
	signalsCmd.AddCommand(signalsShowCmd)
	signalsCmd.AddCommand(signalsKindsCmd)
}

func printSignals(signals []signal.Signal) {
	for _, s := range signals {
		marker := " "
		if s.Notable() {
			marker = "!"
		}
		fmt.Printf("  [%d] %s %-28s score %.2f (threshold %.2f)  %s to %s\n",
			s.ID, marker, s.Kind, s.Score, s.Threshold,
			s.Period.Start.Format(dateLayout), s.Period.End.Format(dateLayout))
		if verbose {
			payload, _ := json.Marshal(s.Payload)
			fmt.Printf("        %s\n", payload)
		}
	}
}
