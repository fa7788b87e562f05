package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/TobiSchelling/nour/internal/database"
	"github.com/TobiSchelling/nour/internal/narrative"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var narrativesCmd = &cobra.Command{
	Use:   "narratives",
	Short: "Generate, read and manage narratives",
}

var narrativesGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Synthesize narratives from recent signals and enabled rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		res, err := newPipeline(cmd.Context(), db).AutoGenerate(cmd.Context(), orgID)
		if err != nil {
			return err
		}

		fmt.Printf("Run %s\n", res.RunID)
		fmt.Printf("  Rules evaluated: %d\n", res.RulesEvaluated)
		fmt.Printf("  Rules triggered: %d\n", res.RulesTriggered)
		fmt.Printf("  Pattern narratives: %d\n", res.PatternNarratives)
		if res.Polished > 0 {
			fmt.Printf("  Polished summaries: %d\n", res.Polished)
		}
		if res.Errors > 0 {
			fmt.Printf("  Failed to save: %d\n", res.Errors)
		}
		fmt.Println()
		for _, n := range res.Narratives {
			fmt.Printf("  [%d] %s\n", n.ID, n.Title)
		}
		return nil
	},
}

var (
	narrStatus string
	narrAuthor string
	narrRunID  string
	narrLimit  int
	narrOffset int
)

var narrativesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List narratives, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := database.NarrativeFilter{
			Author: narrAuthor,
			RunID:  narrRunID,
			Limit:  narrLimit,
			Offset: narrOffset,
		}
		if narrStatus != "" {
			status, err := narrative.ParseStatus(narrStatus)
			if err != nil {
				return err
			}
			filter.Status = status
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		items, err := db.ListNarratives(cmd.Context(), orgID, filter)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No narratives yet. Generate some with: nour run")
			return nil
		}

		for _, n := range items {
			in := narrative.NewInsight(n)
			fmt.Printf("  [%d] %-6s %-9s %s\n", n.ID, in.Priority, n.Status, n.Title)
			summary := n.Summary
			if len(summary) > 80 {
				summary = summary[:80] + "..."
			}
			fmt.Printf("        %s\n", summary)
		}
		return nil
	},
}

var narrativesShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a narrative with its confidence and priority",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := loadNarrative(cmd, args[0])
		if err != nil {
			return err
		}
		in := narrative.NewInsight(n)

		fmt.Printf("%s\n\n%s\n\n", n.Title, n.Summary)
		fmt.Printf("Priority:   %s\n", in.Priority)
		fmt.Printf("Confidence: %.2f\n", in.Confidence)
		fmt.Printf("Status:     %s\n", n.Status)
		fmt.Printf("Author:     %s\n", n.Author)
		fmt.Printf("Generated:  %s\n", n.GeneratedAt.Format(time.RFC3339))
		if n.RunID != "" {
			fmt.Printf("Run:        %s\n", n.RunID)
		}
		if len(n.Actions) > 0 {
			fmt.Println("\nActions:")
			for _, a := range n.Actions {
				fmt.Printf("  - %s\n", a)
			}
		}
		if verbose {
			evidence, _ := json.MarshalIndent(n.Evidence, "", "  ")
			fmt.Printf("\nEvidence:\n%s\n", evidence)
		}
		return nil
	},
}

var (
	writeTitle    string
	writeSummary  string
	writeActions  []string
	writeEvidence string
)

var narrativesWriteCmd = &cobra.Command{
	Use:   "write",
	Short: "Record an analyst-authored narrative",
	RunE: func(cmd *cobra.Command, args []string) error {
		var evidence map[string]any
		if writeEvidence != "" {
			if err := json.Unmarshal([]byte(writeEvidence), &evidence); err != nil {
				return eris.Wrap(err, "--evidence must be a JSON object")
			}
		}
		n, err := narrative.NewAnalystNarrative(orgID, writeTitle, writeSummary, evidence, writeActions, time.Now())
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.SaveNarrative(cmd.Context(), n); err != nil {
			return err
		}
		fmt.Printf("Saved narrative [%d]: %s\n", n.ID, n.Title)
		return nil
	},
}

var (
	exportFormat string
	exportOutput string
)

var narrativesExportCmd = &cobra.Command{
	Use:   "export [id]",
	Short: "Export a narrative as " + strings.Join(narrative.ExportFormats, ", "),
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := loadNarrative(cmd, args[0])
		if err != nil {
			return err
		}
		out, err := narrative.Export(n, exportFormat)
		if err != nil {
			return err
		}

		if exportOutput == "" {
			_, err = os.Stdout.Write(out)
			return err
		}
		if err := os.WriteFile(exportOutput, out, 0o644); err != nil {
			return eris.Wrap(err, "writing export")
		}
		fmt.Printf("Exported narrative [%d] to %s\n", n.ID, exportOutput)
		return nil
	},
}

func statusCommand(use string, to narrative.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [id]",
		Short: fmt.Sprintf("Mark a narrative as %s", to),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "narrative")
			if err != nil {
				return err
			}
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.UpdateNarrativeStatus(cmd.Context(), orgID, id, to); err != nil {
				return err
			}
			fmt.Printf("Narrative [%d]: %s\n", id, to)
			return nil
		},
	}
}

func init() {
	narrativesListCmd.Flags().StringVar(&narrStatus, "status", "", "Only list narratives with this status")
	narrativesListCmd.Flags().StringVar(&narrAuthor, "author", "", "Only list narratives by this author (ai, analyst)")
	narrativesListCmd.Flags().StringVar(&narrRunID, "run", "", "Only list narratives from this synthesis run")
	narrativesListCmd.Flags().IntVar(&narrLimit, "limit", 20, "Maximum number of narratives")
	narrativesListCmd.Flags().IntVar(&narrOffset, "offset", 0, "Number of narratives to skip")

	narrativesWriteCmd.Flags().StringVar(&writeTitle, "title", "", "Narrative title")
	narrativesWriteCmd.Flags().StringVar(&writeSummary, "summary", "", "Narrative summary")
	narrativesWriteCmd.Flags().StringArrayVar(&writeActions, "action", nil, "Recommended action (repeatable)")
	narrativesWriteCmd.Flags().StringVar(&writeEvidence, "evidence", "", "Evidence as a JSON object")
	_ = narrativesWriteCmd.MarkFlagRequired("title")

	narrativesExportCmd.Flags().StringVarP(&exportFormat, "format", "f", narrative.FormatMarkdown, "Export format")
	narrativesExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to file instead of stdout")

	narrativesCmd.AddCommand(narrativesGenerateCmd)
	narrativesCmd.AddCommand(narrativesListCmd)
	narrativesCmd.AddCommand(narrativesShowCmd)
	narrativesCmd.AddCommand(narrativesWriteCmd)
	narrativesCmd.AddCommand(narrativesExportCmd)
	narrativesCmd.AddCommand(statusCommand("archive", narrative.StatusArchived))
	narrativesCmd.AddCommand(statusCommand("dismiss", narrative.StatusDismissed))
	narrativesCmd.AddCommand(statusCommand("restore", narrative.StatusActive))
}

func loadNarrative(cmd *cobra.Command, arg string) (*narrative.Narrative, error) {
	id, err := parseID(arg, "narrative")
	if err != nil {
		return nil, err
	}
	db, err := openDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	n, err := db.GetNarrative(cmd.Context(), orgID, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, eris.Errorf("narrative %d not found", id)
	}
	return n, nil
}
