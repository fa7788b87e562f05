package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/TobiSchelling/nour/internal/database"
	"github.com/TobiSchelling/nour/internal/rules"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage alert rules",
}

var rulesAddCmd = &cobra.Command{
	Use:   "add [file.yaml]",
	Short: "Add or replace rules from a YAML file (one rule per document)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, err := readRulesFile(args[0])
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		for _, doc := range docs {
			r := doc.Rule(orgID)
			if err := db.SaveRule(cmd.Context(), r); err != nil {
				return err
			}
			fmt.Printf("Saved rule [%d]: %s\n", r.ID, r.Name)
		}
		return nil
	},
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate [file.yaml]",
	Short: "Check rule documents without saving them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, err := readRulesFile(args[0])
		if err != nil {
			return err
		}
		for _, doc := range docs {
			fmt.Printf("  ok  %s (%s, priority %d)\n", doc.Definition.Name, doc.Category, doc.Priority)
		}
		fmt.Printf("%d rule(s) valid\n", len(docs))
		return nil
	},
}

var (
	rulesCategory    string
	rulesEnabledOnly bool
)

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules, highest priority first",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		items, err := db.ListRules(cmd.Context(), orgID, database.RuleFilter{
			Category:    rulesCategory,
			EnabledOnly: rulesEnabledOnly,
		})
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No rules defined. Add some with: nour rules add rules.yaml")
			return nil
		}

		for _, r := range items {
			icon := " "
			if r.Enabled {
				icon = "*"
			}
			fmt.Printf("  [%d] %s %s (%s, priority %d)\n", r.ID, icon, r.Name, r.Category, r.Priority)
			if r.Definition == nil {
				fmt.Println("        stored definition is invalid")
			} else if verbose {
				fmt.Printf("        severity %s: %s\n", r.Definition.Severity(), r.Definition.Then.NarrativeTemplate)
			}
		}
		return nil
	},
}

var rulesToggleCmd = &cobra.Command{
	Use:   "toggle [id]",
	Short: "Toggle a rule's enabled state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "rule")
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		r, err := db.GetRule(ctx, orgID, id)
		if err != nil {
			return err
		}
		if r == nil {
			return eris.Errorf("rule %d not found", id)
		}

		if err := db.SetRuleEnabled(ctx, orgID, id, !r.Enabled); err != nil {
			return err
		}
		newState := "disabled"
		if !r.Enabled {
			newState = "enabled"
		}
		fmt.Printf("Rule [%d] %s: %s\n", id, r.Name, newState)
		return nil
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "rule")
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.DeleteRule(cmd.Context(), orgID, id); err != nil {
			if eris.Is(err, database.ErrNotFound) {
				return eris.Errorf("rule %d not found", id)
			}
			return err
		}
		fmt.Printf("Deleted rule [%d]\n", id)
		return nil
	},
}

var rulesEvaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate enabled rules against recent signals without writing narratives",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		results, err := newPipeline(cmd.Context(), db).EvaluateRules(cmd.Context(), orgID)
		if err != nil {
			return err
		}

		triggered := 0
		for _, res := range results {
			if !res.Triggered {
				fmt.Printf("  [%d] %s: quiet\n", res.RuleID, res.RuleName)
				continue
			}
			triggered++
			fmt.Printf("  [%d] %s: TRIGGERED (%s)\n", res.RuleID, res.RuleName, res.Severity)
			fmt.Printf("        %s\n", res.Narrative.Summary)
		}
		fmt.Printf("\n%d of %d rules triggered\n", triggered, len(results))
		return nil
	},
}

var rulesCategoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List rule categories",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(strings.Join(rules.Categories, "\n"))
	},
}

func init() {
	rulesListCmd.Flags().StringVar(&rulesCategory, "category", "", "Only list rules in this category")
	rulesListCmd.Flags().BoolVar(&rulesEnabledOnly, "enabled", false, "Only list enabled rules")

	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesValidateCmd)
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesToggleCmd)
	rulesCmd.AddCommand(rulesDeleteCmd)
	rulesCmd.AddCommand(rulesEvaluateCmd)
	rulesCmd.AddCommand(rulesCategoriesCmd)
}

func readRulesFile(path string) ([]rules.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "opening rules file")
	}
	defer f.Close()

	docs, err := rules.ParseYAML(f)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, eris.Errorf("%s contains no rules", path)
	}
	return docs, nil
}
