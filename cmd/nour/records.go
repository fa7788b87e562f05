package main

import (
	"fmt"
	"os"

	"github.com/TobiSchelling/nour/internal/signal"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Manage the deals, invoices and tickets signals are computed from",
}

var replaceRecords bool

var recordsLoadCmd = &cobra.Command{
	Use:   "load [file.yaml]",
	Short: "Load records from a YAML file with deals, invoices and tickets lists",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := readRecordsFile(args[0])
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		for _, domain := range []signal.Domain{signal.DomainDeals, signal.DomainInvoices, signal.DomainTickets} {
			recs, ok := records[domain]
			if !ok {
				continue
			}
			if replaceRecords {
				removed, err := db.DeleteRecords(ctx, orgID, domain)
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d %s\n", removed, domain)
			}
			n, err := db.InsertRecords(ctx, orgID, domain, recs)
			if err != nil {
				return err
			}
			fmt.Printf("Loaded %d %s\n", n, domain)
		}
		return nil
	},
}

func init() {
	recordsLoadCmd.Flags().BoolVar(&replaceRecords, "replace", false, "Replace existing records of each domain in the file")
	recordsCmd.AddCommand(recordsLoadCmd)
}

// readRecordsFile decodes a mapping of domain name to a list of records.
func readRecordsFile(path string) (signal.Records, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "reading records file")
	}

	var raw map[string][]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrapf(err, "parsing %s", path)
	}

	out := signal.Records{}
	for name, list := range raw {
		domain := signal.Domain(name)
		switch domain {
		case signal.DomainDeals, signal.DomainInvoices, signal.DomainTickets:
		default:
			return nil, eris.Errorf("%s: unknown record domain %q (want deals, invoices or tickets)", path, name)
		}
		recs := make([]signal.Record, 0, len(list))
		for _, m := range list {
			recs = append(recs, signal.Record(m))
		}
		out[domain] = recs
	}
	return out, nil
}
