package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/smazurov/warden/internal/config"
	"github.com/smazurov/warden/internal/store"
	"github.com/spf13/cobra"
)

// CreateDumpCmd creates the dump command.
func CreateDumpCmd() *cobra.Command {
	var dumpFile string
	var asJSON bool

	cmd := &cobra.Command{
		Use:           "dump",
		Short:         "Print the saved dump",
		Long:          `Prints the apps recorded in the dump file, with the state they will be resurrected in.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printDump(cmd.OutOrStdout(), config.ExpandHome(dumpFile), asJSON)
		},
	}

	cmd.Flags().StringVar(&dumpFile, "dump-file", "~/.warden/dump.toml", "Path to the dump file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")

	return cmd
}

func printDump(w io.Writer, path string, asJSON bool) error {
	records, err := store.NewTOML(path).Load()
	if err != nil {
		return fmt.Errorf("failed to load dump: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tWANTED\tPID\tRESTARTS\tSCRIPT")
	for _, rec := range records {
		pid := "-"
		if rec.State.PID > 0 {
			pid = fmt.Sprint(rec.State.PID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%d/%d\t%s\n",
			rec.Name, rec.State.Status, rec.Wanted, pid,
			rec.State.RestartCount, rec.Policy.MaxRestarts, rec.Spec.Script)
	}
	return tw.Flush()
}
