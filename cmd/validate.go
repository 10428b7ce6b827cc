package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/smazurov/warden/internal/config"
	"github.com/spf13/cobra"
)

// CreateValidateCmd creates the validate command.
func CreateValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [ecosystem]",
		Short: "Check an ecosystem file",
		Long: `Parses an ecosystem file and reports every invalid app entry: empty scripts, unknown ` +
			`exec modes, negative restart counts or durations and invalid app names.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "ecosystem.toml"
			if len(args) == 1 {
				path = args[0]
			}
			return validateEcosystem(cmd.OutOrStdout(), path)
		},
	}
}

func validateEcosystem(w io.Writer, path string) error {
	eco, err := config.LoadEcosystem(path)
	if err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			fmt.Fprintf(w, "%s: %d problem(s)\n", path, len(verrs))
			for _, verr := range verrs {
				fmt.Fprintf(w, "  %s\n", verr)
			}
		}
		return err
	}

	names := eco.Names()
	fmt.Fprintf(w, "%s: %d app(s) OK\n", path, len(names))
	for _, name := range names {
		def, _ := eco.Definition(name)
		fmt.Fprintf(w, "  %s: %s (cwd %s, autorestart=%t, max_restarts=%d, min_uptime=%s)\n",
			name, def.Spec.Script, def.Spec.WorkingDir,
			def.Policy.AutoRestart, def.Policy.MaxRestarts, def.Policy.MinUptime)
	}
	return nil
}
