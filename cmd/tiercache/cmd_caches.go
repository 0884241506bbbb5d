package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tiercache/internal/tiercache"
)

var cmdCaches = &cobra.Command{
	Use:   "caches",
	Short: "List cache partitions",
	Long: `
The "caches" command prints every partition in storage with its entry count.
Partitions of the current version are marked with an asterisk.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCaches()
	},
}

func init() {
	cmdRoot.AddCommand(cmdCaches)
}

func runCaches() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := tiercache.NewService(cfg, tiercache.ServiceOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer svc.Close()

	parts, err := svc.Caches().List()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PARTITION\tENTRIES")
	for _, p := range parts {
		name := p.Name
		if p.Current {
			name += " *"
		}
		fmt.Fprintf(tw, "%s\t%d\n", name, p.Entries)
	}
	return tw.Flush()
}
