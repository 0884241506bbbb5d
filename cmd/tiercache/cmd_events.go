package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tiercache/internal/tiercache"
)

var cmdClear = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cache partition",
	Long: `
The "clear" command deletes all partitions, whatever their version. It is the
offline counterpart of the CLEAR_CACHE message.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, _ := json.Marshal(map[string]string{"type": tiercache.MessageClearCache})
		return runEvent(cmd, tiercache.EventMessage, payload)
	},
}

var cmdSync = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued form submissions once",
	Long: `
The "sync" command replays every pending form submission against the origin.
Submissions that fail stay queued for the next sync.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]string{"tag": cfg.Forms.SyncTag})
		return runEvent(cmd, tiercache.EventSync, payload)
	},
}

var cmdInstall = &cobra.Command{
	Use:   "install",
	Short: "Precache the manifest and purge old versions",
	Long: `
The "install" command runs install and activate for the configured cache
version without serving traffic. Run it after bumping cache.version.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEvent(cmd, tiercache.EventInstall, nil)
	},
}

func init() {
	cmdRoot.AddCommand(cmdClear, cmdSync, cmdInstall)
}

func runEvent(cmd *cobra.Command, typ string, payload json.RawMessage) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := tiercache.NewService(cfg, tiercache.ServiceOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer svc.Close()

	out, err := svc.Dispatch(cmd.Context(), typ, payload)
	if err != nil {
		return fmt.Errorf("%s: %w", typ, err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
