package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/firstdataunion/vault/internal/config"
)

// --- mode ---

var modeCmd = &cobra.Command{
	Use:   "mode",
	Short: "Show or switch the storage mode",
}

var modeGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the active storage mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/mode")
		if err != nil {
			return err
		}

		var result struct {
			Mode   string `json:"mode"`
			Online bool   `json:"online"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printStatus("Mode", "%s", result.Mode)
		printStatus("Online", "%t", result.Online)
		return nil
	},
}

var modeSetCmd = &cobra.Command{
	Use:   "set <local|cloud|filesystem>",
	Short: "Switch the storage mode, migrating existing packets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		directory, _ := cmd.Flags().GetString("directory")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"mode": args[0]}
		if directory != "" {
			body["directory"] = directory
		}
		resp, err := client.post(cmd.Context(), "/mode", body)
		if err != nil {
			return err
		}

		var result struct {
			Mode string `json:"mode"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Switched to %s mode", result.Mode)
		return nil
	},
}

func init() {
	modeSetCmd.Flags().String("directory", "", "granted directory (filesystem mode)")
	modeCmd.AddCommand(modeGetCmd)
	modeCmd.AddCommand(modeSetCmd)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Control cloud synchronization",
}

func printSyncState(st syncStateView) {
	printStatus("Pending changes", "%t", st.PendingChanges)
	printStatus("Local revision", "%d", st.LocalRevision)
	if st.RemoteVersionTag != "" {
		printStatus("Remote version", "%s", st.RemoteVersionTag)
	}
	if st.LastSyncedAt != "" {
		printStatus("Last synced", "%s", st.LastSyncedAt)
	}
	if st.LastError != "" {
		printStatus("Last error", "%s", st.LastError)
	}
}

type syncStateView struct {
	LocalRevision    int64  `json:"local_revision"`
	RemoteVersionTag string `json:"remote_version_tag"`
	PendingChanges   bool   `json:"pending_changes"`
	LastSyncedAt     string `json:"last_synced_at"`
	LastError        string `json:"last_error"`
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Run a sync cycle and report the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sync/now", nil)
		if err != nil {
			return err
		}

		var st syncStateView
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		printSuccess("Sync complete")
		printSyncState(st)
		return nil
	},
}

var syncStateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the sync engine state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sync/state")
		if err != nil {
			return err
		}

		var st syncStateView
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		printSyncState(st)
		return nil
	},
}

func init() {
	syncCmd.AddCommand(syncNowCmd)
	syncCmd.AddCommand(syncStateCmd)
}

// --- keys ---

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage provider API keys",
}

var keysSetCmd = &cobra.Command{
	Use:   "set <provider> <key>",
	Short: "Store an API key for a provider",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, _ := cmd.Flags().GetString("profile")
		if profile == "" {
			return fmt.Errorf("--profile is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/api-keys/%s/%s", profile, args[0])
		resp, err := client.put(cmd.Context(), path, map[string]any{"api_key": args[1]})
		if err != nil {
			return err
		}

		var result struct {
			Provider string `json:"provider"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Stored key for %s", result.Provider)
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers with stored keys (values are never shown)",
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, _ := cmd.Flags().GetString("profile")
		if profile == "" {
			return fmt.Errorf("--profile is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api-keys/%s/", profile))
		if err != nil {
			return err
		}

		var result struct {
			APIKeys []struct {
				Provider  string `json:"provider"`
				UpdatedAt string `json:"updated_at"`
			} `json:"api_keys"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.APIKeys) == 0 {
			fmt.Println("No keys stored.")
			return nil
		}
		for _, k := range result.APIKeys {
			fmt.Printf("%s  %s\n", colorize(colorCyan, k.Provider), k.UpdatedAt)
		}
		return nil
	},
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete <provider>",
	Short: "Delete a stored API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, _ := cmd.Flags().GetString("profile")
		if profile == "" {
			return fmt.Errorf("--profile is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/api-keys/%s/%s", profile, args[0])
		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}

		printSuccess("Deleted key for %s", args[0])
		return nil
	},
}

func init() {
	keysSetCmd.Flags().String("profile", "", "profile the key belongs to")
	keysListCmd.Flags().String("profile", "", "profile to list keys for")
	keysDeleteCmd.Flags().String("profile", "", "profile the key belongs to")
	keysCmd.AddCommand(keysSetCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysDeleteCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
