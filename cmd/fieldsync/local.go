package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/transsflow/fieldsync/internal/intercept"
)

var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Inspect or wipe drafts, media and settings kept on this device",
}

var localListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved form drafts and media files",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listLocal(cmd.Context(), client)
	},
}

func listLocal(ctx context.Context, client *apiClient) error {
	var drafts []struct {
		FormID  string `json:"form_id"`
		SavedAt string `json:"saved_at"`
	}
	if _, err := client.call(ctx, http.MethodGet, "/forms", nil, &drafts); err != nil {
		return err
	}
	var media []struct {
		ID          int64  `json:"id"`
		Name        string `json:"name"`
		ContentType string `json:"content_type"`
		Size        int64  `json:"size"`
	}
	if _, err := client.call(ctx, http.MethodGet, "/media", nil, &media); err != nil {
		return err
	}

	if len(drafts) == 0 && len(media) == 0 {
		fmt.Fprintln(stdout, "No drafts or media saved.")
		return nil
	}
	for _, d := range drafts {
		fmt.Fprintf(stdout, "%s  %-28s  %s\n", colorize(colorCyan, "form "), d.FormID, d.SavedAt)
	}
	for _, m := range media {
		fmt.Fprintf(stdout, "%s  %-28s  %-18s  %d bytes\n",
			colorize(colorCyan, fmt.Sprintf("#%-4d", m.ID)), m.Name, m.ContentType, m.Size)
	}
	return nil
}

var localClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete queued writes, drafts, media and settings",
	Long: `Delete everything fieldsync stores for the app on this device except the
offline cache. Writes that were never delivered are lost.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return errors.New("this deletes unsynced writes; pass --yes to confirm")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var n struct {
			Actions  int64 `json:"actions"`
			Forms    int64 `json:"forms"`
			Media    int64 `json:"media"`
			Settings int64 `json:"settings"`
		}
		if _, err := client.call(cmd.Context(), http.MethodDelete, "/local?confirm=yes", nil, &n); err != nil {
			return err
		}
		printSuccess("Removed %d writes, %d drafts, %d media files and %d settings",
			n.Actions, n.Forms, n.Media, n.Settings)
		return nil
	},
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Show recent push notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var items []intercept.Notification
		if _, err := client.call(cmd.Context(), http.MethodGet, "/notifications", nil, &items); err != nil {
			return err
		}
		if asJSON {
			return printJSON(items)
		}
		if len(items) == 0 {
			fmt.Fprintln(stdout, "No notifications.")
			return nil
		}
		for _, n := range items {
			fmt.Fprintf(stdout, "%s  %s  %s\n",
				n.ReceivedAt.Local().Format("2006-01-02 15:04:05"), colorize(colorBold, n.Title), n.Body)
		}
		return nil
	},
}

func init() {
	localClearCmd.Flags().Bool("yes", false, "confirm deleting local data")
	notificationsCmd.Flags().Bool("json", false, "print JSON")
	localCmd.AddCommand(localListCmd, localClearCmd)
}
