package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"token-economy/internal/app"
)

var (
	showLimit int
	showUser  string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent price points and a user's claims",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			UserID: showUser,
		}

		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showUser, "user", "", "Also list recent mining claims for this user")
}
