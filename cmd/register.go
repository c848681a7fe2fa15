package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/adnotifier/internal/monitor"
	"github.com/JakeFAU/adnotifier/internal/registry"
)

type registerOptions struct {
	userID string
	user   registry.UserRequest
	entry  registry.EntryRequest
}

type registerResult struct {
	User  *monitor.User          `json:"user,omitempty"`
	Entry monitor.MonitoredEntry `json:"entry"`
}

func newRegisterCmd() *cobra.Command {
	var opts registerOptions
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an entry, creating its owner unless --user-id is given",
		Example: `  adnotifier register --name "Nino B" --email nino@example.com \
    --title "Flat in Vake" --query 12345 --url https://ads.example/list`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			reg := appInstance.Registry()

			var result registerResult
			userID := opts.userID
			if userID == "" {
				user, err := reg.CreateUser(cmd.Context(), opts.user)
				if err != nil {
					return err
				}
				result.User = &user
				userID = user.ID
			}
			result.Entry, err = reg.RegisterEntry(cmd.Context(), userID, opts.entry)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.userID, "user-id", "", "existing owner id")
	flags.StringVar(&opts.user.FullName, "name", "", "full name of a new owner")
	flags.StringVar(&opts.user.Email, "email", "", "email of a new owner")
	flags.StringVar(&opts.user.TelegramChatID, "telegram-chat-id", "", "optional Telegram chat id of a new owner")
	flags.StringVar(&opts.entry.Title, "title", "", "entry title")
	flags.StringVar(&opts.entry.QueryStr, "query", "", "advertisement number to track")
	flags.StringVar(&opts.entry.URL, "url", "", "page to watch")
	flags.StringVar(&opts.entry.Description, "description", "", "optional description")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("query")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}
