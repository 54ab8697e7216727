package cli

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newReplayCommand() *cobra.Command {
	var (
		eventID string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-run logged webhook events from their stored payloads",
		Long:  "Replays one event by id, or up to --limit pending events oldest first.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			out := json.NewEncoder(cmd.OutOrStdout())
			if eventID != "" {
				result, err := a.service.Replay(cmd.Context(), eventID)
				if err != nil {
					return err
				}
				logger.WithFields(logrus.Fields{"event_id": eventID, "stage": result.Stage}).Info("event replayed")
				return out.Encode(map[string]any{"eventId": eventID, "stage": result.Stage})
			}
			summary, err := a.service.ReplayPending(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return out.Encode(summary)
		},
	}
	cmd.Flags().StringVar(&eventID, "id", "", "replay a single event")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum pending events to replay")
	return cmd
}
