package app

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nearwave/nearwave/internal/config"
	"github.com/nearwave/nearwave/internal/control"
	"github.com/nearwave/nearwave/internal/logging"
	"github.com/nearwave/nearwave/pkg/protocol"
)

// newWatchCmd attaches to the control endpoint of an instance started with
// --control-addr and prints its status feed.
func newWatchCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "follow the status feed of a running instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.ControlAddr == "" {
				return fmt.Errorf("watch requires --control-addr")
			}
			logger := logging.New("nearwave-watch", cfg.LogLevel)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			client, err := control.Dial(ctx, "ws://"+cfg.ControlAddr+"/ws", logger)
			if err != nil {
				return err
			}
			defer client.Close()

			err = client.ReadLoop(ctx, func(env protocol.Envelope) {
				switch env.Type {
				case protocol.TypeState:
					var upd protocol.StateUpdate
					if env.DecodePayload(&upd) == nil {
						fmt.Printf("* %s\n", upd.Status)
					}
				case protocol.TypeCandidates:
					var list protocol.CandidateList
					if env.DecodePayload(&list) == nil {
						for i, c := range list.Candidates {
							fmt.Printf("  [%d] %s (%s)\n", i+1, c.Name, c.Addr)
						}
					}
				case protocol.TypeError:
					var perr protocol.Error
					if env.DecodePayload(&perr) == nil {
						fmt.Printf("! %s: %s\n", perr.Code, perr.Message)
					}
				}
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}
