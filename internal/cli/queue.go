package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

type sizeBody struct {
	Size int `json:"size"`
}

func newQueueCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the task queue and resize the worker pool of a running server",
	}
	cmd.PersistentFlags().StringVar(&server, "server", defaultServer, "base URL of a running dagflow server")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "size",
			Short: "Print the number of attempts waiting for a worker",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var out sizeBody
				if err := newAPIClient(server).do(cmd.Context(), "GET", "/api/v1/queue/size", nil, &out); err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "Queued attempts: %d\n", out.Size)
				return nil
			},
		},
		&cobra.Command{
			Use:   "workers [N]",
			Short: "Print the worker pool size, or resize it to N",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client := newAPIClient(server)
				var out sizeBody
				if len(args) == 0 {
					if err := client.do(cmd.Context(), "GET", "/api/v1/queue/workers", nil, &out); err != nil {
						return err
					}
					printf(cmd.OutOrStdout(), "Worker pool size: %d\n", out.Size)
					return nil
				}
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("worker count must be an integer: %w", err)
				}
				if err := client.do(cmd.Context(), "PUT", "/api/v1/queue/workers", sizeBody{Size: n}, &out); err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "Worker pool resized to %d\n", out.Size)
				return nil
			},
		},
	)
	return cmd
}
