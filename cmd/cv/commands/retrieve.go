package commands

import (
	"context"
	"errors"

	"coldvault/pkg/engine"
	"coldvault/pkg/meta"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var retrieveDest string

var retrieveCmd = &cobra.Command{
	Use:   "retrieve [url]...",
	Short: "Restore stored files into a local directory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reqs := make([]engine.RetrieveRequest, 0, len(args))
		for _, url := range args {
			ref, err := reference(cmd.Context(), url)
			if err != nil {
				return err
			}
			reqs = append(reqs, engine.RetrieveRequest{
				ID:             uuid.NewString(),
				Reference:      ref,
				RestorationDir: retrieveDest,
			})
		}

		p := newPrinter(cmd.OutOrStdout())
		err := CV.Exclusive(func() error {
			CV.Engine.Retrieve(cmd.Context(), reqs, CV.Progress(p))
			return nil
		})
		return joinErr(p, err)
	},
}

// reference 优先用账本里的记录，账本不认识的 URL 按已归档处理
func reference(ctx context.Context, url string) (engine.FileReference, error) {
	ref, err := CV.Ledger.Lookup(ctx, url)
	if errors.Is(err, meta.ErrFileNotFound) {
		return engine.FileReference{URL: url}, nil
	}
	return ref, err
}

func init() {
	retrieveCmd.Flags().StringVarP(&retrieveDest, "dest", "d", ".", "Destination directory")
	rootCmd.AddCommand(retrieveCmd)
}
