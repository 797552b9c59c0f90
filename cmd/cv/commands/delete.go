package commands

import (
	"coldvault/pkg/engine"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete [url]...",
	Short: "Delete stored files",
	Long: `Deleting a member of an uploaded archive restores the archive, removes the
member and schedules the archive for re-upload on the next 'cv maintain'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reqs := make([]engine.DeleteRequest, 0, len(args))
		for _, url := range args {
			ref, err := reference(cmd.Context(), url)
			if err != nil {
				return err
			}
			reqs = append(reqs, engine.DeleteRequest{ID: uuid.NewString(), Reference: ref})
		}

		p := newPrinter(cmd.OutOrStdout())
		err := CV.Exclusive(func() error {
			CV.Engine.Delete(cmd.Context(), reqs, CV.Progress(p))
			return nil
		})
		return joinErr(p, err)
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
