package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"coldvault/pkg/engine"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	storeSubDir   string
	storeChecksum string
)

var storeCmd = &cobra.Command{
	Use:   "store [file]...",
	Short: "Store local files (or file:// / http(s):// URLs) into the cold storage",
	Long: `Small files are placed in a building directory and uploaded as part of a zip
archive by a later 'cv maintain'. Files larger than archive.small_file_max_size
are uploaded directly.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if storeChecksum != "" && len(args) > 1 {
			return fmt.Errorf("--checksum only applies to a single file")
		}

		reqs := make([]engine.StoreRequest, 0, len(args))
		for _, arg := range args {
			req, err := storeRequest(arg)
			if err != nil {
				return err
			}
			reqs = append(reqs, req)
		}

		p := newPrinter(cmd.OutOrStdout())
		err := CV.Exclusive(func() error {
			CV.Engine.Store(cmd.Context(), reqs, CV.Progress(p))
			return nil
		})
		return joinErr(p, err)
	},
}

// storeRequest 把命令行参数转换为请求，本地路径会转换为绝对路径
func storeRequest(arg string) (engine.StoreRequest, error) {
	req := engine.StoreRequest{
		ID:           uuid.NewString(),
		Checksum:     storeChecksum,
		FileSize:     -1,
		SubDirectory: storeSubDir,
		OriginURL:    arg,
		FileName:     filepath.Base(arg),
	}
	if fi, err := os.Stat(arg); err == nil {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return req, err
		}
		if fi.IsDir() {
			return req, fmt.Errorf("%s is a directory", arg)
		}
		req.OriginURL = abs
		req.FileSize = fi.Size()
	}
	return req, nil
}

func init() {
	storeCmd.Flags().StringVar(&storeSubDir, "sub", "", "Sub directory (node) under storage.root")
	storeCmd.Flags().StringVar(&storeChecksum, "checksum", "", "Expected MD5 (hex) of the file")
	rootCmd.AddCommand(storeCmd)
}
