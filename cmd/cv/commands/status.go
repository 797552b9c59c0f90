package commands

import (
	"time"

	"coldvault/pkg/engine"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statusRaw bool

// statusView 是 engine.Report 的人类可读版本
type statusView struct {
	Workspace    string                    `yaml:"workspace"`
	GeneratedAt  string                    `yaml:"generated_at"`
	TotalPending string                    `yaml:"total_pending"`
	BuildingDirs []buildingDirView         `yaml:"building_dirs"`
	CacheEntries []engine.CacheEntryStatus `yaml:"cache_entries"`
}

type buildingDirView struct {
	Archive string `yaml:"archive"`
	State   string `yaml:"state"`
	Files   int    `yaml:"files"`
	Size    string `yaml:"size"`
	Age     string `yaml:"age"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show building directories and the restore cache as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := CV.Engine.Status(cmd.Context())
		if err != nil {
			return err
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		if statusRaw {
			return enc.Encode(report)
		}
		return enc.Encode(humanizeReport(report))
	},
}

func humanizeReport(r engine.Report) statusView {
	v := statusView{
		Workspace:    r.Workspace,
		GeneratedAt:  r.GeneratedAt.Format(time.RFC3339),
		CacheEntries: r.CacheEntries,
	}
	var total int64
	for _, d := range r.BuildingDirs {
		total += d.Size
		v.BuildingDirs = append(v.BuildingDirs, buildingDirView{
			Archive: d.Archive,
			State:   d.State,
			Files:   d.Files,
			Size:    humanize.Bytes(uint64(d.Size)),
			Age:     d.Age,
		})
	}
	v.TotalPending = humanize.Bytes(uint64(total))
	return v
}

func init() {
	statusCmd.Flags().BoolVar(&statusRaw, "raw", false, "Print sizes in bytes")
	rootCmd.AddCommand(statusCmd)
}
