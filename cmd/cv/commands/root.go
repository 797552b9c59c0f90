package commands

import (
	"fmt"
	"os"

	"coldvault/pkg/app"
	"coldvault/pkg/config"
	"coldvault/pkg/logging"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// 带这个注解的命令不需要组装 App
const skipApp = "skip-app"

var (
	cfgFile string
	// 全局应用实例，供子命令使用
	CV *app.App
)

var rootCmd = &cobra.Command{
	Use:           "cv",
	Short:         "ColdVault: small-file archiving on cold object storage",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipApp] != "" {
			return nil
		}
		// 测试可以预先注入
		if CV != nil {
			return nil
		}
		a, err := app.NewApp(cmd.Context(), nil)
		if err != nil {
			return fmt.Errorf("failed to initialize coldvault: %w", err)
		}
		CV = a
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if CV == nil {
			return nil
		}
		err := CV.Close()
		CV = nil
		return err
	},
}

// Execute 是入口
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cv/config.yaml)")
	flags.String("workspace", "", "Workspace directory (building dirs and restore cache)")
	flags.String("storage-path", "", "Directory of the disk storage backend")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")

	// 用户既可以在 yaml 里写，也可以用 flag 覆盖
	for key, flag := range map[string]string{
		"workspace.path": "workspace",
		"storage.path":   "storage-path",
		"log.level":      "log-level",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Fprintln(os.Stderr, "Failed to bind flag:", err)
			os.Exit(1)
		}
	}
}

// initConfig 读取配置文件和环境变量，然后配置日志
func initConfig() {
	if err := config.Load(cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "Config error:", err)
		os.Exit(1)
	}
	if err := logging.Setup(viper.GetString("log.level"), viper.GetString("log.format")); err != nil {
		fmt.Fprintln(os.Stderr, "Config error:", err)
		os.Exit(1)
	}
}
