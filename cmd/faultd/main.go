package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/y001j/fault-engine/internal/config"
	"github.com/y001j/fault-engine/internal/core"
)

var version = "dev"

var (
	cfgFile  string
	logLevel string
	jsonLogs bool

	rootCmd = &cobra.Command{
		Use:           "faultd",
		Short:         "Fault rule evaluation engine for building telemetry",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if !jsonLogs {
				log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
			}
			if logLevel != "" {
				core.SetupLogging(logLevel)
			}
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override engine.log_level")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "write logs as JSON")

	rootCmd.AddCommand(serveCmd, replayCmd, checkCmd, publishCmd, versionCmd)
}

// loadConfig 读取配置；命令行日志级别优先
func loadConfig() (*config.Config, config.ConfigManager, error) {
	path := cfgFile
	if _, err := os.Stat(path); os.IsNotExist(err) && !rootCmd.PersistentFlags().Changed("config") {
		log.Warn().Str("file", path).Msg("配置文件不存在，使用默认配置")
		path = ""
	}
	cfg, mgr, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if logLevel == "" {
		core.SetupLogging(cfg.Engine.LogLevel)
	}
	return cfg, mgr, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("命令执行失败")
		os.Exit(1)
	}
}
