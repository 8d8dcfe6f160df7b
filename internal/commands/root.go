// Package toolchat wires the toolchat command line.
package toolchat

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mwiater/toolchat/internal/appconfig"
	"github.com/mwiater/toolchat/internal/logging"
)

var (
	cfgFile       string
	currentConfig *appconfig.Config
	appVersion    = "dev"
	appCommit     = "none"
	appDate       = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "toolchat",
	Short: "toolchat: chat with a model that can call MCP tool providers",
	Long: `toolchat connects a generative model to the MCP tool providers listed in
server_config.json and answers queries, calling tools as the model asks for them.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureConfigLoaded(); err != nil {
			return err
		}

		var cfg appconfig.Config
		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("unmarshal config: %w", err)
		}
		cfg.ConfigPath = viper.ConfigFileUsed()
		currentConfig = &cfg

		if err := logging.Init(cfg.LogFilePath(), cfg.LogLevel, cfg.Debug); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", appVersion, appCommit, appDate)

	_ = godotenv.Load()
	defer logging.Close()
	if err := rootCmd.Execute(); err != nil {
		_ = logging.Close()
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./toolchat.{json,yaml} or ./config/toolchat.*)")

	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging and echo logs to stderr")
	rootCmd.PersistentFlags().String("backend", "", "model backend: anthropic, bedrock or ollama")
	rootCmd.PersistentFlags().StringP("model", "m", "", "model identifier (env MODEL)")
	rootCmd.PersistentFlags().Int("maxTokens", 0, "completion token cap per model request (env MAX_TOKENS)")
	rootCmd.PersistentFlags().StringP("serverConfig", "s", "", "path to the mcpServers provider file")
	rootCmd.PersistentFlags().String("connectionScope", "", "hold provider connections per session or per query")
	rootCmd.PersistentFlags().Bool("parallelDispatch", false, "run one turn's tool calls concurrently across providers")
	rootCmd.PersistentFlags().String("logFile", "", "path to the log file")
	rootCmd.PersistentFlags().String("logLevel", "", "log level: debug, info, warn or error")

	for _, name := range []string{"debug", "backend", "model", "maxTokens", "serverConfig", "connectionScope", "parallelDispatch", "logFile", "logLevel"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	viper.SetDefault("backend", appconfig.BackendAnthropic)
	viper.SetDefault("maxTokens", 1024)
	viper.SetDefault("requestTimeout", 120)
	viper.SetDefault("toolTimeout", 30)
	viper.SetDefault("initTimeout", 10)
	viper.SetDefault("maxTurns", 16)
	viper.SetDefault("connectionScope", appconfig.ScopeSession)
	viper.SetDefault("validateArguments", true)
	viper.SetDefault("serverConfig", appconfig.DefaultServerConfigPath)
	viper.SetDefault("logFile", "toolchat.log")
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("awsRegion", "us-west-2")
	viper.SetDefault("ollamaUrl", "http://localhost:11434")

	viper.SetEnvPrefix("TOOLCHAT")
	viper.AutomaticEnv()
	_ = viper.BindEnv("model", "TOOLCHAT_MODEL", "MODEL")
	_ = viper.BindEnv("maxTokens", "TOOLCHAT_MAX_TOKENS", "MAX_TOKENS")
	_ = viper.BindEnv("anthropicApiKey", "TOOLCHAT_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = viper.BindEnv("awsRegion", "TOOLCHAT_AWS_REGION", "AWS_REGION")
	_ = viper.BindEnv("ollamaUrl", "TOOLCHAT_OLLAMA_URL", "OLLAMA_HOST")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		return
	}
	viper.SetConfigName("toolchat")
	viper.AddConfigPath(".")
	viper.AddConfigPath("config")
}

// ensureConfigLoaded reads the config file when there is one. A missing
// default file is not an error; a missing explicit --config is.
func ensureConfigLoaded() error {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("%w: failed to load config: %v", appconfig.ErrConfiguration, err)
	}
	return nil
}

// GetConfig returns the loaded application configuration for other packages.
func GetConfig() *appconfig.Config {
	return currentConfig
}

// SetVersionInfo allows the main package to inject build-time variables.
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}
