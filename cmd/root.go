package cmd

import (
	"fmt"
	u "net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanq16/dlcore/internal/config"
	"github.com/tanq16/dlcore/internal/utils"
)

var (
	configFile    string
	debug         bool
	connections   int
	maxConns      int
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	headers       []string
	storageDriver string
	cfg           config.Config
)

var DlcoreVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "dlcore",
	Short:   "dlcore is a resumable multi-connection download engine",
	Version: DlcoreVersion,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		utils.InitLogger(debug)
		loaded, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
	SilenceUsage: true,
}

// loadConfig layers the file, the environment and explicitly set flags over the defaults.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	c := config.Default()
	if configFile != "" {
		fromFile, err := config.LoadFromFile(configFile)
		if err != nil {
			return c, err
		}
		c = fromFile
	}
	if err := c.LoadFromEnv(); err != nil {
		return c, err
	}
	flags := cmd.Flags()
	if flags.Changed("connections") {
		c.Connections.Policy = "fixed"
		c.Connections.Fixed = connections
	}
	if flags.Changed("max-connections") {
		c.Connections.Max = maxConns
	}
	if flags.Changed("timeout") {
		c.HTTP.Timeout = config.Duration(timeout)
	}
	if flags.Changed("keep-alive-timeout") {
		c.HTTP.KeepAlive = config.Duration(kaTimeout)
	}
	if flags.Changed("user-agent") {
		c.HTTP.UserAgent = userAgent
	}
	if c.HTTP.UserAgent == "randomize" {
		c.HTTP.UserAgent = utils.GetRandomUserAgent()
	}
	if flags.Changed("proxy") {
		c.HTTP.Proxy = proxyURL
	}
	// credentials embedded in the proxy url become explicit fields
	if parsed, err := u.Parse(c.HTTP.Proxy); err == nil && parsed.User != nil && c.HTTP.ProxyUsername == "" {
		c.HTTP.ProxyUsername = parsed.User.Username()
		if password, set := parsed.User.Password(); set {
			c.HTTP.ProxyPassword = password
		}
		parsed.User = nil
		c.HTTP.Proxy = parsed.String()
	}
	if flags.Changed("proxy-username") {
		c.HTTP.ProxyUsername = proxyUsername
	}
	if flags.Changed("proxy-password") {
		c.HTTP.ProxyPassword = proxyPassword
	}
	if flags.Changed("storage") {
		c.Storage.Driver = storageDriver
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().IntVarP(&connections, "connections", "c", 8, "Connections per download (overrides the tiered policy)")
	rootCmd.PersistentFlags().IntVar(&maxConns, "max-connections", 5, "Size of the process-wide connection pool")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 60*time.Second, "Response header timeout (eg. 5s, 10m)")
	rootCmd.PersistentFlags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 60*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	rootCmd.PersistentFlags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent (\"randomize\" picks a browser agent)")
	rootCmd.PersistentFlags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.PersistentFlags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	rootCmd.PersistentFlags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	rootCmd.PersistentFlags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	rootCmd.PersistentFlags().StringVar(&storageDriver, "storage", "memory", "Task storage driver: memory, redis or mysql")

	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCleanCmd())
	rootCmd.AddCommand(newServeCmd())
}
