package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// appFs is the filesystem used for key stores, log files and key files.
var appFs = afero.NewOsFs()

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ironca",
	Short: "IronCA is a certificate authority with organization-scoped key escrow",
	Long: `A certificate authority that issues root, intermediate and end-entity
certificates, escrows their private keys per organization and publishes CRLs.
Complete documentation is available at https://github.com/jmcleod/ironca`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	flags.String("data-dir", "./data", "Directory for persistent data")
	flags.String("storage", "bbolt", "Storage backend: bbolt, postgres, sqlite or memory")
	flags.String("postgres-dsn", "", "Postgres connection string (storage=postgres)")
	flags.String("sqlite-path", "", "SQLite database file (storage=sqlite, default <data-dir>/ironca.sqlite)")
	flags.String("master-key", "", "Hex-encoded 32-byte master key")
	flags.String("master-key-file", "", "File holding the hex-encoded master key")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens (at least 32 bytes)")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("log-file", "", "Also write JSON logs to this file")
	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
}

// initConfig layers the config file and IRONCA_* environment variables
// under the command-line flags.
func initConfig() error {
	viper.SetEnvPrefix("IRONCA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile == "" {
		return nil
	}
	viper.SetFs(appFs)
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config %s: %w", cfgFile, err)
	}
	return nil
}

// config is the resolved process configuration.
type config struct {
	Port           int
	DataDir        string
	Storage        string
	PostgresDSN    string
	SQLitePath     string
	MasterKey      string
	MasterKeyFile  string
	PublicURL      string
	KeyAlgorithm   string
	DownloadTTL    time.Duration
	SweepInterval  time.Duration
	JWTSecret      string
	TLSCert        string
	TLSKey         string
	TrustedProxies []string
	LogLevel       string
	LogFile        string
}

func loadConfig() config {
	return config{
		Port:           viper.GetInt("port"),
		DataDir:        viper.GetString("data-dir"),
		Storage:        viper.GetString("storage"),
		PostgresDSN:    viper.GetString("postgres-dsn"),
		SQLitePath:     viper.GetString("sqlite-path"),
		MasterKey:      viper.GetString("master-key"),
		MasterKeyFile:  viper.GetString("master-key-file"),
		PublicURL:      viper.GetString("public-url"),
		KeyAlgorithm:   viper.GetString("key-algorithm"),
		DownloadTTL:    viper.GetDuration("download-ttl"),
		SweepInterval:  viper.GetDuration("sweep-interval"),
		JWTSecret:      viper.GetString("jwt-secret"),
		TLSCert:        viper.GetString("tls-cert"),
		TLSKey:         viper.GetString("tls-key"),
		TrustedProxies: viper.GetStringSlice("trusted-proxies"),
		LogLevel:       viper.GetString("log-level"),
		LogFile:        viper.GetString("log-file"),
	}
}

var errNoJWTSecret = errors.New("jwt-secret is required (flag, IRONCA_JWT_SECRET or config file)")
