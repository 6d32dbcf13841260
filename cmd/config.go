// cmd/config.go
package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aceteam-ai/tally/internal/config"
)

var configShowSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Prints the configuration a worker would run with after defaults, the
--config file and TALLY_* environment variables are applied. Secrets are
masked unless --show-secrets is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if !configShowSecrets {
			cfg = redactConfig(cfg)
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

const masked = "*****"

// redactConfig returns a copy of cfg with passwords and keys masked.
func redactConfig(cfg *config.Config) *config.Config {
	c := *cfg
	if c.Broker.AMQP.Password != "" {
		c.Broker.AMQP.Password = masked
	}
	if c.Broker.Redis.Password != "" {
		c.Broker.Redis.Password = masked
	}
	if c.Inference.APIKey != "" {
		c.Inference.APIKey = masked
	}
	if u, err := url.Parse(c.Broker.Redis.URL); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			c.Broker.Redis.URL = u.Redacted()
		}
	}
	return &c
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().BoolVar(&configShowSecrets, "show-secrets", false, "Print passwords and API keys unmasked")
}
