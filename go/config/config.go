// Package config holds the environment-driven configuration of the
// orchestrator's stage processes, and the JSON template describing the
// access-registry objects a deployment registers datasets under.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

// Config is the top-level configuration object of a stage process.
// Every field is settable from the environment; flags exist for local runs.
type Config struct {
	Broker  BrokerConfig  `group:"Broker" namespace:"broker"`
	Queues  QueueConfig   `group:"Queues" namespace:"queue"`
	DOI     DOIConfig     `group:"DOI" namespace:"doi"`
	REMS    REMSConfig    `group:"REMS" namespace:"rems"`
	Log     LogConfig     `group:"Logging" namespace:"log"`
	DB      DBConfig      `group:"Database" namespace:"db"`
	Metrics MetricsConfig `group:"Metrics" namespace:"metrics"`

	ConfigFile string `long:"config-file" env:"CONFIG_FILE" description:"Path of the access-registry template JSON (empty uses the packaged default)"`
}

// BrokerConfig configures the AMQP connection shared by all stages.
type BrokerConfig struct {
	Host       string `long:"host" env:"BROKER_HOST" required:"true" description:"Broker hostname"`
	Port       int    `long:"port" env:"BROKER_PORT" default:"5670" description:"Broker port"`
	User       string `long:"user" env:"BROKER_USER" default:"sda" description:"Broker username"`
	Password   string `long:"password" env:"BROKER_PASSWORD" description:"Broker password"`
	VHost      string `long:"vhost" env:"BROKER_VHOST" default:"sda" description:"Broker virtual host"`
	Exchange   string `long:"exchange" env:"BROKER_EXCHANGE" default:"sda" description:"Exchange all stage messages publish to"`
	SSL        string `long:"ssl" env:"BROKER_SSL" default:"true" choice:"true" choice:"false" description:"Connect over TLS"`
	MaxRetries int    `long:"max-retries" env:"BROKER_MAX_RETRIES" default:"0" description:"Connection attempts before giving up (0 retries forever)"`
	CACert     string `long:"cacert" env:"SSL_CACERT" description:"CA certificate used to verify the broker (unset disables verification)"`
	ClientCert string `long:"client-cert" env:"SSL_CLIENTCERT" description:"Client certificate presented to the broker"`
	ClientKey  string `long:"client-key" env:"SSL_CLIENTKEY" description:"Client certificate key"`
}

// TLSEnabled reports whether the connection uses TLS at all.
func (c BrokerConfig) TLSEnabled() bool { return c.SSL != "false" }

// QueueConfig names the queues each stage consumes from and publishes to.
type QueueConfig struct {
	Inbox        string `long:"inbox" env:"INBOX_QUEUE" default:"inbox" description:"Queue of inbox lifecycle events"`
	Verified     string `long:"verified" env:"VERIFIED_QUEUE" default:"verified" description:"Queue of verification completions"`
	Completed    string `long:"completed" env:"COMPLETED_QUEUE" default:"completed" description:"Queue of ingestion completions"`
	Ingest       string `long:"ingest" env:"INGEST_QUEUE" default:"ingest" description:"Queue ingest triggers publish to"`
	AccessionIDs string `long:"accessionids" env:"ACCESSIONIDS_QUEUE" default:"accessionIDs" description:"Queue accession assignments publish to"`
	Mappings     string `long:"mappings" env:"MAPPINGS_QUEUE" default:"mappings" description:"Queue dataset mappings publish to"`
	Error        string `long:"error" env:"ERROR_QUEUE" default:"error" description:"Queue failed-message records publish to"`
}

// DOIConfig configures the DataCite-compatible DOI API.
type DOIConfig struct {
	API    string `long:"api" env:"DOI_API" description:"DOI API base URL"`
	Prefix string `long:"prefix" env:"DOI_PREFIX" description:"DOI prefix the deployment mints under"`
	User   string `long:"user" env:"DOI_USER" description:"DOI API username"`
	Key    string `long:"key" env:"DOI_KEY" description:"DOI API password"`
}

// Configured reports whether every DOI variable is set.
func (c DOIConfig) Configured() bool {
	return c.API != "" && c.Prefix != "" && c.User != "" && c.Key != ""
}

// REMSConfig configures the access-registry API.
type REMSConfig struct {
	API  string `long:"api" env:"REMS_API" description:"Access-registry API base URL"`
	User string `long:"user" env:"REMS_USER" description:"Access-registry owner/handler user id"`
	Key  string `long:"key" env:"REMS_KEY" description:"Access-registry API key"`
}

// Configured reports whether every access-registry variable is set.
func (c REMSConfig) Configured() bool {
	return c.API != "" && c.User != "" && c.Key != ""
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `long:"level" env:"LOG_LEVEL" default:"INFO" description:"Log level"`
}

// DBConfig configures the optional file-to-dataset mapping store.
type DBConfig struct {
	DSN string `long:"dsn" env:"DB_DSN" description:"Postgres DSN of the mapping store (empty disables it)"`
}

// MetricsConfig configures the optional Prometheus listener.
type MetricsConfig struct {
	Port int `long:"port" env:"METRICS_PORT" default:"0" description:"Port of the /metrics listener (0 disables it)"`
}

// Parse reads configuration from the environment and process arguments.
// A help request exits cleanly after go-flags has printed usage.
func Parse(args []string) (*Config, error) {
	var cfg = new(Config)
	if _, err := flags.NewParser(cfg, flags.Default).ParseArgs(args); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		return nil, err
	}
	return cfg, nil
}

// InitLog applies the configured log level to the process logger.
func InitLog(cfg LogConfig) error {
	var level, err = log.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return nil
}
