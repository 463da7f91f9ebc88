// Package config loads the control plane's configuration: a YAML file
// overridden by command-line flags, bound through cobra persistent flags
// and a cobra.OnInitialize hook.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/poseidon/internal/log"
)

// Config is the full set of control-plane settings.
type Config struct {
	GRPCSocket string `yaml:"grpcSocket"`

	// FSARetryDelay and WarmUpHeartbeat are loaded and bound to flags, but
	// no component reads them: volumes rearm after volume.DefaultRetryDelay
	// and the event stream's warm-up has no heartbeat.
	SyncPeriod      time.Duration `yaml:"syncPeriod"`
	BadSyncLimit    int           `yaml:"badSyncLimit"`
	SyncRetry       time.Duration `yaml:"syncRetry"`
	FSARetryDelay   time.Duration `yaml:"fsaRetryDelay"`
	WarmUpHeartbeat time.Duration `yaml:"warmUpHeartbeat"`

	RESTPort    int `yaml:"restPort"`
	MetricsPort int `yaml:"metricsPort"`

	DataDir string `yaml:"dataDir"`

	// MessageBusEndpoint, OrchestratorNamespace and KubeconfigPath are
	// bootstrap settings for the external operator components that
	// mirror Pool/Volume custom resources into this control plane
	// (spec's declarative surface); this binary only carries them
	// through, it does not itself speak to a message bus or a
	// Kubernetes API server.
	MessageBusEndpoint    string `yaml:"messageBusEndpoint"`
	OrchestratorNamespace string `yaml:"orchestratorNamespace"`
	KubeconfigPath        string `yaml:"kubeconfigPath"`

	TracingEnabled  bool   `yaml:"tracingEnabled"`
	TracingEndpoint string `yaml:"tracingEndpoint"`

	LogLevel log.Level `yaml:"logLevel"`
	LogJSON  bool      `yaml:"logJSON"`
}

// Default returns a Config with every field set to the values the rest
// of the control plane already treats as its zero-value defaults.
func Default() Config {
	return Config{
		GRPCSocket:      "/run/poseidon/csi.sock",
		SyncPeriod:      10 * time.Second,
		BadSyncLimit:    3,
		SyncRetry:       5 * time.Second,
		FSARetryDelay:   30 * time.Second,
		WarmUpHeartbeat: time.Second,
		RESTPort:        8081,
		MetricsPort:     9090,
		DataDir:         "/var/lib/poseidon",
		LogLevel:        log.InfoLevel,
	}
}

// Load reads a YAML file at path into a Config seeded with Default,
// returning the defaults unchanged if path is empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// BindFlags registers every Config field as a persistent flag on cmd,
// for cobra.OnInitialize-time override of the loaded file.
func BindFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("grpc-socket", "", "CSI gRPC unix socket path")
	flags.Duration("sync-period", 0, "storage-node sync period")
	flags.Int("bad-sync-limit", 0, "consecutive failed syncs before a node is marked unhealthy")
	flags.Duration("sync-retry", 0, "retry interval after a failed sync")
	flags.Duration("fsa-retry-delay", 0, "delay before rearming a volume FSA after an unhandled error")
	flags.Duration("warmup-heartbeat", 0, "interval between warm-up synthesized events")
	flags.Int("rest-port", 0, "REST statistics endpoint port")
	flags.Int("metrics-port", 0, "Prometheus /metrics endpoint port")
	flags.String("data-dir", "", "persistent store directory")
	flags.String("message-bus-endpoint", "", "message-bus endpoint the external operator uses to announce node/pool/volume changes")
	flags.String("orchestrator-namespace", "", "orchestrator namespace the external operator watches")
	flags.String("kubeconfig", "", "kubeconfig path for the external operator")
	flags.Bool("tracing-enabled", false, "export OpenTelemetry spans over OTLP/HTTP")
	flags.String("tracing-endpoint", "", "OTLP/HTTP collector endpoint")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "output logs in JSON format")
}

// ApplyFlags overrides cfg with every flag on cmd that was explicitly
// set, leaving file/default values in place otherwise.
func ApplyFlags(cmd *cobra.Command, cfg *Config) {
	flags := cmd.Flags()
	if flags.Changed("grpc-socket") {
		cfg.GRPCSocket, _ = flags.GetString("grpc-socket")
	}
	if flags.Changed("sync-period") {
		cfg.SyncPeriod, _ = flags.GetDuration("sync-period")
	}
	if flags.Changed("bad-sync-limit") {
		cfg.BadSyncLimit, _ = flags.GetInt("bad-sync-limit")
	}
	if flags.Changed("sync-retry") {
		cfg.SyncRetry, _ = flags.GetDuration("sync-retry")
	}
	if flags.Changed("fsa-retry-delay") {
		cfg.FSARetryDelay, _ = flags.GetDuration("fsa-retry-delay")
	}
	if flags.Changed("warmup-heartbeat") {
		cfg.WarmUpHeartbeat, _ = flags.GetDuration("warmup-heartbeat")
	}
	if flags.Changed("rest-port") {
		cfg.RESTPort, _ = flags.GetInt("rest-port")
	}
	if flags.Changed("metrics-port") {
		cfg.MetricsPort, _ = flags.GetInt("metrics-port")
	}
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("message-bus-endpoint") {
		cfg.MessageBusEndpoint, _ = flags.GetString("message-bus-endpoint")
	}
	if flags.Changed("orchestrator-namespace") {
		cfg.OrchestratorNamespace, _ = flags.GetString("orchestrator-namespace")
	}
	if flags.Changed("kubeconfig") {
		cfg.KubeconfigPath, _ = flags.GetString("kubeconfig")
	}
	if flags.Changed("tracing-enabled") {
		cfg.TracingEnabled, _ = flags.GetBool("tracing-enabled")
	}
	if flags.Changed("tracing-endpoint") {
		cfg.TracingEndpoint, _ = flags.GetString("tracing-endpoint")
	}
	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		cfg.LogLevel = log.Level(level)
	}
	if flags.Changed("log-json") {
		cfg.LogJSON, _ = flags.GetBool("log-json")
	}
}
