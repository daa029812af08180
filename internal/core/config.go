package core

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// ChunkSize is the side length of one spatial chunk in world units.
const ChunkSize = 6400

// Config contains all of the configuration options available to any of the
// server components.
type Config struct {
	// Hostname or IP address on which the servers will listen for connections.
	Hostname string `mapstructure:"hostname"`
	// IP broadcast to game clients in the shard redirect packets.
	ExternalIP string `mapstructure:"external_ip"`
	// Maximum number of concurrent connections each server will allow.
	MaxConnections int `mapstructure:"max_connections"`
	// Full path to file to which logs will be written. Blank will write to stdout.
	LogFilePath string `mapstructure:"log_file_path"`
	// Minimum level of a log required to be written. Options: debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`
	// Interval in milliseconds between event loop passes.
	PollInterval int `mapstructure:"poll_interval"`
	// Seconds of inactivity after which a connection is sent a live check.
	LiveCheckTime int `mapstructure:"live_check_time"`

	Database struct {
		// Database engine; either "sqlite" or "postgres".
		Driver string `mapstructure:"driver"`
		// Path to the database file when the sqlite driver is used.
		File string `mapstructure:"file"`
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on db_host on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port"`
		// Name of the database.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to ${name}.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	LoginServer struct {
		// Port on which the login server will listen.
		Port int `mapstructure:"port"`
		// Path to the file containing the message of the day.
		MOTDFile string `mapstructure:"motd_file"`
		// Whether clients may create accounts by logging in with unknown credentials.
		AutoCreateAccounts bool `mapstructure:"auto_create_accounts"`
	} `mapstructure:"login_server"`

	ShardServer struct {
		// Port on which the shard server will listen.
		Port int `mapstructure:"port"`
		// Numeric identifier for this shard, unique per login server.
		ShardID int `mapstructure:"shard_id"`
		// Address of the login server this shard registers with.
		LoginServerAddress string `mapstructure:"login_server_address"`
		// Seconds between attempts to (re)connect to the login server.
		LoginServerConnInterval int `mapstructure:"login_server_conn_interval"`
		// Entity ticks per second.
		TicksPerSecond int `mapstructure:"ticks_per_second"`
		// Minutes between automatic batch saves of all live players.
		AutosaveInterval int `mapstructure:"autosave_interval"`
		// Maximum distance at which two entities may interact.
		InteractionRange int `mapstructure:"interaction_range"`
		// Number of channels reported to the login server.
		NumChannels int `mapstructure:"num_channels"`
		// Player count at which a channel is reported as closed.
		MaxChannelPop int `mapstructure:"max_channel_pop"`
		// Full (or relative to the current directory) path to the directory
		// containing the static table data files.
		TableDataDir string `mapstructure:"table_data_dir"`
	} `mapstructure:"shard_server"`

	Monitor struct {
		// Whether the monitor HTTP endpoint is served at all.
		Enabled bool `mapstructure:"enabled"`
		// Port for the websocket status stream and the Prometheus metrics endpoint.
		Port int `mapstructure:"port"`
	} `mapstructure:"monitor"`

	Debugging struct {
		// Enable extra info-providing mechanisms for the server.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port on which a pprof server will be started if debug mode is enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Log packets to stdout.
		PacketLoggingEnabled bool `mapstructure:"packet_logging_enabled"`
		// Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "NEXUS"

// LoadConfig initializes Viper with the contents of the config file under configPath.
func LoadConfig(configPath string) *Config {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if errors.As(err, &viper.ConfigFileNotFoundError{}) {
			fmt.Printf("error reading config file: no config file in path %s\n", configPath)
		} else {
			fmt.Printf("error reading config file: %v\n", err)
		}
		os.Exit(1)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: <envVarPrefix>_DATABASE_HOST
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			fmt.Printf("error binding %s to %s\n", k, envVarPrefix+"_"+envVar)
			os.Exit(1)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		fmt.Printf("error unmarshaling config object: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(); err != nil {
		fmt.Printf("invalid config: %v\n", err)
		os.Exit(1)
	}
	return config
}

func setDefaults() {
	viper.SetDefault("max_connections", 3000)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("poll_interval", 50)
	viper.SetDefault("live_check_time", 60)
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.file", "nexus.db")
	viper.SetDefault("login_server.port", 23000)
	viper.SetDefault("login_server.auto_create_accounts", true)
	viper.SetDefault("shard_server.port", 23001)
	viper.SetDefault("shard_server.shard_id", 1)
	viper.SetDefault("shard_server.login_server_conn_interval", 10)
	viper.SetDefault("shard_server.ticks_per_second", 8)
	viper.SetDefault("shard_server.autosave_interval", 5)
	viper.SetDefault("shard_server.interaction_range", 3200)
	viper.SetDefault("shard_server.num_channels", 1)
	viper.SetDefault("shard_server.max_channel_pop", 100)
	viper.SetDefault("monitor.port", 8180)
}

// Validate checks the constraints the servers assume hold for the lifetime
// of the process. Config values are only validated here, once.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.ShardServer.TicksPerSecond <= 0 {
		return fmt.Errorf("shard_server.ticks_per_second must be positive")
	}
	if c.ShardServer.InteractionRange <= 0 {
		return fmt.Errorf("shard_server.interaction_range must be positive")
	}
	// The spatial index only scans the 3x3 chunk neighborhood around an
	// entity, so an interaction range wider than a chunk would silently
	// miss neighbors.
	if c.ShardServer.InteractionRange > ChunkSize {
		return fmt.Errorf("shard_server.interaction_range must not exceed the chunk size (%d)", ChunkSize)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	return nil
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a database URL generated from the provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}

// LoginAddress returns the local listen address of the login server.
func (c *Config) LoginAddress() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.LoginServer.Port)
}

// ShardAddress returns the local listen address of the shard server.
func (c *Config) ShardAddress() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.ShardServer.Port)
}

// ExternalShardAddress returns the shard address broadcast to game clients
// in the shard redirect packet.
func (c *Config) ExternalShardAddress() string {
	host := c.ExternalIP
	if host == "" {
		host = c.Hostname
	}
	return fmt.Sprintf("%s:%d", host, c.ShardServer.Port)
}
