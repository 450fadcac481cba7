package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Config

// NATSReconnectConfig NATS reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig NATS client config
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// ===============================================================================
// Event Queue Config

// FileQueueConfig file backed event queue config
type FileQueueConfig struct {
	// Path is the file holding the pending events
	Path string `mapstructure:"path" json:"path" validate:"required"`
	// LockPath is the lock file guarding the queue file. Defaults to "<Path>.lock".
	LockPath string `mapstructure:"lock_path" json:"lock_path,omitempty"`
}

// JetStreamQueueConfig JetStream backed event queue config
type JetStreamQueueConfig struct {
	// Stream is the JetStream stream holding the pending events
	Stream string `mapstructure:"stream" json:"stream" validate:"required"`
	// Subject is the subject events are published on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// Consumer is the durable pull consumer used to drain the stream
	Consumer string `mapstructure:"consumer" json:"consumer" validate:"required"`
	// FetchBatch is the max number of events fetched in one pull
	FetchBatch int `mapstructure:"fetch_batch" json:"fetch_batch" validate:"gte=1"`
	// FetchWait is the max duration to wait for a pull in milliseconds
	FetchWait int `mapstructure:"fetch_wait_ms" json:"fetch_wait_ms" validate:"gte=1"`
	// AckWait is how long a drained event waits for its ACK before redelivery in seconds
	AckWait int `mapstructure:"ack_wait_sec" json:"ack_wait_sec" validate:"gte=1"`
}

// EventQueueConfig event queue config
type EventQueueConfig struct {
	// Backend selects the queue implementation
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=file jetstream"`
	// Capacity is the max number of pending events. Oldest are evicted first.
	Capacity int `mapstructure:"capacity" json:"capacity" validate:"gte=1"`
	// File are the file backend parameters
	File FileQueueConfig `mapstructure:"file" json:"file"`
	// JetStream are the JetStream backend parameters
	JetStream JetStreamQueueConfig `mapstructure:"jetstream" json:"jetstream"`
}

// ===============================================================================
// Auth Config

// AuthConfig WebSocket authentication token config
type AuthConfig struct {
	// Secret is the key used to sign authentication tokens
	Secret string `mapstructure:"secret" json:"-" validate:"required,min=16"`
	// TokenTTL is how long a token stays valid after issuance in seconds
	TokenTTL int `mapstructure:"token_ttl_sec" json:"token_ttl_sec" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// ===============================================================================
// Broadcast Server Config

// BroadcastEndpointConfig defines API end-point config for the broadcast server
type BroadcastEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the broadcast server APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// BroadcastServerConfig defines config for the broadcast server
type BroadcastServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the broadcast server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters for the broadcast server
	Endpoints BroadcastEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
	// DrainInterval is the event queue drain interval in milliseconds
	DrainInterval int `mapstructure:"drain_interval_ms" json:"drain_interval_ms" validate:"gte=10"`
	// SendBuffer is the number of outbound messages buffered per connection
	SendBuffer int `mapstructure:"send_buffer" json:"send_buffer" validate:"gte=1"`
	// WriteTimeout is the max duration of one WebSocket write in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// MaxMessageBytes is the max size of one client control message
	MaxMessageBytes int64 `mapstructure:"max_message_bytes" json:"max_message_bytes" validate:"gte=128"`
	// AllowedOrigins is the list of permitted WebSocket origins. Empty permits all.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
	// PIDFile is the liveness marker holding the broadcast server process ID
	PIDFile string `mapstructure:"pid_file" json:"pid_file" validate:"required"`
}

// ===============================================================================
// Complete Configuration Structures

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Queue are the event queue config parameters
	Queue EventQueueConfig `mapstructure:"queue" json:"queue" validate:"required"`
	// NATS are the NATS related config parameters. Needed by the "jetstream" queue backend.
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty"`
	// Auth are the WebSocket authentication config parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required"`
	// Broadcast are the broadcast server configs
	Broadcast BroadcastServerConfig `mapstructure:"broadcast" json:"broadcast" validate:"required"`
}

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default event queue settings
	viper.SetDefault("queue.backend", "file")
	viper.SetDefault("queue.capacity", 1000)
	viper.SetDefault("queue.file.path", "/tmp/meetingcast/events.json")
	viper.SetDefault("queue.jetstream.stream", "meetingcast-events")
	viper.SetDefault("queue.jetstream.subject", "meetingcast.events")
	viper.SetDefault("queue.jetstream.consumer", "meetingcast-broadcast")
	viper.SetDefault("queue.jetstream.fetch_batch", 256)
	viper.SetDefault("queue.jetstream.fetch_wait_ms", 20)
	viper.SetDefault("queue.jetstream.ack_wait_sec", 30)

	// Default auth settings
	_ = viper.BindEnv("auth.secret", "MEETINGCAST_AUTH_SECRET")
	viper.SetDefault("auth.token_ttl_sec", 300)

	// Default broadcast server settings
	viper.SetDefault("broadcast.endpoint_config.path_prefix", "/")
	viper.SetDefault("broadcast.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("broadcast.api_server.server_config.listen_port", 8080)
	viper.SetDefault("broadcast.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("broadcast.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("broadcast.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"broadcast.api_server.logging_config.request_id_header", "Meetingcast-Request-ID",
	)
	viper.SetDefault(
		"broadcast.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("broadcast.drain_interval_ms", 100)
	viper.SetDefault("broadcast.send_buffer", 64)
	viper.SetDefault("broadcast.write_timeout_sec", 5)
	viper.SetDefault("broadcast.max_message_bytes", 4096)
	viper.SetDefault("broadcast.allowed_origins", []string{})
	viper.SetDefault("broadcast.pid_file", "/tmp/meetingcast/broadcast.pid")
}
