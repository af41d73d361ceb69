// Copyright 2022 The livetrack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// LocationHistoryConfig defines the JetStream stream holding persisted location samples
type LocationHistoryConfig struct {
	// Stream is the JetStream stream name
	Stream string `mapstructure:"stream" json:"stream" validate:"required,alphanum"`
	// SubjectPrefix is the subject prefix; samples are written to "<prefix>.<shipment ID>"
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// MaxAge is the retention of persisted samples in hours. 0 means no limit.
	MaxAge int `mapstructure:"max_age_hr" json:"max_age_hr" validate:"gte=0"`
}

// StatusEventsConfig defines the NATS subjects carrying shipment status change events
type StatusEventsConfig struct {
	// SubjectPrefix is the subject prefix; events arrive on "<prefix>.<shipment ID>"
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// History defines where persisted location samples are written
	History LocationHistoryConfig `mapstructure:"history" json:"history" validate:"required,dive"`
	// StatusEvents defines where shipment status change events are read from
	StatusEvents StatusEventsConfig `mapstructure:"status_events" json:"status_events" validate:"required,dive"`
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
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Gateway Server Related Config

// GatewayEndpointConfig defines gateway API endpoint config
type GatewayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the gateway APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// TrackingConfig defines the tracking session and broadcast parameters
type TrackingConfig struct {
	// PersistEvery is the number of accepted samples per (session, shipment) between
	// persistence writes
	PersistEvery int `mapstructure:"persist_every" json:"persist_every" validate:"gte=1"`
	// OutboundQueueLen is the per-session outbound message buffer length
	OutboundQueueLen int `mapstructure:"outbound_queue_len" json:"outbound_queue_len" validate:"gte=1"`
	// WriteTimeout is the max duration for writing one message to a client in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// PingInterval is the interval between keep-alive pings in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// MaxMessageBytes is the largest inbound message accepted from a client
	MaxMessageBytes int64 `mapstructure:"max_message_bytes" json:"max_message_bytes" validate:"gte=128"`
	// TerminalRetention is how long a terminated shipment is remembered, in seconds
	TerminalRetention int `mapstructure:"terminal_retention_sec" json:"terminal_retention_sec" validate:"gte=1"`
	// PersistenceWorkers is the number of parallel persistence writers
	PersistenceWorkers int `mapstructure:"persistence_workers" json:"persistence_workers" validate:"gte=1"`
	// PersistenceQueueLen is the buffer length of each persistence writer
	PersistenceQueueLen int `mapstructure:"persistence_queue_len" json:"persistence_queue_len" validate:"gte=1"`
	// PersistenceSubmitTimeout is the max wait when submitting a persistence write, in ms
	PersistenceSubmitTimeout int `mapstructure:"persistence_submit_timeout_ms" json:"persistence_submit_timeout_ms" validate:"gte=1"`
	// PersistenceWriteTimeout is the max duration of one persistence write in seconds
	PersistenceWriteTimeout int `mapstructure:"persistence_write_timeout_sec" json:"persistence_write_timeout_sec" validate:"gte=1"`
}

// GatewayServerConfig defines configuration for the tracking gateway server
type GatewayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the gateway server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the gateway server
	Endpoints GatewayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Tracking is the tracking session parameters
	Tracking TrackingConfig `mapstructure:"tracking" json:"tracking" validate:"required,dive"`
}

// ===============================================================================
// Collaborator Related Config

// AuthConfig defines how bearer credentials are verified
type AuthConfig struct {
	// JWTSecret is the HMAC secret used to verify token signatures
	JWTSecret string `mapstructure:"jwt_secret" json:"-" validate:"required"`
	// Issuer if set, tokens must carry this "iss" claim
	Issuer string `mapstructure:"issuer" json:"issuer"`
}

// DirectoryConfig defines how the shipment directory is reached
type DirectoryConfig struct {
	// BaseURL is the shipment directory REST API base URL
	BaseURL string `mapstructure:"base_url" json:"base_url" validate:"omitempty,url"`
	// StaticFile is a YAML file of shipment records used instead of the REST API
	StaticFile string `mapstructure:"static_file" json:"static_file" validate:"omitempty,file"`
	// RequestTimeout is the max duration of one directory call in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
	// CrossCheck whether positive permission decisions are confirmed with the directory's
	// access verification call
	CrossCheck bool `mapstructure:"cross_check" json:"cross_check"`
}

// ClientConfig defines the tracking client reconnect parameters
type ClientConfig struct {
	// RetryDelay is the wait before each reconnect attempt in seconds
	RetryDelay int `mapstructure:"retry_delay_sec" json:"retry_delay_sec" validate:"gte=1"`
	// MaxAttempts is the max number of consecutive reconnect attempts
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=0"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Gateway are the tracking gateway server configs
	Gateway *GatewayServerConfig `mapstructure:"gateway,omitempty" json:"gateway,omitempty" validate:"omitempty,dive"`
	// Auth are the credential verification configs
	Auth *AuthConfig `mapstructure:"auth,omitempty" json:"auth,omitempty" validate:"omitempty,dive"`
	// Directory are the shipment directory configs
	Directory *DirectoryConfig `mapstructure:"directory,omitempty" json:"directory,omitempty" validate:"omitempty,dive"`
	// Client are the tracking client configs
	Client ClientConfig `mapstructure:"client" json:"client" validate:"required,dive"`
}

// ===============================================================================

// Seconds helper function to convert a config value in seconds
func Seconds(value int) time.Duration {
	return time.Second * time.Duration(value)
}

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.history.stream", "locationhistory")
	viper.SetDefault("nats.history.subject_prefix", "livetrack.location")
	viper.SetDefault("nats.history.max_age_hr", 24*30)
	viper.SetDefault("nats.status_events.subject_prefix", "livetrack.shipment.status")

	// Default gateway server settings
	viper.SetDefault("gateway.endpoint_config.path_prefix", "/")
	viper.SetDefault("gateway.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.api_server.server_config.listen_port", 3002)
	viper.SetDefault("gateway.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"gateway.api_server.logging_config.request_id_header", "Livetrack-Request-ID",
	)
	viper.SetDefault(
		"gateway.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("gateway.tracking.persist_every", 5)
	viper.SetDefault("gateway.tracking.outbound_queue_len", 64)
	viper.SetDefault("gateway.tracking.write_timeout_sec", 10)
	viper.SetDefault("gateway.tracking.ping_interval_sec", 30)
	viper.SetDefault("gateway.tracking.max_message_bytes", 4096)
	viper.SetDefault("gateway.tracking.terminal_retention_sec", 3600)
	viper.SetDefault("gateway.tracking.persistence_workers", 2)
	viper.SetDefault("gateway.tracking.persistence_queue_len", 256)
	viper.SetDefault("gateway.tracking.persistence_submit_timeout_ms", 50)
	viper.SetDefault("gateway.tracking.persistence_write_timeout_sec", 5)

	// Default collaborator settings
	viper.SetDefault("directory.request_timeout_sec", 5)
	viper.SetDefault("directory.cross_check", false)

	// Default client settings
	viper.SetDefault("client.retry_delay_sec", 3)
	viper.SetDefault("client.max_attempts", 5)
}
