// Package config 从环境变量和.env文件读取服务端的配置
package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/yly97/coapdtls/pkg/coap"
	"github.com/yly97/coapdtls/pkg/connector"
	"github.com/yly97/coapdtls/pkg/credentials"
	"github.com/yly97/coapdtls/pkg/mode"
	"github.com/yly97/coapdtls/pkg/resource"
	"github.com/yly97/coapdtls/pkg/server"
)

const DefaultPrefix = "COAP_"

// Credentials 凭据文件的位置，对应credentials.Source
type Credentials struct {
	PSKStoreFile string `env:"PSK_STORE_FILE"`
	PSKIdentity  string `env:"PSK_IDENTITY"`
	PSKSecret    string `env:"PSK_SECRET"`

	CertificateFile string `env:"CERT_FILE"`
	PrivateKeyFile  string `env:"KEY_FILE"`
	TrustStoreFile  string `env:"TRUST_STORE_FILE"`

	RPKPrivateKeyFile string `env:"RPK_KEY_FILE"`
	TrustedRPKFile    string `env:"TRUSTED_RPK_FILE"`
}

type Config struct {
	Address        string   `env:"ADDRESS"`
	Modes          []string `env:"MODES" envSeparator:","`
	LogLevel       string   `env:"LOG_LEVEL"`
	MetricsAddress string   `env:"METRICS_ADDRESS"` // 为空时不启动/metrics
	StorageRoot    string   `env:"STORAGE_ROOT" envDefault:"iot_publisher"`
	StorageEntries int      `env:"STORAGE_MAX_ENTRIES" envDefault:"4096"` // 0表示不限制

	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"30s"`
	IdleTimeout      time.Duration `env:"IDLE_TIMEOUT" envDefault:"5m"`
	ReceiveTimeout   time.Duration `env:"RECEIVE_TIMEOUT" envDefault:"1s"`
	FlightInterval   time.Duration `env:"FLIGHT_INTERVAL"`
	MTU              int           `env:"MTU"`
	QueueSize        int           `env:"QUEUE_SIZE" envDefault:"1024"`
	Backlog          int           `env:"BACKLOG"`

	PeerQueueSize int           `env:"PEER_QUEUE_SIZE" envDefault:"32"`
	WorkerIdle    time.Duration `env:"WORKER_IDLE" envDefault:"30s"`
	AckTimeout    time.Duration `env:"ACK_TIMEOUT" envDefault:"2s"`
	MaxAttempts   int           `env:"MAX_ATTEMPTS" envDefault:"5"`

	Credentials Credentials `envPrefix:"CRED_"`
}

// Load 先加载.env文件再解析prefix开头的环境变量，已经存在的环境变量不会被.env覆盖
func Load(prefix string, files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		log.Debug("No .env file found, using environment variables")
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: prefix}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Level 未设置COAP_LOG_LEVEL时返回ok=false
func (c *Config) Level() (level log.Level, ok bool, err error) {
	if c.LogLevel == "" {
		return log.InfoLevel, false, nil
	}
	level, err = log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel, false, err
	}
	return level, true, nil
}

// RequestedModes 解析COAP_MODES，为空时返回nil，由mode.Resolve选择默认集合
func (c *Config) RequestedModes() ([]mode.AuthMode, error) {
	if len(c.Modes) == 0 {
		return nil, nil
	}
	return mode.ParseAll(c.Modes)
}

func (c *Config) Source() credentials.Source {
	return credentials.Source{
		PSKStoreFile:      c.Credentials.PSKStoreFile,
		PSKIdentity:       c.Credentials.PSKIdentity,
		PSKSecret:         c.Credentials.PSKSecret,
		CertificateFile:   c.Credentials.CertificateFile,
		PrivateKeyFile:    c.Credentials.PrivateKeyFile,
		TrustStoreFile:    c.Credentials.TrustStoreFile,
		RPKPrivateKeyFile: c.Credentials.RPKPrivateKeyFile,
		TrustedRPKFile:    c.Credentials.TrustedRPKFile,
	}
}

func (c *Config) Params() coap.TransmissionParams {
	p := coap.DefaultParams()
	if c.AckTimeout > 0 {
		p.AckTimeout = c.AckTimeout
	}
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	return p
}

// Connector Observer和LoggerFactory由调用方填写
func (c *Config) Connector(modes mode.Set, creds *credentials.Credentials) connector.Config {
	return connector.Config{
		Address:          c.Address,
		Modes:            modes,
		Credentials:      creds,
		HandshakeTimeout: c.HandshakeTimeout,
		IdleTimeout:      c.IdleTimeout,
		ReceiveTimeout:   c.ReceiveTimeout,
		FlightInterval:   c.FlightInterval,
		MTU:              c.MTU,
		QueueSize:        c.QueueSize,
		Backlog:          c.Backlog,
	}
}

func (c *Config) Server(tree *resource.Tree) server.Config {
	return server.Config{
		Tree:          tree,
		Params:        c.Params(),
		PeerQueueSize: c.PeerQueueSize,
		WorkerIdle:    c.WorkerIdle,
	}
}
