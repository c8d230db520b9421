package config

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tcriess/lightspeed-rooms/globals"
)

const (
	defaultAddr            = "localhost:8000"
	defaultTokenTTL        = 7 * 24 * time.Hour
	defaultIssuer          = "lightspeed-rooms"
	defaultBcryptCost      = 10
	defaultPersistenceType = "buntdb"
	defaultDSN             = ":memory:"
	defaultSendQueueSize   = 256
	defaultTypingTimeout   = 3 * time.Second
	defaultStatsSpec       = "@every 1m"
	defaultUserCacheSize   = 1024
	defaultLogLevel        = "INFO"
)

// Config is the global configuration object which is filled via the configuration file, the environment
// (prefix LSROOMS_) and the command line flags.
type Config struct {
	ServerConfig      ServerConfig      `mapstructure:"server"`
	AuthConfig        AuthConfig        `mapstructure:"auth"`
	OIDCConfigs       []OIDCConfig      `mapstructure:"oidc"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	RealtimeConfig    RealtimeConfig    `mapstructure:"realtime"`
	MessageConfig     MessageConfig     `mapstructure:"messages"`
	CacheConfig       CacheConfig       `mapstructure:"cache"`
	LogLevel          string            `mapstructure:"log_level"`
}

type ServerConfig struct {
	Addr    string `mapstructure:"addr"`
	SSLCert string `mapstructure:"ssl_cert"`
	SSLKey  string `mapstructure:"ssl_key"`
}

// AuthConfig configures the locally issued tokens and the password hashing.
type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	Issuer     string        `mapstructure:"issuer"`
	BcryptCost int           `mapstructure:"bcrypt_cost"`
}

// An OIDCConfig  object configures an OpenID Connect provider that is used to authenticate users. Users provide
// an ID token and the name of the provider, the authentication is then performed via verification of the token.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"` // f.e. "https://accounts.google.com", this is used to construct the discovery url and subsequently discover the openid endpoints
}

// PersistenceConfig configures the persistence backend. Type is one of "buntdb" (DSN is the file name or
// ":memory:"), "sqlite" or "postgres" (DSN is passed on to the gorm driver).
type PersistenceConfig struct {
	Type      string `mapstructure:"type"`
	DSN       string `mapstructure:"dsn"`
	FlockPath string `mapstructure:"flock_path"` // lock file guarding against a second dispatch process on the same data
}

// RealtimeConfig configures the dispatcher and the typing tracker.
type RealtimeConfig struct {
	SendQueueSize int           `mapstructure:"send_queue_size"` // outbound queue per connection, overflow closes the connection
	TypingTimeout time.Duration `mapstructure:"typing_timeout"`
	StatsSpec     string        `mapstructure:"stats_spec"` // cron spec for logging dispatcher statistics
}

// MessageConfig configures the message policy. RejectExpr is an expression (github.com/antonmedv/expr) on the
// message, messages for which it evaluates to true are rejected.
type MessageConfig struct {
	RejectExpr string `mapstructure:"reject_expr"`
}

type CacheConfig struct {
	UserCacheSize int `mapstructure:"user_cache_size"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("addr", "", "service address (including port)")
	flagSet.String("ssl-cert", "", "SSL cert (optional)")
	flagSet.String("ssl-key", "", "SSL key (optional)")
	flagSet.String("log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	flagSet.String("persistence-type", "", "persistence backend (buntdb, sqlite, postgres)")
	flagSet.String("persistence-dsn", "", "persistence data source")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	from := "-"
	to := "_"
	name = strings.Replace(name, from, to, -1)
	return pflag.NormalizedName(name)
}

func setDefaults(v *viper.Viper) {
	// keys without a real default are registered too, otherwise values only given via the environment are not
	// picked up by Unmarshal
	v.SetDefault("server.addr", defaultAddr)
	v.SetDefault("server.ssl_cert", "")
	v.SetDefault("server.ssl_key", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", defaultTokenTTL)
	v.SetDefault("auth.issuer", defaultIssuer)
	v.SetDefault("auth.bcrypt_cost", defaultBcryptCost)
	v.SetDefault("persistence.type", defaultPersistenceType)
	v.SetDefault("persistence.dsn", defaultDSN)
	v.SetDefault("persistence.flock_path", "")
	v.SetDefault("realtime.send_queue_size", defaultSendQueueSize)
	v.SetDefault("realtime.typing_timeout", defaultTypingTimeout)
	v.SetDefault("realtime.stats_spec", defaultStatsSpec)
	v.SetDefault("messages.reject_expr", "")
	v.SetDefault("cache.user_cache_size", defaultUserCacheSize)
	v.SetDefault("log_level", defaultLogLevel)
}

// bindFlags maps the flat command line flags onto the nested configuration keys.
func bindFlags(v *viper.Viper, flagSet *pflag.FlagSet) {
	if flagSet == nil {
		return
	}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	keys := map[string]string{
		"addr":             "server.addr",
		"ssl_cert":         "server.ssl_cert",
		"ssl_key":          "server.ssl_key",
		"log_level":        "log_level",
		"persistence_type": "persistence.type",
		"persistence_dsn":  "persistence.dsn",
	}
	for flagName, key := range keys {
		if f := flagSet.Lookup(flagName); f != nil {
			err := v.BindPFlag(key, f)
			if err != nil {
				globals.AppLogger.Error("could not bind flag (ignored)", "flag", flagName, "error", err)
			}
		}
	}
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either point to a single TOML
// file or to a directory, in which case all *.toml files in this directory are concatenated. It returns a Config
// object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	v := viper.New()
	setDefaults(v)
	bindFlags(v, flagSet)
	v.SetEnvPrefix("LSROOMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := ioutil.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		v.SetConfigType("toml")
		err = v.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			return nil, err
		}
	}
	err := v.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	globals.AppLogger.Debug("config", "all", v.AllSettings())
	return &cfg, nil
}
