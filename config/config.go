package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 后端类型
const (
	StoreBackendMySQL = "mysql"
	StoreBackendRedis = "redis"

	LockBackendETCD  = "etcd"
	LockBackendRedis = "redis"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	MySQL       MySQLConfig       `mapstructure:"mysql"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	ETCD        ETCDConfig        `mapstructure:"etcd"`
	Lock        LockConfig        `mapstructure:"lock"`
	Reservation ReservationConfig `mapstructure:"reservation"`
	GraphQL     GraphQLConfig     `mapstructure:"graphql"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// 管理员请求需携带 X-Admin-Token 头，值与此相同
	AdminToken string `mapstructure:"admin_token"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

type MySQLConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	// 数据存储Redis
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Redlock使用的Redis节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type ETCDConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type LockConfig struct {
	Backend    string        `mapstructure:"backend"`
	TTL        time.Duration `mapstructure:"ttl"`
	RetryCount int           `mapstructure:"retry_count"`
}

// ReservationConfig 预留与分配参数
type ReservationConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	LazySweep     bool          `mapstructure:"lazy_sweep"`
	PageSize      int           `mapstructure:"page_size"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("store.backend", StoreBackendMySQL)
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("redis.data_address", "127.0.0.1:6379")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.timeout", 3*time.Second)
	v.SetDefault("kafka.topic", "raffle-ticket-events")
	v.SetDefault("kafka.group_id", "rafflepool-audit")
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("lock.backend", LockBackendRedis)
	v.SetDefault("lock.retry_count", 3)
	v.SetDefault("reservation.ttl", 15*time.Minute)
	v.SetDefault("reservation.sweep_interval", time.Minute)
	v.SetDefault("reservation.max_attempts", 5)
	v.SetDefault("reservation.lazy_sweep", true)
	v.SetDefault("reservation.page_size", 50)
	v.SetDefault("graphql.path", "/graphql")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig 加载配置文件，环境变量(RAFFLE_前缀)优先于文件
func LoadConfig(configPath string) (*Config, error) {
	// .env 只是本地便利，不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("RAFFLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 选主锁未配置有效期时取两个回收周期，保证两次回收之间锁不会过期
	if cfg.Lock.TTL == 0 {
		cfg.Lock.TTL = 2 * cfg.Reservation.SweepInterval
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if c.Reservation.TTL <= 0 {
		errs = append(errs, errors.New("reservation.ttl 必须大于0"))
	}
	if c.Reservation.SweepInterval <= 0 {
		errs = append(errs, errors.New("reservation.sweep_interval 必须大于0"))
	}
	if c.Reservation.MaxAttempts <= 0 {
		errs = append(errs, errors.New("reservation.max_attempts 必须大于0"))
	}
	if c.Reservation.PageSize <= 0 {
		errs = append(errs, errors.New("reservation.page_size 必须大于0"))
	}
	switch c.Store.Backend {
	case StoreBackendMySQL, StoreBackendRedis:
	default:
		errs = append(errs, fmt.Errorf("未知的存储后端: %q", c.Store.Backend))
	}
	switch c.Lock.Backend {
	case LockBackendETCD, LockBackendRedis:
	default:
		errs = append(errs, fmt.Errorf("未知的锁后端: %q", c.Lock.Backend))
	}
	if c.Lock.TTL != 0 && c.Lock.TTL <= c.Reservation.SweepInterval {
		errs = append(errs, fmt.Errorf("lock.ttl (%s) 必须大于 reservation.sweep_interval (%s)", c.Lock.TTL, c.Reservation.SweepInterval))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.enabled 为 true 时 kafka.brokers 不能为空"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	return nil
}
