// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是服务的完整配置，对应 config/config.yaml
type Config struct {
	App   AppConfig   `yaml:"app"`
	Infra InfraConfig `yaml:"infra"`
	Cache CacheConfig `yaml:"cache"`
	// Seed 是启动时写入的初始数据，主要用于内存后端的本地开发
	Seed SeedConfig `yaml:"seed"`
}

type AppConfig struct {
	Name           string        `yaml:"name"`
	Port           int           `yaml:"port"`
	LogLevel       string        `yaml:"logLevel"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`

	// StockBackend: memory | gorm | redis
	StockBackend string `yaml:"stockBackend"`
	// LedgerBackend: memory | gorm，决定借阅记录与账户的存储
	LedgerBackend string `yaml:"ledgerBackend"`
	// CacheBackend: memory | redis
	CacheBackend string `yaml:"cacheBackend"`
	// LockBackend: none | memory | zookeeper
	LockBackend string `yaml:"lockBackend"`

	// EligibilityRule 是借阅资格的 CEL 表达式，可用变量: active, role
	EligibilityRule string `yaml:"eligibilityRule"`
}

type InfraConfig struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
}

type DatabaseConfig struct {
	// Driver: mysql | postgres
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	AutoMigrate     bool          `yaml:"autoMigrate"`
}

type RedisConfig struct {
	Addrs string `yaml:"addrs"`
}

type KafkaConfig struct {
	Brokers   string `yaml:"brokers"`
	LoanTopic string `yaml:"loanTopic"`
	Enabled   bool   `yaml:"enabled"`
}

type JaegerConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

type ZookeeperConfig struct {
	Servers        string        `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
	LockRoot       string        `yaml:"lockRoot"`
}

type CacheConfig struct {
	TitleTTL   time.Duration `yaml:"titleTTL"`
	AccountTTL time.Duration `yaml:"accountTTL"`
}

type SeedConfig struct {
	Titles   []SeedTitle   `yaml:"titles"`
	Accounts []SeedAccount `yaml:"accounts"`
}

type SeedTitle struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Author string `yaml:"author"`
	ISBN   string `yaml:"isbn"`
	Copies int    `yaml:"copies"`
}

type SeedAccount struct {
	ID     string `yaml:"id"`
	Role   string `yaml:"role"`
	Active bool   `yaml:"active"`
}

var current atomic.Pointer[Config]

// DefaultConfig 返回一份可以直接在本地运行的配置（全部使用内存实现）
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:            "lending-service",
			Port:            8090,
			LogLevel:        "info",
			RequestTimeout:  5 * time.Second,
			StockBackend:    "memory",
			LedgerBackend:   "memory",
			CacheBackend:    "memory",
			LockBackend:     "memory",
			EligibilityRule: "active",
		},
		Infra: InfraConfig{
			Database: DatabaseConfig{
				Driver:          "mysql",
				MaxOpenConns:    20,
				MaxIdleConns:    10,
				ConnMaxLifetime: time.Hour,
			},
			Redis:  RedisConfig{Addrs: "localhost:6379"},
			Kafka:  KafkaConfig{Brokers: "localhost:9092", LoanTopic: "loan-events"},
			Jaeger: JaegerConfig{SampleRatio: 1.0},
			Zookeeper: ZookeeperConfig{
				Servers:        "localhost:2181",
				SessionTimeout: 10 * time.Second,
				LockRoot:       "/circulation_locks",
			},
		},
		Cache: CacheConfig{
			TitleTTL:   time.Hour,
			AccountTTL: time.Hour,
		},
	}
}

// Init 加载配置并设置为当前配置。
// 路径来自 CONFIG_PATH，为空时只使用默认值 + 环境变量。
func Init() *Config {
	cfg, err := Load(getEnv("CONFIG_PATH", ""))
	if err != nil {
		panic(fmt.Sprintf("FATAL: failed to load config: %v", err))
	}
	current.Store(cfg)
	return cfg
}

// GetCurrentConfig 返回当前生效的配置
func GetCurrentConfig() *Config {
	if cfg := current.Load(); cfg != nil {
		return cfg
	}
	return DefaultConfig()
}

// Load 读取 YAML 文件（可选），再应用环境变量覆盖
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查后端选择是否合法
func (c *Config) Validate() error {
	if !oneOf(c.App.StockBackend, "memory", "gorm", "redis") {
		return fmt.Errorf("invalid app.stockBackend %q", c.App.StockBackend)
	}
	if !oneOf(c.App.LedgerBackend, "memory", "gorm") {
		return fmt.Errorf("invalid app.ledgerBackend %q", c.App.LedgerBackend)
	}
	if !oneOf(c.App.CacheBackend, "memory", "redis") {
		return fmt.Errorf("invalid app.cacheBackend %q", c.App.CacheBackend)
	}
	if !oneOf(c.App.LockBackend, "none", "memory", "zookeeper") {
		return fmt.Errorf("invalid app.lockBackend %q", c.App.LockBackend)
	}
	if !oneOf(c.Infra.Database.Driver, "mysql", "postgres") {
		return fmt.Errorf("invalid infra.database.driver %q", c.Infra.Database.Driver)
	}
	if (c.App.StockBackend == "gorm" || c.App.LedgerBackend == "gorm") && c.Infra.Database.DSN == "" {
		return fmt.Errorf("infra.database.dsn is required for the gorm backend")
	}
	if c.Cache.TitleTTL <= 0 || c.Cache.AccountTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	return nil
}

// applyEnvOverrides 环境变量优先级高于配置文件
func applyEnvOverrides(cfg *Config) {
	cfg.App.Name = getEnv("SERVICE_NAME", cfg.App.Name)
	cfg.App.Port = getEnvInt("PORT", cfg.App.Port)
	cfg.App.LogLevel = getEnv("LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.StockBackend = getEnv("STOCK_BACKEND", cfg.App.StockBackend)
	cfg.App.LedgerBackend = getEnv("LEDGER_BACKEND", cfg.App.LedgerBackend)
	cfg.App.CacheBackend = getEnv("CACHE_BACKEND", cfg.App.CacheBackend)
	cfg.App.LockBackend = getEnv("LOCK_BACKEND", cfg.App.LockBackend)
	cfg.App.EligibilityRule = getEnv("ELIGIBILITY_RULE", cfg.App.EligibilityRule)

	cfg.Infra.Database.Driver = getEnv("DB_DRIVER", cfg.Infra.Database.Driver)
	cfg.Infra.Database.DSN = getEnv("DB_DSN", cfg.Infra.Database.DSN)
	cfg.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", cfg.Infra.Redis.Addrs)
	cfg.Infra.Kafka.Brokers = getEnv("KAFKA_BROKERS", cfg.Infra.Kafka.Brokers)
	cfg.Infra.Kafka.LoanTopic = getEnv("KAFKA_LOAN_TOPIC", cfg.Infra.Kafka.LoanTopic)
	if v, ok := os.LookupEnv("KAFKA_ENABLED"); ok {
		cfg.Infra.Kafka.Enabled, _ = strconv.ParseBool(v)
	}
	cfg.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)
	cfg.Infra.Zookeeper.Servers = getEnv("ZOOKEEPER_SERVERS", cfg.Infra.Zookeeper.Servers)
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

// SplitList 把逗号分隔的配置拆成切片
func SplitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
