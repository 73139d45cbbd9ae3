package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

func getEnv(key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	return value
}

func loadEnvString(key string, result *string) {
	s, ok := os.LookupEnv(key)

	if !ok {
		return
	}
	*result = s
}

func loadEnvUint(key string, result *uint) {
	s, ok := os.LookupEnv(key)

	if !ok {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return
	}
	*result = uint(n)
}

func loadEnvInt(key string, result *int) {
	s, ok := os.LookupEnv(key)

	if !ok {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return
	}
	*result = n
}

/* Configuration */

/* PgSQL Configuration */
type pgSqlConfig struct {
	Host     string `json:"host"`
	Port     uint   `json:"port"`
	Database string `json:"database"`
	SslMode  string `json:"ssl_mode"`
	User     string `json:"user"`
	Password string `json:"password"`
}

func (p pgSqlConfig) ConnStr() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s database=%s sslmode=%s", p.Host, p.Port, p.User, p.Password, p.Database, p.SslMode)
}

func defaultPgSql() pgSqlConfig {
	return pgSqlConfig{
		Host:     "localhost",
		Port:     5432,
		Database: "tweets",
		User:     "",
		Password: "",
		SslMode:  "disable",
	}
}

func (p *pgSqlConfig) loadFromEnv() {
	loadEnvString("POSTGRES_HOST", &p.Host)
	loadEnvUint("POSTGRES_PORT", &p.Port)
	loadEnvString("POSTGRES_DB_NAME", &p.Database)
	loadEnvString("POSTGRES_SSLMODE", &p.SslMode)
	loadEnvString("POSTGRES_USERNAME", &p.User)
	loadEnvString("POSTGRES_PASSWORD", &p.Password)
}

/* Listen Configuration */

type listenConfig struct {
	Host string `json:"host"`
	Port uint   `json:"port"`
}

func (l listenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

func defaultListenConfig() listenConfig {
	return listenConfig{
		Host: "127.0.0.1",
		Port: 8080,
	}
}

func (l *listenConfig) loadFromEnv() {
	loadEnvString("LISTEN_HOST", &l.Host)
	loadEnvUint("LISTEN_PORT", &l.Port)
}

type natsConfig struct {
	Host     string
	Port     uint
	Username string
	Password string
}

func (c *natsConfig) loadFromEnv() {
	c.Host = getEnv("NATS_HOST", "localhost")

	if portStr := getEnv("NATS_PORT", "4222"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			c.Port = uint(port)
		} else {
			c.Port = 4222
		}
	} else {
		c.Port = 4222
	}

	c.Username = getEnv("NATS_USER", "")
	c.Password = getEnv("NATS_PASSWORD", "")
}

func (c *natsConfig) URL() string {
	return fmt.Sprintf("nats://%s:%d", c.Host, c.Port)
}

func defaultNatsConfig() natsConfig {
	return natsConfig{
		Host:     "localhost",
		Port:     4222,
		Username: "",
		Password: "",
	}
}

type redisConfig struct {
	Host     string `json:"host"`
	Port     uint   `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

func (r *redisConfig) loadFromEnv() {
	loadEnvString("REDIS_HOST", &r.Host)
	loadEnvUint("REDIS_PORT", &r.Port)
	loadEnvString("REDIS_USERNAME", &r.Username)
	loadEnvString("REDIS_PASSWORD", &r.Password)
	loadEnvInt("REDIS_DB", &r.DB)
}

func defaultRedisConfig() redisConfig {
	return redisConfig{
		Host:     "localhost",
		Port:     6379,
		Username: "",
		Password: "",
		DB:       0,
	}
}

// CrawlConfig tunes the harvesting pipeline itself: lock TTL, how many
// tweets a single sub-range crawl aims for, and the redelivery back-off
// the supervisor applies when every candidate worker is busy.
type CrawlConfig struct {
	LockTTL          time.Duration
	TargetCount      int
	RedeliveryDelay  time.Duration
	PendingExpiry    time.Duration
	HeartbeatPeriod  time.Duration
	CrawlWorkerCount int
	DBWorkerCount    int
}

func (c *CrawlConfig) loadFromEnv() {
	var ttlSeconds, redeliverySeconds, pendingSeconds, heartbeatSeconds int
	loadEnvInt("LOCK_TTL_SECONDS", &ttlSeconds)
	loadEnvInt("REDELIVERY_DELAY_SECONDS", &redeliverySeconds)
	loadEnvInt("PENDING_EXPIRY_SECONDS", &pendingSeconds)
	loadEnvInt("HEARTBEAT_SECONDS", &heartbeatSeconds)
	if ttlSeconds > 0 {
		c.LockTTL = time.Duration(ttlSeconds) * time.Second
	}
	if redeliverySeconds > 0 {
		c.RedeliveryDelay = time.Duration(redeliverySeconds) * time.Second
	}
	if pendingSeconds > 0 {
		c.PendingExpiry = time.Duration(pendingSeconds) * time.Second
	}
	if heartbeatSeconds > 0 {
		c.HeartbeatPeriod = time.Duration(heartbeatSeconds) * time.Second
	}

	loadEnvInt("CRAWL_TARGET_COUNT", &c.TargetCount)
	loadEnvInt("CRAWL_WORKER_COUNT", &c.CrawlWorkerCount)
	loadEnvInt("DB_WORKER_COUNT", &c.DBWorkerCount)
}

func defaultCrawlConfig() CrawlConfig {
	return CrawlConfig{
		LockTTL:          6000 * time.Second,
		TargetCount:      400,
		RedeliveryDelay:  5 * time.Second,
		PendingExpiry:    time.Hour,
		HeartbeatPeriod:  15 * time.Second,
		CrawlWorkerCount: 2,
		DBWorkerCount:    1,
	}
}

type GCSConfig struct {
	ProjectID       string
	CredentialsFile string
	Bucket          string
}

func (g *GCSConfig) loadFromEnv() {
	g.ProjectID = getEnv("GCS_PROJECT_ID", "")
	g.CredentialsFile = getEnv("GCS_CREDENTIALS_FILE", "")
	g.Bucket = getEnv("GCS_STORAGE_BUCKET", "")
}

func defaultGcsConfig() GCSConfig {
	return GCSConfig{
		ProjectID:       "",
		CredentialsFile: "",
		Bucket:          "",
	}
}

type Config struct {
	Listen listenConfig
	PgSql  pgSqlConfig
	Nats   natsConfig
	Redis  redisConfig
	Crawl  CrawlConfig
	GCS    GCSConfig
}

func (c *Config) LoadFromEnv() {
	c.Listen.loadFromEnv()
	c.PgSql.loadFromEnv()
	c.Nats.loadFromEnv()
	c.Redis.loadFromEnv()
	c.Crawl.loadFromEnv()
	c.GCS.loadFromEnv()
}

func DefaultConfig() Config {
	return Config{
		Listen: defaultListenConfig(),
		PgSql:  defaultPgSql(),
		Nats:   defaultNatsConfig(),
		Redis:  defaultRedisConfig(),
		Crawl:  defaultCrawlConfig(),
		GCS:    defaultGcsConfig(),
	}
}
