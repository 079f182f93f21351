package models

import "time"

// Config 構造体はデータベース接続やサーバーの設定情報を保持します。
type Config struct {
	DBHost     string `json:"db_host"`
	DBUser     string `json:"db_user"`
	DBPassword string `json:"db_password"`
	DBName     string `json:"db_name"`
	DBSSLMode  string `json:"db_sslmode"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	ListenAddr    string   `json:"listen_addr"`
	AllowOrigins  []string `json:"allow_origins"`
	JWTSecret     string   `json:"jwt_secret"`
	TokenTTLHours int      `json:"token_ttl_hours"`
	AutoMigrate   bool     `json:"auto_migrate"`

	LockTTLMillis         int  `json:"lock_ttl_ms"`
	LockWaitMillis        int  `json:"lock_wait_ms"`
	WorkerPoolSize        int  `json:"worker_pool_size"`
	LeaveRoomOnDisconnect bool `json:"leave_room_on_disconnect"`
	GameRetentionHours    int  `json:"game_retention_hours"`

	LogFile       string `json:"log_file"`
	LogMaxSizeMB  int    `json:"log_max_size_mb"`
	LogMaxBackups int    `json:"log_max_backups"`
	LogMaxAgeDays int    `json:"log_max_age_days"`
}

// WithDefaults はゼロ値のフィールドをデフォルト値で埋めたコピーを返します。
func (c Config) WithDefaults() Config {
	if c.DBSSLMode == "" {
		c.DBSSLMode = "disable"
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.TokenTTLHours <= 0 {
		c.TokenTTLHours = 72
	}
	if c.LockTTLMillis <= 0 {
		c.LockTTLMillis = 5000
	}
	if c.LockWaitMillis <= 0 {
		c.LockWaitMillis = 3000
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 1024
	}
	if c.GameRetentionHours <= 0 {
		c.GameRetentionHours = 24 * 7
	}
	if c.LogMaxSizeMB <= 0 {
		c.LogMaxSizeMB = 100
	}
	return c
}

func (c Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMillis) * time.Millisecond
}

func (c Config) LockWait() time.Duration {
	return time.Duration(c.LockWaitMillis) * time.Millisecond
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}

func (c Config) GameRetention() time.Duration {
	return time.Duration(c.GameRetentionHours) * time.Hour
}
