package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"diceserver/models"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// LoadConfig loads the configuration from config.json. Values from the
// environment (and a .env file, if present) override the file. A missing file
// is not an error.
func LoadConfig(filename string) (models.Config, error) {
	// .envは任意
	_ = godotenv.Load()

	var config models.Config
	configFile, err := os.Open(filename)
	switch {
	case err == nil:
		defer configFile.Close()
		if err := json.NewDecoder(configFile).Decode(&config); err != nil {
			return config, fmt.Errorf("decode %s: %w", filename, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return config, err
	}

	if err := applyEnv(&config); err != nil {
		return config, err
	}
	return config.WithDefaults(), nil
}

func applyEnv(config *models.Config) error {
	strs := map[string]*string{
		"DB_HOST":        &config.DBHost,
		"DB_USER":        &config.DBUser,
		"DB_PASSWORD":    &config.DBPassword,
		"DB_NAME":        &config.DBName,
		"DB_SSLMODE":     &config.DBSSLMode,
		"REDIS_ADDR":     &config.RedisAddr,
		"REDIS_PASSWORD": &config.RedisPassword,
		"JWT_SECRET":     &config.JWTSecret,
		"LISTEN_ADDR":    &config.ListenAddr,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		config.RedisDB = db
	}
	return nil
}

func InitPostgreSQL(config models.Config, logger *zap.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s dbname=%s password=%s sslmode=%s",
		config.DBHost, config.DBUser, config.DBName, config.DBPassword, config.DBSSLMode)

	const maxRetries = 3
	const retryInterval = 5 * time.Second
	var err error
	for i := 0; i <= maxRetries; i++ {
		var gormDB *gorm.DB
		gormDB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err == nil {
			return gormDB, nil
		}
		logger.Error("データベース接続のリトライ", zap.Int("retry", i), zap.Error(err))
		if i < maxRetries {
			time.Sleep(retryInterval)
		}
	}
	return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
}

func InitRedis(config models.Config, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		logger.Error("Failed to connect to Redis", zap.Error(err))
		rdb.Close()
		return nil, err
	}

	logger.Info("Connected to Redis", zap.String("addr", config.RedisAddr))
	return rdb, nil
}

// AutoMigrate creates or updates the tables used by the game engine.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Room{}, &models.User{}, &models.Game{}, &models.GameMove{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// SeedRooms creates a room for every name that does not exist yet and returns
// the number of rooms created.
func SeedRooms(db *gorm.DB, names []string) (int, error) {
	created := 0
	err := db.Transaction(func(tx *gorm.DB) error {
		for _, name := range names {
			var n int64
			if err := tx.Model(&models.Room{}).Where("name = ?", name).Count(&n).Error; err != nil {
				return fmt.Errorf("seed room %q: %w", name, err)
			}
			if n > 0 {
				continue
			}
			if err := tx.Create(&models.Room{Name: name}).Error; err != nil {
				return fmt.Errorf("seed room %q: %w", name, err)
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}
