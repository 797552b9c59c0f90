package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"coldvault/pkg/engine"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Load 初始化 Viper 配置
// cfgFile: 可选，用户显式指定的配置文件路径
func Load(cfgFile string) error {
	// 1. 设置默认值
	setDefaults()

	// 2. 配置搜索路径
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		// 搜索顺序: 当前目录 -> ./.cv -> ~/.cv
		viper.AddConfigPath(".")
		viper.AddConfigPath(".cv")
		viper.AddConfigPath(filepath.Join(home, ".cv"))

		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// 3. 环境变量 (CV_S3_BUCKET, CV_ARCHIVE_MAX_SIZE 等)
	viper.SetEnvPrefix("CV")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// 4. 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		// 没找到配置文件不算错，格式错才算
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Debug().Msg("No config file found, using defaults/env vars")
		} else {
			return fmt.Errorf("fatal error config file: %w", err)
		}
	} else {
		log.Debug().Str("file", viper.ConfigFileUsed()).Msg("Using config file")
	}

	return nil
}

func setDefaults() {
	wd, _ := os.Getwd()

	// 存储
	viper.SetDefault("storage.name", "glacier")
	viper.SetDefault("storage.type", "disk")
	viper.SetDefault("storage.path", filepath.Join(wd, ".cv", "objects"))
	viper.SetDefault("storage.root", "")

	viper.SetDefault("s3.region", "us-east-1")
	viper.SetDefault("s3.bucket", "coldvault")
	viper.SetDefault("s3.storage_class", "GLACIER")
	viper.SetDefault("s3.standard_storage_class", "STANDARD")
	viper.SetDefault("s3.restore_days", 1)

	// 工作区与归档
	viper.SetDefault("workspace.path", filepath.Join(wd, ".cv", "workspace"))
	viper.SetDefault("archive.small_file_max_size", "1MB")
	viper.SetDefault("archive.max_size", "10MB")
	viper.SetDefault("archive.max_age", "24h")
	viper.SetDefault("archive.ignore", []string{})

	viper.SetDefault("cache.lifetime", "24h")
	viper.SetDefault("cache.clean_lock_timeout", "30s")

	viper.SetDefault("workers.store", 10)
	viper.SetDefault("workers.restore", 10)

	viper.SetDefault("restore.access_timeout", "1h")
	viper.SetDefault("restore.initial_delay", "1s")
	viper.SetDefault("restore.max_interval", "5m")
	viper.SetDefault("restore.max_unreachable", 5)

	// 锁
	viper.SetDefault("lock.backend", "memory")
	viper.SetDefault("lock.ttl", "60s")
	viper.SetDefault("lock.renew_call_duration", "1s")
	viper.SetDefault("lock.retry_delay", "100ms")

	viper.SetDefault("redis.url", "redis://localhost:6379/0")
	viper.SetDefault("redis.exists_cache", false)
	viper.SetDefault("redis.cache_ttl", "24h")

	// 账本
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", filepath.Join(wd, ".cv", "ledger.db"))
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")

	// 守护进程
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.metrics_addr", ":9090")
	viper.SetDefault("server.interval", "1m")
	viper.SetDefault("server.check_pending_interval", "10m")
}

// Bytes 读取一个大小配置，接受 "10MB"、"512KiB" 或纯数字
func Bytes(key string) (int64, error) {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid size for %s: %w", key, err)
	}
	return int64(n), nil
}

// Duration 读取一个时长配置 (Go duration 字符串)
func Duration(key string) (time.Duration, error) {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}

// EngineConfig 从 viper 组装引擎配置，零值由引擎补默认值
func EngineConfig() (engine.Config, error) {
	cfg := engine.Config{
		StorageName:            viper.GetString("storage.name"),
		RootPath:               viper.GetString("storage.root"),
		WorkspacePath:          viper.GetString("workspace.path"),
		StoreWorkers:           viper.GetInt("workers.store"),
		RestoreWorkers:         viper.GetInt("workers.restore"),
		MaxUnreachableAttempts: viper.GetInt("restore.max_unreachable"),
	}

	var err error
	sizes := []struct {
		key string
		dst *int64
	}{
		{"archive.small_file_max_size", &cfg.SmallFileMaxSize},
		{"archive.max_size", &cfg.ArchiveMaxSize},
	}
	for _, s := range sizes {
		if *s.dst, err = Bytes(s.key); err != nil {
			return engine.Config{}, err
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"archive.max_age", &cfg.ArchiveMaxAge},
		{"cache.lifetime", &cfg.CacheLifetime},
		{"cache.clean_lock_timeout", &cfg.CleanLockTimeout},
		{"restore.access_timeout", &cfg.AccessTimeout},
		{"restore.initial_delay", &cfg.InitialPollDelay},
		{"restore.max_interval", &cfg.MaxPollInterval},
		{"lock.renew_call_duration", &cfg.RenewCallDuration},
	}
	for _, d := range durations {
		if *d.dst, err = Duration(d.key); err != nil {
			return engine.Config{}, err
		}
	}
	return cfg, nil
}
