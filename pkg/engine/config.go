package engine

import (
	"errors"
	"time"
)

// Config 是引擎的全部可调参数
type Config struct {
	// StorageName 是存储的逻辑名称，出现在周期回调中
	StorageName string
	// RootPath 是所有存储 key 的前缀
	RootPath string
	// WorkspacePath 下有 zip/ (构建目录) 和 tmp/ (取回缓存)
	WorkspacePath string

	SmallFileMaxSize int64
	ArchiveMaxSize   int64
	ArchiveMaxAge    time.Duration

	CacheLifetime    time.Duration
	CleanLockTimeout time.Duration

	StoreWorkers   int
	RestoreWorkers int

	AccessTimeout          time.Duration
	InitialPollDelay       time.Duration
	MaxPollInterval        time.Duration
	MaxUnreachableAttempts int
	RenewCallDuration      time.Duration
}

func DefaultConfig() Config {
	return Config{
		StorageName:            "glacier",
		SmallFileMaxSize:       1 << 20,
		ArchiveMaxSize:         10 << 20,
		ArchiveMaxAge:          24 * time.Hour,
		CacheLifetime:          24 * time.Hour,
		CleanLockTimeout:       30 * time.Second,
		StoreWorkers:           10,
		RestoreWorkers:         10,
		AccessTimeout:          time.Hour,
		InitialPollDelay:       time.Second,
		MaxPollInterval:        5 * time.Minute,
		MaxUnreachableAttempts: 5,
		RenewCallDuration:      time.Second,
	}
}

// withDefaults 用默认值补齐零值字段
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StorageName == "" {
		c.StorageName = d.StorageName
	}
	if c.SmallFileMaxSize <= 0 {
		c.SmallFileMaxSize = d.SmallFileMaxSize
	}
	if c.ArchiveMaxSize <= 0 {
		c.ArchiveMaxSize = d.ArchiveMaxSize
	}
	if c.ArchiveMaxAge <= 0 {
		c.ArchiveMaxAge = d.ArchiveMaxAge
	}
	if c.CacheLifetime <= 0 {
		c.CacheLifetime = d.CacheLifetime
	}
	if c.CleanLockTimeout <= 0 {
		c.CleanLockTimeout = d.CleanLockTimeout
	}
	if c.StoreWorkers <= 0 {
		c.StoreWorkers = d.StoreWorkers
	}
	if c.RestoreWorkers <= 0 {
		c.RestoreWorkers = d.RestoreWorkers
	}
	if c.AccessTimeout <= 0 {
		c.AccessTimeout = d.AccessTimeout
	}
	if c.InitialPollDelay <= 0 {
		c.InitialPollDelay = d.InitialPollDelay
	}
	if c.MaxPollInterval <= 0 {
		c.MaxPollInterval = d.MaxPollInterval
	}
	if c.MaxUnreachableAttempts <= 0 {
		c.MaxUnreachableAttempts = d.MaxUnreachableAttempts
	}
	if c.RenewCallDuration <= 0 {
		c.RenewCallDuration = d.RenewCallDuration
	}
	return c
}

func (c Config) validate() error {
	if c.WorkspacePath == "" {
		return errors.New("engine: workspace path is required")
	}
	if c.SmallFileMaxSize > c.ArchiveMaxSize {
		return errors.New("engine: small file max size exceeds archive max size")
	}
	return nil
}
