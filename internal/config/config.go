package config

// Config is the root configuration of a blsm node.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	Store  StoreConfig  `yaml:"store"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

// StoreConfig carries the engine tunables.
type StoreConfig struct {
	DataDir            string  `yaml:"data_dir"`
	MaxC0SizeBytes     int64   `yaml:"max_c0_size"`
	InternalRegionSize int64   `yaml:"internal_region_size"`
	DatapageRegionSize int64   `yaml:"datapage_region_size"`
	DatapageSize       int64   `yaml:"datapage_size"`
	LogMode            int     `yaml:"log_mode"`
	MergeRateBytes     float64 `yaml:"merge_rate"`
	ExpiryTicks        uint64  `yaml:"expiry"`
	PageCachePages     int     `yaml:"page_cache_pages"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Store: StoreConfig{
			DataDir:            "./data",
			MaxC0SizeBytes:     100 * 1024 * 1024,
			InternalRegionSize: 16384,
			DatapageRegionSize: 256000,
			DatapageSize:       1,
			LogMode:            0,
			MergeRateBytes:     100 * 1024 * 1024,
			PageCachePages:     256,
		},
	}
}
