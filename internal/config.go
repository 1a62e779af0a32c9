package internal

import (
	"fmt"

	"github.com/spf13/viper"
)

type HeapdbConfig struct {
	Storage struct {
		Dir        string `mapstructure:"dir"`
		Base       string `mapstructure:"base"`
		PoolFrames int    `mapstructure:"pool_frames"`
	} `mapstructure:"storage"`
	Debug bool `mapstructure:"debug"`
}

func LoadConfig(path string) (*HeapdbConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("storage.dir", "data")
	v.SetDefault("storage.base", "heapdb")
	v.SetDefault("storage.pool_frames", 128)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg HeapdbConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
