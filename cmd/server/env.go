package main

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides are applied on top of the command-line flags. Empty values
// leave the flag in place.
type envOverrides struct {
	Addr        string `env:"GC_ADDR"`
	ConfigDir   string `env:"GC_CONFIGS"`
	DataDir     string `env:"GC_DATA"`
	TuningPath  string `env:"GC_TUNING"`
	RoomsPath   string `env:"GC_ROOMS"`
	MirrorURL   string `env:"GC_MIRROR_URL"`
	MirrorToken string `env:"GC_MIRROR_TOKEN"`
	EnablePprof bool   `env:"GC_ENABLE_PPROF" envDefault:"false"`
}

func parseEnv() (envOverrides, error) {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return envOverrides{}, fmt.Errorf("parse env: %w", err)
	}
	return o, nil
}

func (o envOverrides) apply(cfg *serverConfig) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Addr, o.Addr)
	set(&cfg.ConfigDir, o.ConfigDir)
	set(&cfg.DataDir, o.DataDir)
	set(&cfg.TuningPath, o.TuningPath)
	set(&cfg.RoomsPath, o.RoomsPath)
	set(&cfg.MirrorURL, o.MirrorURL)
	set(&cfg.MirrorToken, o.MirrorToken)
	if o.EnablePprof {
		cfg.EnablePprof = true
	}
}
