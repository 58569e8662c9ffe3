package main

import (
	"github.com/foldtale/foldtale/internal/database"
	"github.com/foldtale/foldtale/internal/engineapi"
	"github.com/foldtale/foldtale/internal/timeout"
)

type Options struct {
	Addr        string                  `toml:"addr"`
	APIToken    string                  `toml:"api-token"`
	LogLevel    string                  `toml:"log-level"`
	EventBuffer int                     `toml:"event-buffer"`
	DB          database.Options        `toml:"db"`
	Timeout     timeout.Options         `toml:"timeout"`
	Events      engineapi.EventsOptions `toml:"events"`
}

func (o *Options) FillDefaults() {
	if o.Addr == "" {
		o.Addr = "127.0.0.1:8080"
	}
	if o.LogLevel == "" {
		o.LogLevel = "info"
	}
	if o.EventBuffer == 0 {
		o.EventBuffer = 64
	}
	o.DB.FillDefaults()
	o.Timeout.FillDefaults()
	o.Events.FillDefaults()
}
