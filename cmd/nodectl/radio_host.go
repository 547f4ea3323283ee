//go:build !rp2350

package main

import (
	"github.com/danmuck/edgenode/internal/config"
	"github.com/danmuck/edgenode/internal/wifi"
)

func newRadio(cfg config.NodeConfig) wifi.Radio {
	return wifi.NewHostRadio(cfg.WiFi.Networks, cfg.WiFi.AcceptAny)
}
