package config

import "time"

type Config struct {
	GatewayURL     string
	GatewayTimeout time.Duration

	PageSize       int
	LookbackMonths int
	MaxPages       int
	Resume         bool
	Interval       time.Duration
	RunOnStart     bool
}
