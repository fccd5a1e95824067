package config

import "time"

type Config struct {
	AuthURL      string
	ClientID     string
	ClientSecret string
	XToken       string
	Timeout      time.Duration
}
