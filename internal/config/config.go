package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	handlerConfig "github.com/iurnickita/finsync/internal/handler/config"
	loggerConfig "github.com/iurnickita/finsync/internal/logger/config"
	mapperConfig "github.com/iurnickita/finsync/internal/mapper/config"
	serviceConfig "github.com/iurnickita/finsync/internal/service/config"
	storeConfig "github.com/iurnickita/finsync/internal/store/config"
	tokenConfig "github.com/iurnickita/finsync/internal/token/config"
)

type Config struct {
	Handler handlerConfig.Config
	Service serviceConfig.Config
	Token   tokenConfig.Config
	Mapper  mapperConfig.Config
	Store   storeConfig.Config
	Logger  loggerConfig.Config
}

var ErrMissingSetting = errors.New("missing required setting")

// Переменные окружения исторически без префикса (совместимость с .env сервиса)
var envBindings = map[string][]string{
	"gateway.url":             {"GATEWAY_URL"},
	"gateway.auth_url":        {"AUTH_URL"},
	"gateway.client_id":       {"SNK_CLIENT_ID"},
	"gateway.client_secret":   {"SNK_CLIENT_SECRET"},
	"gateway.x_token":         {"SNK_X_TOKEN"},
	"store.dsn":               {"DATABASE_URL"},
	"logger.level":            {"LOG_LEVEL"},
	"handler.addr":            {"SERVER_ADDR"},
	"handler.port":            {"PORT"},
	"sync.page_size":          {"SYNC_PAGE_SIZE"},
	"sync.lookback_months":    {"SYNC_LOOKBACK_MONTHS"},
	"sync.max_pages":          {"SYNC_MAX_PAGES"},
	"sync.resume":             {"SYNC_RESUME"},
	"sync.interval":           {"SYNC_INTERVAL"},
	"sync.run_on_start":       {"SYNC_RUN_ON_START"},
	"sync.timezone":           {"SYNC_TIMEZONE"},
	"policy.situacao_inicial": {"SITUACAO_INICIAL"},
}

type negocioEntry struct {
	Negocio  string  `mapstructure:"negocio"`
	Empresas []int64 `mapstructure:"empresas"`
}

// GetConfig читает .env, необязательный finsync.yaml и переменные окружения.
func GetConfig() (Config, error) {
	// .env не обязателен
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("finsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/finsync")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	setDefaults(v)
	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return Config{}, err
		}
	}

	policy := mapperConfig.Default()
	if v.IsSet("policy.naturezas") {
		policy.Naturezas = v.GetStringSlice("policy.naturezas")
	}
	if v.IsSet("policy.negocios") {
		var entries []negocioEntry
		if err := v.UnmarshalKey("policy.negocios", &entries); err != nil {
			return Config{}, fmt.Errorf("policy.negocios: %w", err)
		}
		policy.Negocios = make(map[string][]int64, len(entries))
		for _, e := range entries {
			policy.Negocios[e.Negocio] = append(policy.Negocios[e.Negocio], e.Empresas...)
		}
	}
	policy.SituacaoInicial = v.GetString("policy.situacao_inicial")
	policy.Timezone = v.GetString("sync.timezone")

	addr := v.GetString("handler.addr")
	if addr == "" {
		addr = ":3333"
		if port := v.GetString("handler.port"); port != "" {
			addr = ":" + port
		}
	}

	cfg := Config{
		Handler: handlerConfig.Config{ServerAddr: addr},
		Service: serviceConfig.Config{
			GatewayURL:     v.GetString("gateway.url"),
			GatewayTimeout: v.GetDuration("gateway.timeout"),
			PageSize:       v.GetInt("sync.page_size"),
			LookbackMonths: v.GetInt("sync.lookback_months"),
			MaxPages:       v.GetInt("sync.max_pages"),
			Resume:         v.GetBool("sync.resume"),
			Interval:       v.GetDuration("sync.interval"),
			RunOnStart:     v.GetBool("sync.run_on_start"),
		},
		Token: tokenConfig.Config{
			AuthURL:      v.GetString("gateway.auth_url"),
			ClientID:     v.GetString("gateway.client_id"),
			ClientSecret: v.GetString("gateway.client_secret"),
			XToken:       v.GetString("gateway.x_token"),
			Timeout:      v.GetDuration("gateway.auth_timeout"),
		},
		Mapper: policy,
		Store:  storeConfig.Config{DBDsn: v.GetString("store.dsn")},
		Logger: loggerConfig.Config{LogLevel: v.GetString("logger.level")},
	}

	return cfg, validate(cfg)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.url", "https://api.sankhya.com.br/gateway/v1/mge/service.sbr")
	v.SetDefault("gateway.auth_url", "https://api.sankhya.com.br/authenticate")
	v.SetDefault("gateway.timeout", 60*time.Second)
	v.SetDefault("gateway.auth_timeout", 15*time.Second)
	v.SetDefault("logger.level", "info")
	v.SetDefault("sync.page_size", 50)
	v.SetDefault("sync.lookback_months", 3)
	v.SetDefault("sync.max_pages", 1000)
	v.SetDefault("sync.resume", true)
	v.SetDefault("sync.interval", time.Duration(0))
	v.SetDefault("sync.run_on_start", false)
	v.SetDefault("sync.timezone", mapperConfig.Default().Timezone)
}

func validate(cfg Config) error {
	switch {
	case cfg.Token.ClientID == "":
		return fmt.Errorf("%w: SNK_CLIENT_ID", ErrMissingSetting)
	case cfg.Token.ClientSecret == "":
		return fmt.Errorf("%w: SNK_CLIENT_SECRET", ErrMissingSetting)
	case cfg.Store.DBDsn == "":
		return fmt.Errorf("%w: DATABASE_URL", ErrMissingSetting)
	case cfg.Service.PageSize <= 0:
		return fmt.Errorf("sync.page_size must be positive, got %d", cfg.Service.PageSize)
	}
	return nil
}
