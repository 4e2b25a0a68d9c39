package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/CliForge/envforge/pkg/auth"
	"github.com/CliForge/envforge/pkg/auth/storage"
	"github.com/CliForge/envforge/pkg/auth/types"
	"github.com/CliForge/envforge/pkg/cache"
	"github.com/CliForge/envforge/pkg/fetch"
	"github.com/CliForge/envforge/pkg/logger"
	"github.com/CliForge/envforge/pkg/secrets"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const appName = "envforge"

// Flag names shared by viper keys and ENVFORGE_* variables.
const (
	flagAuth           = "auth"
	flagConfig         = "config"
	flagConfigRoot     = "config-root"
	flagSettings       = "settings"
	flagProjectDir     = "project-dir"
	flagConcurrency    = "concurrency"
	flagRate           = "rate"
	flagNoCache        = "no-cache"
	flagDryRun         = "dry-run"
	flagSkipInstall    = "skip-install"
	flagInstallCommand = "install-command"
	flagBase           = "base"
	flagEnvFile        = "env-file"
	flagJSON           = "json"
	flagLogLevel       = "log-level"
	flagLogJSON        = "log-json"
	flagStorage        = "storage"
	flagCredentials    = "credentials-file"
)

// addGlobalFlags registers the persistent flags every command shares.
func addGlobalFlags(fs *pflag.FlagSet) {
	fs.String(flagAuth, "", "Auth header override as Header-Name:value")
	fs.String(flagEnvFile, "", "Load environment variables from a .env file first")
	fs.String(flagBase, "", "Base URL for named environments and relative references")
	fs.String(flagLogLevel, "warn", "Log level (debug, info, warn, error, disabled)")
	fs.Bool(flagLogJSON, false, "Log as JSON")
	fs.String(flagStorage, string(types.StorageTypeAuto), "Token storage (auto, keyring, file)")
	fs.String(flagCredentials, "", "Token file for file storage")
	fs.Bool(flagNoCache, false, "Bypass the resource cache")
	fs.Float64(flagRate, 0, "Maximum requests per second, 0 for unlimited")
}

// newViper binds flags and ENVFORGE_* variables.
func newViper(flags ...*pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("ENVFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, fs := range flags {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}
	return v, nil
}

// loadEnvFile loads a .env file without overriding variables already set.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to resolve env file path: %w", err)
	}
	if err := godotenv.Load(abs); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", abs, err)
	}
	return nil
}

// setupLogging installs a logger whose output is masked by detector.
func setupLogging(v *viper.Viper, detector *secrets.Detector) logger.Logger {
	l := logger.NewLogger(&logger.Config{
		Level:      logger.LogLevel(v.GetString(flagLogLevel)),
		Output:     secrets.NewMaskingWriter(detector, os.Stderr),
		JSON:       v.GetBool(flagLogJSON),
		TimeFormat: "15:04:05",
	})
	logger.SetDefault(l)
	return l
}

// tokenStorage opens the configured token storage.
func tokenStorage(v *viper.Viper) (storage.TokenStorage, error) {
	cfg := &types.StorageConfig{
		Type:           types.StorageType(v.GetString(flagStorage)),
		Path:           v.GetString(flagCredentials),
		KeyringService: appName,
	}
	return storage.NewFactory().Create(cfg, appName)
}

// newResolver builds the credential resolver. Storage errors only disable
// the storage tier.
func newResolver(v *viper.Viper, log logger.Logger) *auth.Resolver {
	opts := []auth.ResolverOption{auth.WithFlagHeader(v.GetString(flagAuth))}
	if st, err := tokenStorage(v); err == nil {
		opts = append(opts, auth.WithStorage(st))
	} else {
		log.Debug("token storage unavailable", "err", err)
	}
	return auth.NewResolver(opts...)
}

// newFetcher builds the shared fetcher with its cache, throttle and a
// masked debug transport.
func newFetcher(v *viper.Viper, detector *secrets.Detector, log logger.Logger) (*fetch.Fetcher, *fetch.Throttle) {
	throttle := fetch.NewThrottle(fetch.WithRate(v.GetFloat64(flagRate), 4))

	opts := []fetch.Option{
		fetch.WithThrottle(throttle),
		fetch.WithHTTPClient(&http.Client{
			Transport: secrets.NewTransport(detector, http.DefaultTransport, log.Debug),
		}),
	}
	fo := fetch.DefaultOptions()
	fo.UserAgent = appName + "/" + version
	opts = append(opts, fetch.WithOptions(fo))

	if !v.GetBool(flagNoCache) {
		c, err := cache.New(appName)
		if err != nil {
			log.Warn("resource cache disabled", "err", err)
		} else {
			opts = append(opts, fetch.WithCache(c))
		}
	}
	return fetch.New(opts...), throttle
}
