package app

import (
    "os"
    "strconv"
    "strings"
    "time"
)

func truthy(s string) (val bool, ok bool) {
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "1", "true", "yes", "on":
        return true, true
    case "0", "false", "no", "off":
        return false, true
    }
    return false, false
}

// ApplyEnvToConfig populates unset fields of cfg from environment variables.
// Explicit cfg values take precedence over env.
func ApplyEnvToConfig(cfg *Config) {
    if cfg == nil { return }

    setStr := func(dst *string, keys ...string) {
        if *dst != "" { return }
        for _, k := range keys {
            if v := os.Getenv(k); v != "" {
                *dst = v
                return
            }
        }
    }
    setStr(&cfg.LLMBaseURL, "LLM_BASE_URL")
    setStr(&cfg.LLMModel, "LLM_MODEL")
    setStr(&cfg.LLMAPIKey, "LLM_API_KEY", "OPENAI_API_KEY")
    setStr(&cfg.ImageURL, "IMAGE_URL")
    setStr(&cfg.ImageAPIKey, "IMAGE_API_KEY")
    setStr(&cfg.CacheDir, "CACHE_DIR")
    setStr(&cfg.Theme, "REWRITE_THEME")
    setStr(&cfg.PreferencesFile, "PREFERENCES_FILE")

    if cfg.CacheMaxAge == 0 {
        if s := os.Getenv("CACHE_MAX_AGE"); s != "" {
            if d, err := time.ParseDuration(s); err == nil {
                cfg.CacheMaxAge = d
            }
        }
    }
    if cfg.BatchSize == 0 {
        if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv("REWRITE_BATCH"))); err == nil && n > 0 {
            cfg.BatchSize = n
        }
    }

    setBool := func(dst *bool, envKey string) {
        if *dst { return }
        if v, ok := truthy(os.Getenv(envKey)); ok && v {
            *dst = true
        }
    }
    setBool(&cfg.DryRun, "DRY_RUN")
    setBool(&cfg.Verbose, "VERBOSE")
    setBool(&cfg.CacheClear, "CACHE_CLEAR")
    setBool(&cfg.CacheStrictPerms, "CACHE_STRICT_PERMS")
    setBool(&cfg.ResponseCacheOnly, "RESPONSE_CACHE_ONLY")
    setBool(&cfg.InsecureTLS, "INSECURE_TLS")
    setBool(&cfg.IgnoreRobots, "IGNORE_ROBOTS")
}

// ApplyEnvOverrides forcefully overrides cfg fields with environment variables
// when the corresponding env vars are set. This lets env take precedence over
// values coming from a config file while flags remain highest precedence.
func ApplyEnvOverrides(cfg *Config) {
    if cfg == nil { return }

    if v := os.Getenv("LLM_BASE_URL"); v != "" { cfg.LLMBaseURL = v }
    if v := os.Getenv("LLM_MODEL"); v != "" { cfg.LLMModel = v }
    if v := os.Getenv("LLM_API_KEY"); v != "" { cfg.LLMAPIKey = v }
    if v := os.Getenv("IMAGE_URL"); v != "" { cfg.ImageURL = v }
    if v := os.Getenv("IMAGE_API_KEY"); v != "" { cfg.ImageAPIKey = v }
    if v := os.Getenv("CACHE_DIR"); v != "" { cfg.CacheDir = v }
    if v := os.Getenv("REWRITE_THEME"); v != "" { cfg.Theme = v }
    if v := os.Getenv("PREFERENCES_FILE"); v != "" { cfg.PreferencesFile = v }

    if s := os.Getenv("CACHE_MAX_AGE"); s != "" {
        if d, err := time.ParseDuration(s); err == nil {
            cfg.CacheMaxAge = d
        }
    }

    setBool := func(dst *bool, envKey string) {
        if v, ok := truthy(os.Getenv(envKey)); ok {
            *dst = v
        }
    }
    setBool(&cfg.DryRun, "DRY_RUN")
    setBool(&cfg.Verbose, "VERBOSE")
    setBool(&cfg.CacheClear, "CACHE_CLEAR")
    setBool(&cfg.CacheStrictPerms, "CACHE_STRICT_PERMS")
    setBool(&cfg.ResponseCacheOnly, "RESPONSE_CACHE_ONLY")
    setBool(&cfg.InsecureTLS, "INSECURE_TLS")
    setBool(&cfg.IgnoreRobots, "IGNORE_ROBOTS")
}
