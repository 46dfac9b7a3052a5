package app

import (
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    yaml "gopkg.in/yaml.v3"

    "github.com/hyperifyio/gorewrite/internal/rewrite"
)

// FileConfig represents the single-file configuration schema.
// Nested sections map naturally to flags/env.
type FileConfig struct {
    Input     string `yaml:"input" json:"input"`
    Output    string `yaml:"output" json:"output"`
    OutputPDF string `yaml:"outputPDF" json:"outputPDF"`
    Manifest  string `yaml:"manifest" json:"manifest"`

    LLM struct {
        BaseURL string `yaml:"base" json:"base"`
        Model   string `yaml:"model" json:"model"`
        APIKey  string `yaml:"key" json:"key"`
    } `yaml:"llm" json:"llm"`

    Rewrite struct {
        Theme            string `yaml:"theme" json:"theme"`
        SystemPrompt     string `yaml:"systemPrompt" json:"systemPrompt"`
        SystemPromptFile string `yaml:"systemPromptFile" json:"systemPromptFile"`
        ShortSegments    string `yaml:"shortSegments" json:"shortSegments"`
        BatchSize        int    `yaml:"batchSize" json:"batchSize"`
        MaxChunk         int    `yaml:"maxChunk" json:"maxChunk"`
        Disable          bool   `yaml:"disable" json:"disable"`
    } `yaml:"rewrite" json:"rewrite"`

    Extract struct {
        MinWords      int      `yaml:"minWords" json:"minWords"`
        RootSelectors []string `yaml:"rootSelectors" json:"rootSelectors"`
        StrictRoot    bool     `yaml:"strictRoot" json:"strictRoot"`
        Charset       string   `yaml:"charset" json:"charset"`
    } `yaml:"extract" json:"extract"`

    Image struct {
        URL            string        `yaml:"url" json:"url"`
        APIKey         string        `yaml:"key" json:"key"`
        Prompt         string        `yaml:"prompt" json:"prompt"`
        NegativePrompt string        `yaml:"negativePrompt" json:"negativePrompt"`
        Strength       float64       `yaml:"strength" json:"strength"`
        Steps          int           `yaml:"steps" json:"steps"`
        CFGScale       float64       `yaml:"cfgScale" json:"cfgScale"`
        MinSize        int           `yaml:"minSize" json:"minSize"`
        RetryDelay     time.Duration `yaml:"retryDelay" json:"retryDelay"`
        Disable        bool          `yaml:"disable" json:"disable"`
    } `yaml:"image" json:"image"`

    DryRun    bool   `yaml:"dryRun" json:"dryRun"`
    Verbose   bool   `yaml:"verbose" json:"verbose"`
    UserAgent string `yaml:"userAgent" json:"userAgent"`
    InsecureTLS bool `yaml:"insecureTLS" json:"insecureTLS"`

    Cache struct {
        Dir         string        `yaml:"dir" json:"dir"`
        MaxAge      time.Duration `yaml:"maxAge" json:"maxAge"`
        Clear       bool          `yaml:"clear" json:"clear"`
        StrictPerms bool          `yaml:"strictPerms" json:"strictPerms"`
        MaxBytes    int64         `yaml:"maxBytes" json:"maxBytes"`
        MaxCount    int           `yaml:"maxCount" json:"maxCount"`
    } `yaml:"cache" json:"cache"`

    Watch struct {
        Enable          bool          `yaml:"enable" json:"enable"`
        Interval        time.Duration `yaml:"interval" json:"interval"`
        SettleDelay     time.Duration `yaml:"settleDelay" json:"settleDelay"`
        RescanWindow    time.Duration `yaml:"rescanWindow" json:"rescanWindow"`
        PreferencesFile string        `yaml:"preferencesFile" json:"preferencesFile"`
        IgnoreRobots    bool          `yaml:"ignoreRobots" json:"ignoreRobots"`
    } `yaml:"watch" json:"watch"`

    Serve struct {
        Addr string `yaml:"addr" json:"addr"`
    } `yaml:"serve" json:"serve"`
}

// LoadConfigFile reads YAML or JSON into FileConfig. A relative
// rewrite.systemPromptFile is resolved against the config file's directory
// and its contents replace rewrite.systemPrompt.
func LoadConfigFile(path string) (FileConfig, error) {
    var fc FileConfig
    b, err := os.ReadFile(path)
    if err != nil {
        return fc, err
    }
    switch ext := filepath.Ext(path); ext {
    case ".yaml", ".yml":
        if err := yaml.Unmarshal(b, &fc); err != nil {
            return fc, fmt.Errorf("parse yaml: %w", err)
        }
    case ".json":
        if err := json.Unmarshal(b, &fc); err != nil {
            return fc, fmt.Errorf("parse json: %w", err)
        }
    default:
        // Try YAML then JSON
        if err := yaml.Unmarshal(b, &fc); err != nil {
            if jerr := json.Unmarshal(b, &fc); jerr != nil {
                return fc, fmt.Errorf("parse config: %v (yaml) / %v (json)", err, jerr)
            }
        }
    }
    if p := strings.TrimSpace(fc.Rewrite.SystemPromptFile); p != "" {
        if !filepath.IsAbs(p) {
            p = filepath.Join(filepath.Dir(path), p)
        }
        prompt, err := os.ReadFile(p)
        if err != nil {
            return fc, fmt.Errorf("read system prompt file: %w", err)
        }
        fc.Rewrite.SystemPrompt = strings.TrimSpace(string(prompt))
    }
    return fc, nil
}

// ApplyFileConfig overlays values from FileConfig into cfg for any fields that
// are currently unset/zero in cfg. Flags should already have been parsed; this
// lets file config supply defaults while preserving explicit flags.
func ApplyFileConfig(cfg *Config, fc FileConfig) {
    if cfg == nil { return }

    str := func(dst *string, v string) {
        if *dst == "" && v != "" { *dst = v }
    }
    num := func(dst *int, v int) {
        if *dst == 0 && v > 0 { *dst = v }
    }
    dur := func(dst *time.Duration, v time.Duration) {
        if *dst == 0 && v > 0 { *dst = v }
    }
    flag := func(dst *bool, v bool) {
        if !*dst && v { *dst = true }
    }

    str(&cfg.InputPath, fc.Input)
    str(&cfg.OutputPath, fc.Output)
    str(&cfg.OutputPDFPath, fc.OutputPDF)
    str(&cfg.ManifestPath, fc.Manifest)

    str(&cfg.LLMBaseURL, fc.LLM.BaseURL)
    str(&cfg.LLMModel, fc.LLM.Model)
    str(&cfg.LLMAPIKey, fc.LLM.APIKey)

    str(&cfg.Theme, fc.Rewrite.Theme)
    str(&cfg.SystemPrompt, fc.Rewrite.SystemPrompt)
    str(&cfg.ShortSegments, fc.Rewrite.ShortSegments)
    num(&cfg.BatchSize, fc.Rewrite.BatchSize)
    num(&cfg.MaxChunk, fc.Rewrite.MaxChunk)
    flag(&cfg.DisableText, fc.Rewrite.Disable)

    num(&cfg.MinWords, fc.Extract.MinWords)
    if len(cfg.RootSelectors) == 0 && len(fc.Extract.RootSelectors) > 0 {
        cfg.RootSelectors = append([]string{}, fc.Extract.RootSelectors...)
    }
    flag(&cfg.StrictRoot, fc.Extract.StrictRoot)
    str(&cfg.Charset, fc.Extract.Charset)

    str(&cfg.ImageURL, fc.Image.URL)
    str(&cfg.ImageAPIKey, fc.Image.APIKey)
    str(&cfg.ImagePrompt, fc.Image.Prompt)
    str(&cfg.ImageNegativePrompt, fc.Image.NegativePrompt)
    if cfg.ImageStrength == 0 && fc.Image.Strength > 0 { cfg.ImageStrength = fc.Image.Strength }
    num(&cfg.ImageSteps, fc.Image.Steps)
    if cfg.ImageCFGScale == 0 && fc.Image.CFGScale > 0 { cfg.ImageCFGScale = fc.Image.CFGScale }
    num(&cfg.ImageMinSize, fc.Image.MinSize)
    dur(&cfg.ImageRetryDelay, fc.Image.RetryDelay)
    flag(&cfg.DisableImages, fc.Image.Disable)

    flag(&cfg.DryRun, fc.DryRun)
    flag(&cfg.Verbose, fc.Verbose)
    str(&cfg.UserAgent, fc.UserAgent)
    flag(&cfg.InsecureTLS, fc.InsecureTLS)

    str(&cfg.CacheDir, fc.Cache.Dir)
    dur(&cfg.CacheMaxAge, fc.Cache.MaxAge)
    flag(&cfg.CacheClear, fc.Cache.Clear)
    flag(&cfg.CacheStrictPerms, fc.Cache.StrictPerms)
    if cfg.CacheMaxBytes == 0 && fc.Cache.MaxBytes > 0 { cfg.CacheMaxBytes = fc.Cache.MaxBytes }
    num(&cfg.CacheMaxCount, fc.Cache.MaxCount)

    flag(&cfg.Watch, fc.Watch.Enable)
    dur(&cfg.WatchInterval, fc.Watch.Interval)
    dur(&cfg.SettleDelay, fc.Watch.SettleDelay)
    dur(&cfg.RescanWindow, fc.Watch.RescanWindow)
    str(&cfg.PreferencesFile, fc.Watch.PreferencesFile)
    flag(&cfg.IgnoreRobots, fc.Watch.IgnoreRobots)

    str(&cfg.ServeAddr, fc.Serve.Addr)
}

// ValidateConfig performs minimal schema validation for required settings.
// For dry-run, rewrite service settings may be omitted.
func ValidateConfig(cfg Config) error {
    serving := strings.TrimSpace(cfg.ServeAddr) != ""
    if !serving && strings.TrimSpace(cfg.InputPath) == "" {
        return errors.New("config: input is required (file, - for stdin, or URL)")
    }
    if !cfg.DryRun && !cfg.DisableText && strings.TrimSpace(cfg.LLMModel) == "" {
        return errors.New("config: llm.model is required (or set LLM_MODEL)")
    }
    if cfg.MinWords < 0 || cfg.MaxChunk < 0 || cfg.BatchSize < 0 || cfg.ImageMinSize < 0 || cfg.ImageSteps < 0 {
        return errors.New("config: negative limits are not allowed")
    }
    if cfg.ImageStrength < 0 || cfg.ImageStrength > 1 {
        return errors.New("config: image.strength must be between 0 and 1")
    }
    if _, err := rewrite.ParseShortSegmentPolicy(cfg.ShortSegments); err != nil {
        return fmt.Errorf("config: %w", err)
    }
    if cfg.Watch {
        if !strings.HasPrefix(cfg.InputPath, "http://") && !strings.HasPrefix(cfg.InputPath, "https://") {
            return errors.New("config: watch mode needs an http(s) input")
        }
        if strings.TrimSpace(cfg.OutputPath) == "" || cfg.OutputPath == "-" {
            return errors.New("config: watch mode needs an output file")
        }
    }
    return nil
}
