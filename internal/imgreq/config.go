package imgreq

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage struct {
		RAM struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max  string `yaml:"max"`
			Path string `yaml:"path"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Fetch struct {
		Timeout      string   `yaml:"timeout"`
		MaxRequests  int      `yaml:"maxRequests"`
		MaxImageSize string   `yaml:"maxImageSize"`
		ChunkSize    string   `yaml:"chunkSize"`
		AllowHosts   []string `yaml:"allowHosts"`
	} `yaml:"fetch"`

	Logging struct {
		LogStatsEvery     string `yaml:"logStatsEvery"`
		LogImageRequests  bool   `yaml:"logImageRequests"`
		LogImagesDiscover bool   `yaml:"logImagesDiscover"`
	} `yaml:"logging"`

	ImagesDiscover struct {
		Sitemaps        []string `yaml:"sitemaps"`
		InitialDelay    string   `yaml:"initialDelay"`
		RediscoverEvery string   `yaml:"rediscoverEvery"`
	} `yaml:"imagesDiscover"`

	Rules []Rule `yaml:"rules"`

	// compiled
	origin             *url.URL
	ramMax             int64
	diskMax            int64
	fetchTimeout       time.Duration
	maxImageBytes      int64
	chunkBytes         int
	logStatsEveryDur   time.Duration
	initialDelayDur    time.Duration
	rediscoverEveryDur time.Duration
}

type Rule struct {
	Match      string `yaml:"match"`
	Priority   int    `yaml:"priority"`
	Bypass     bool   `yaml:"bypass"`
	Expiration string `yaml:"expiration"`
	WarmUp     string `yaml:"warmUp"`

	// compiled
	matchers []pathPrefixMatcher
	expDur   time.Duration
	warmDur  time.Duration
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return fmt.Errorf("server.origin: unsupported scheme %q", origin.Scheme)
	}
	cfg.origin = origin

	if cfg.Storage.Disk.Path == "" {
		cfg.Storage.Disk.Path = "./data/leveldb"
	}
	if cfg.ramMax, err = parseBytesDefault(cfg.Storage.RAM.Max, "64m"); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.diskMax, err = parseBytesDefault(cfg.Storage.Disk.Max, "512m"); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}

	if cfg.fetchTimeout, err = parseDurationDefault(cfg.Fetch.Timeout, 30*time.Second); err != nil {
		return fmt.Errorf("fetch.timeout: %w", err)
	}
	if cfg.Fetch.MaxRequests == 0 {
		cfg.Fetch.MaxRequests = 256
	}
	if cfg.Fetch.MaxRequests < 0 {
		return fmt.Errorf("fetch.maxRequests: must be positive")
	}
	if cfg.maxImageBytes, err = parseBytesDefault(cfg.Fetch.MaxImageSize, "32m"); err != nil {
		return fmt.Errorf("fetch.maxImageSize: %w", err)
	}
	chunk, err := parseBytesDefault(cfg.Fetch.ChunkSize, "32k")
	if err != nil {
		return fmt.Errorf("fetch.chunkSize: %w", err)
	}
	if chunk <= 0 {
		return fmt.Errorf("fetch.chunkSize: must be positive")
	}
	cfg.chunkBytes = int(chunk)

	if cfg.logStatsEveryDur, err = parseDurationDefault(cfg.Logging.LogStatsEvery, 0); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	if cfg.initialDelayDur, err = parseDurationDefault(cfg.ImagesDiscover.InitialDelay, 0); err != nil {
		return fmt.Errorf("imagesDiscover.initialDelay: %w", err)
	}
	if cfg.rediscoverEveryDur, err = parseDurationDefault(cfg.ImagesDiscover.RediscoverEvery, 0); err != nil {
		return fmt.Errorf("imagesDiscover.rediscoverEvery: %w", err)
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		if r.expDur, err = parseDurationDefault(r.Expiration, 0); err != nil {
			return fmt.Errorf("rules[%d].expiration: %w", i, err)
		}
		if r.warmDur, err = parseDurationDefault(r.WarmUp, 0); err != nil {
			return fmt.Errorf("rules[%d].warmUp: %w", i, err)
		}
	}

	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})
	return nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

func (cfg *Config) hostAllowed(host string) bool {
	if strings.EqualFold(host, cfg.origin.Host) {
		return true
	}
	for _, h := range cfg.Fetch.AllowHosts {
		if strings.EqualFold(strings.TrimSpace(h), host) {
			return true
		}
	}
	return false
}
