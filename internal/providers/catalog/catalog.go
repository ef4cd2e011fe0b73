// Package catalog loads the financial provider catalog and application
// settings from YAML, with per-provider environment overrides.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pysugar/finlink/internal/logging"
)

const (
	FlowDevice = "device"
	FlowCode   = "code"

	StateStoreMemory = "memory"
	StateStoreRedis  = "redis"

	defaultTimeout       = 15 * time.Second
	defaultRefreshBuffer = 5 * time.Minute
	defaultTokenTTL      = time.Hour
	defaultListen        = "127.0.0.1:8086"
	defaultDBPath        = "finlink.db"

	envProvidersFile = "FINLINK_PROVIDERS_FILE"
	envDotEnvFile    = "FINLINK_ENV_FILE"
)

var providerIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

type fileConfig struct {
	App       AppConfig        `yaml:"app"`
	Providers []ProviderConfig `yaml:"providers"`
}

// AppConfig holds process-wide settings.
type AppConfig struct {
	Listen     string           `yaml:"listen" json:"listen"`
	PublicURL  string           `yaml:"public_url" json:"public_url,omitempty"`
	DBPath     string           `yaml:"db_path" json:"db_path"`
	Log        logging.Config   `yaml:"log" json:"log"`
	StateStore StateStoreConfig `yaml:"state_store" json:"state_store"`
}

// StateStoreConfig selects where pending authorization-code logins live.
type StateStoreConfig struct {
	Driver   string `yaml:"driver" json:"driver" validate:"omitempty,oneof=memory redis"`
	Addr     string `yaml:"addr" json:"addr,omitempty" validate:"required_if=Driver redis"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db,omitempty" validate:"gte=0"`
}

// ProviderConfig is one entry of the providers file.
type ProviderConfig struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	Enabled         *bool             `yaml:"enabled"`
	Flow            string            `yaml:"flow"`
	AuthURL         string            `yaml:"auth_url"`
	TokenURL        string            `yaml:"token_url"`
	DeviceAuthURL   string            `yaml:"device_auth_url"`
	RedirectURL     string            `yaml:"redirect_url"`
	Scopes          []string          `yaml:"scopes"`
	AuthParams      map[string]string `yaml:"auth_params"`
	DeviceGrantType string            `yaml:"device_grant_type"`
	MaxPollAttempts int               `yaml:"max_poll_attempts"`
	BaseURL         string            `yaml:"base_url"`
	Timeout         string            `yaml:"timeout"`
	RefreshBuffer   string            `yaml:"refresh_buffer"`
	DefaultTokenTTL string            `yaml:"default_token_ttl"`
	Report          ReportConfig      `yaml:"report"`
}

// ReportConfig describes the provider's asynchronous report API.
type ReportConfig struct {
	Enabled      *bool      `yaml:"enabled"`
	GeneratePath string     `yaml:"generate_path"`
	DownloadPath string     `yaml:"download_path"`
	ReportType   string     `yaml:"report_type"`
	CreditColumn string     `yaml:"credit_column"`
	DebitColumn  string     `yaml:"debit_column"`
	Delimiter    string     `yaml:"delimiter"`
	Poll         PollConfig `yaml:"poll"`
}

// PollConfig overrides the report poll policy. Zero values keep the defaults.
type PollConfig struct {
	InitialDelay string  `yaml:"initial_delay"`
	Multiplier   float64 `yaml:"multiplier"`
	MaxDelay     string  `yaml:"max_delay"`
	MaxAttempts  int     `yaml:"max_attempts"`
}

// Provider is a normalized provider with environment overrides applied.
type Provider struct {
	ID      string `json:"id" validate:"required,provider_id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	// RuntimeEnabled is Enabled with a client id available.
	RuntimeEnabled bool `json:"runtime_enabled"`

	Flow            string            `json:"flow" validate:"oneof=device code"`
	AuthURL         string            `json:"auth_url,omitempty" validate:"omitempty,url"`
	TokenURL        string            `json:"token_url" validate:"required,url"`
	DeviceAuthURL   string            `json:"device_auth_url,omitempty" validate:"omitempty,url"`
	RedirectURL     string            `json:"redirect_url,omitempty" validate:"omitempty,url"`
	Scopes          []string          `json:"scopes,omitempty"`
	AuthParams      map[string]string `json:"auth_params,omitempty"`
	DeviceGrantType string            `json:"device_grant_type,omitempty"`
	MaxPollAttempts int               `json:"max_poll_attempts,omitempty" validate:"gte=0"`
	BaseURL         string            `json:"base_url" validate:"required,url"`
	Timeout         time.Duration     `json:"timeout"`
	RefreshBuffer   time.Duration     `json:"refresh_buffer"`
	DefaultTokenTTL time.Duration     `json:"default_token_ttl"`
	Report          Report            `json:"report"`

	ClientID        string `json:"-"`
	ClientSecret    string `json:"-"`
	ClientIDEnv     string `json:"client_id_env"`
	ClientSecretEnv string `json:"client_secret_env"`
	BaseURLEnv      string `json:"base_url_env"`
}

// Report is the normalized report section.
type Report struct {
	Enabled      bool          `json:"enabled"`
	GeneratePath string        `json:"generate_path,omitempty"`
	DownloadPath string        `json:"download_path,omitempty"`
	ReportType   string        `json:"report_type,omitempty"`
	CreditColumn string        `json:"credit_column,omitempty"`
	DebitColumn  string        `json:"debit_column,omitempty"`
	Delimiter    rune          `json:"-"`
	InitialDelay time.Duration `json:"initial_delay,omitempty"`
	Multiplier   float64       `json:"multiplier,omitempty"`
	MaxDelay     time.Duration `json:"max_delay,omitempty"`
	MaxAttempts  int           `json:"max_attempts,omitempty"`
}

var (
	stateMu      sync.RWMutex
	initialized  bool
	configPath   string
	app          AppConfig
	providerByID map[string]Provider
	providerList []string

	validate = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("provider_id", func(fl validator.FieldLevel) bool {
		return providerIDRegexp.MatchString(fl.Field().String())
	})
	return v
}

// InitFromEnvAndConfig loads .env, the providers file and env overrides.
// Invalid providers are skipped and reported in the returned error; the
// valid ones are still installed.
func InitFromEnvAndConfig() error {
	return LoadFrom("")
}

// LoadFrom is InitFromEnvAndConfig with an explicit providers file. An empty
// path falls back to FINLINK_PROVIDERS_FILE and the default locations. It
// replaces whatever was loaded before.
func LoadFrom(path string) error {
	envErr := loadDotEnv()
	path, cfg, loadErr := loadFileConfig(path)
	providers, normErr := loadProviders(cfg.Providers)
	appCfg, appErr := normalizeApp(cfg.App)

	stateMu.Lock()
	defer stateMu.Unlock()

	configPath = path
	app = appCfg
	providerByID = make(map[string]Provider, len(providers))
	providerList = providerList[:0]
	for _, p := range providers {
		providerByID[p.ID] = p
		providerList = append(providerList, p.ID)
	}
	initialized = true
	return errors.Join(envErr, loadErr, normErr, appErr)
}

func ensureInitialized() {
	stateMu.RLock()
	ok := initialized
	stateMu.RUnlock()
	if ok {
		return
	}
	_ = InitFromEnvAndConfig()
}

// ResetForTest resets in-memory state so tests can force reload.
func ResetForTest() {
	stateMu.Lock()
	defer stateMu.Unlock()
	initialized = false
	configPath = ""
	app = AppConfig{}
	providerByID = nil
	providerList = nil
}

// ConfigPath returns the providers file in use, or "" for built-in defaults.
func ConfigPath() string {
	ensureInitialized()
	stateMu.RLock()
	defer stateMu.RUnlock()
	return configPath
}

// App returns the application settings.
func App() AppConfig {
	ensureInitialized()
	stateMu.RLock()
	defer stateMu.RUnlock()
	return app
}

// GetProviders returns all configured providers sorted by id.
func GetProviders() []Provider {
	ensureInitialized()

	stateMu.RLock()
	defer stateMu.RUnlock()

	result := make([]Provider, 0, len(providerList))
	for _, id := range providerList {
		if p, ok := providerByID[id]; ok {
			result = append(result, p.clone())
		}
	}
	return result
}

// GetProvider returns a provider by id.
func GetProvider(id string) (Provider, bool) {
	ensureInitialized()

	stateMu.RLock()
	defer stateMu.RUnlock()

	p, ok := providerByID[normalizeProviderID(id)]
	if !ok {
		return Provider{}, false
	}
	return p.clone(), true
}

func (p Provider) clone() Provider {
	p.Scopes = append([]string(nil), p.Scopes...)
	if len(p.AuthParams) > 0 {
		cp := make(map[string]string, len(p.AuthParams))
		for k, v := range p.AuthParams {
			cp[k] = v
		}
		p.AuthParams = cp
	}
	return p
}

func loadDotEnv() error {
	path := strings.TrimSpace(os.Getenv(envDotEnvFile))
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %q: %w", path, err)
	}
	return nil
}

func loadFileConfig(explicit string) (string, fileConfig, error) {
	path, err := resolveConfigPath(explicit)
	if err != nil {
		return "", fileConfig{}, err
	}
	if path == "" {
		return "", fileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return path, fileConfig{}, fmt.Errorf("failed to read providers file %q: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return path, fileConfig{}, fmt.Errorf("failed to parse providers file %q: %w", path, err)
	}
	return path, cfg, nil
}

func resolveConfigPath(explicit string) (string, error) {
	explicit = strings.TrimSpace(explicit)
	if explicit == "" {
		explicit = strings.TrimSpace(os.Getenv(envProvidersFile))
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"config/providers.yaml",
		"/etc/finlink/providers.yaml",
		"/opt/homebrew/etc/finlink/providers.yaml",
		"/usr/local/etc/finlink/providers.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates,
			filepath.Join(homeDir, ".config", "finlink", "providers.yaml"),
			filepath.Join(homeDir, ".finlink", "providers.yaml"),
		)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func loadProviders(cfgProviders []ProviderConfig) ([]Provider, error) {
	if len(cfgProviders) == 0 {
		cfgProviders = defaultProviders()
	}

	var errs []error
	seen := make(map[string]struct{}, len(cfgProviders))
	providers := make([]Provider, 0, len(cfgProviders))
	for _, cfg := range cfgProviders {
		p, err := normalizeConfig(cfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[p.ID]; dup {
			errs = append(errs, fmt.Errorf("provider %q: duplicate id", p.ID))
			continue
		}
		seen[p.ID] = struct{}{}
		providers = append(providers, p)
	}

	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].ID < providers[j].ID
	})
	return providers, errors.Join(errs...)
}

func normalizeConfig(cfg ProviderConfig) (Provider, error) {
	id := normalizeProviderID(cfg.ID)

	enabled := true
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}

	flow := strings.TrimSpace(strings.ToLower(cfg.Flow))
	if flow == "" {
		flow = FlowCode
		if strings.TrimSpace(cfg.DeviceAuthURL) != "" && strings.TrimSpace(cfg.AuthURL) == "" {
			flow = FlowDevice
		}
	}

	baseURLEnv := providerEnvName(id, "BASE_URL")
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if v := strings.TrimSpace(os.Getenv(baseURLEnv)); v != "" {
		baseURL = v
	}

	clientIDEnv := providerEnvName(id, "CLIENT_ID")
	clientSecretEnv := providerEnvName(id, "CLIENT_SECRET")
	clientID := strings.TrimSpace(os.Getenv(clientIDEnv))
	clientSecret := strings.TrimSpace(os.Getenv(clientSecretEnv))

	timeout := parseDuration(cfg.Timeout, defaultTimeout)
	timeout = parseDuration(os.Getenv(providerEnvName(id, "TIMEOUT")), timeout)

	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = id
	}

	p := Provider{
		ID:              id,
		Name:            name,
		Enabled:         enabled,
		RuntimeEnabled:  enabled && clientID != "",
		Flow:            flow,
		AuthURL:         strings.TrimSpace(cfg.AuthURL),
		TokenURL:        strings.TrimSpace(cfg.TokenURL),
		DeviceAuthURL:   strings.TrimSpace(cfg.DeviceAuthURL),
		RedirectURL:     strings.TrimSpace(cfg.RedirectURL),
		Scopes:          normalizeScopes(cfg.Scopes),
		AuthParams:      cfg.AuthParams,
		DeviceGrantType: strings.TrimSpace(cfg.DeviceGrantType),
		MaxPollAttempts: cfg.MaxPollAttempts,
		BaseURL:         strings.TrimRight(baseURL, "/"),
		Timeout:         timeout,
		RefreshBuffer:   parseDuration(cfg.RefreshBuffer, defaultRefreshBuffer),
		DefaultTokenTTL: parseDuration(cfg.DefaultTokenTTL, defaultTokenTTL),
		Report:          normalizeReport(cfg.Report),
		ClientID:        clientID,
		ClientSecret:    clientSecret,
		ClientIDEnv:     clientIDEnv,
		ClientSecretEnv: clientSecretEnv,
		BaseURLEnv:      baseURLEnv,
	}

	if err := validate.Struct(p); err != nil {
		return Provider{}, fmt.Errorf("provider %q: %w", cfg.ID, err)
	}
	switch {
	case p.Flow == FlowDevice && p.DeviceAuthURL == "":
		return Provider{}, fmt.Errorf("provider %q: device flow requires device_auth_url", id)
	case p.Flow == FlowCode && p.AuthURL == "":
		return Provider{}, fmt.Errorf("provider %q: code flow requires auth_url", id)
	case p.Report.Enabled && (p.Report.DownloadPath == "" || p.Report.CreditColumn == "" || p.Report.DebitColumn == ""):
		return Provider{}, fmt.Errorf("provider %q: report requires download_path, credit_column and debit_column", id)
	}
	return p, nil
}

func normalizeReport(cfg ReportConfig) Report {
	r := Report{
		GeneratePath: strings.TrimSpace(cfg.GeneratePath),
		DownloadPath: strings.TrimSpace(cfg.DownloadPath),
		ReportType:   strings.TrimSpace(cfg.ReportType),
		CreditColumn: strings.TrimSpace(cfg.CreditColumn),
		DebitColumn:  strings.TrimSpace(cfg.DebitColumn),
		Delimiter:    ',',
		InitialDelay: parseDuration(cfg.Poll.InitialDelay, 0),
		Multiplier:   cfg.Poll.Multiplier,
		MaxDelay:     parseDuration(cfg.Poll.MaxDelay, 0),
		MaxAttempts:  cfg.Poll.MaxAttempts,
	}
	r.Enabled = r.DownloadPath != ""
	if cfg.Enabled != nil {
		r.Enabled = *cfg.Enabled
	}
	switch d := cfg.Delimiter; {
	case d == `\t` || d == "tab":
		r.Delimiter = '\t'
	case len([]rune(d)) == 1:
		r.Delimiter = []rune(d)[0]
	}
	return r
}

func normalizeApp(cfg AppConfig) (AppConfig, error) {
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = defaultListen
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}
	cfg.PublicURL = strings.TrimRight(strings.TrimSpace(cfg.PublicURL), "/")
	cfg.StateStore.Driver = strings.ToLower(strings.TrimSpace(cfg.StateStore.Driver))
	if cfg.StateStore.Driver == "" {
		cfg.StateStore.Driver = StateStoreMemory
	}
	if v := strings.TrimSpace(os.Getenv("FINLINK_REDIS_PASSWORD")); v != "" {
		cfg.StateStore.Password = v
	}
	if err := validate.Struct(cfg.StateStore); err != nil {
		return cfg, fmt.Errorf("app.state_store: %w", err)
	}
	return cfg, nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}

func normalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(scopes))
	result := make([]string, 0, len(scopes))
	for _, s := range scopes {
		for _, part := range strings.Fields(s) {
			if _, exists := set[part]; exists {
				continue
			}
			set[part] = struct{}{}
			result = append(result, part)
		}
	}
	return result
}

func normalizeProviderID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func providerEnvName(id, suffix string) string {
	upper := strings.ToUpper(id)
	replacer := strings.NewReplacer("-", "_", ".", "_", "/", "_", " ", "_")
	upper = replacer.Replace(upper)
	return fmt.Sprintf("FINLINK_%s_%s", upper, suffix)
}

func defaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{
			ID:          "truelayer",
			Name:        "TrueLayer",
			Enabled:     boolPtr(true),
			Flow:        FlowCode,
			AuthURL:     "https://auth.truelayer.com",
			TokenURL:    "https://auth.truelayer.com/connect/token",
			RedirectURL: "https://console.truelayer.com/redirect-page",
			Scopes:      []string{"info", "accounts", "balance", "transactions", "offline_access"},
			BaseURL:     "https://api.truelayer.com",
			Report:      ReportConfig{Enabled: boolPtr(false)},
		},
	}
}

func boolPtr(v bool) *bool {
	return &v
}
