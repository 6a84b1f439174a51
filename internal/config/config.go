package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"digiqc/internal/domain"
)

// Config models digiqc.yml.
type Config struct {
	Remote    RemoteConfig    `yaml:"remote"`
	Queue     QueueConfig     `yaml:"queue"`
	Images    ImagesConfig    `yaml:"images"`
	Checklist ChecklistConfig `yaml:"checklist"`
	Auth      AuthConfig      `yaml:"auth"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

type RemoteConfig struct {
	BaseURL  string   `yaml:"base_url" validate:"omitempty,url"`
	TenantID string   `yaml:"tenant_id"`
	Timeout  Duration `yaml:"timeout"`
}

type QueueConfig struct {
	Backend       string      `yaml:"backend" validate:"oneof=sqlite file memory redis"`
	File          string      `yaml:"file"`
	Redis         RedisConfig `yaml:"redis"`
	AutoFlush     bool        `yaml:"auto_flush"`
	FlushInterval Duration    `yaml:"flush_interval"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required_if=Enabled true"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Key      string `yaml:"key"`
	Enabled  bool   `yaml:"-"`
}

type ImagesConfig struct {
	Sink string    `yaml:"sink" validate:"oneof=api gcs"`
	GCS  GCSConfig `yaml:"gcs"`
}

type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

type ChecklistConfig struct {
	Types           []string           `yaml:"types" validate:"dive,required"`
	Roles           []string           `yaml:"roles" validate:"dive,required"`
	NegativeAnswers []string           `yaml:"negative_answers"`
	FalseIsNegative bool               `yaml:"false_is_negative"`
	Questions       []QuestionTemplate `yaml:"questions" validate:"dive"`
}

type QuestionTemplate struct {
	ID            int      `yaml:"id" validate:"gt=0"`
	Text          string   `yaml:"text" validate:"required"`
	Kind          string   `yaml:"kind" validate:"oneof=free_text single_choice yes_no select_one"`
	Options       []string `yaml:"options"`
	RequiresProof bool     `yaml:"requires_proof"`
}

type AuthConfig struct {
	PhonePolicies map[string]PhonePolicy `yaml:"phone_policies"`
	DefaultRegion string                 `yaml:"default_region"`
	SessionKey    string                 `yaml:"session_key"`
	JWTSecret     string                 `yaml:"jwt_secret"`
	TokenTTL      Duration               `yaml:"token_ttl"`
	DevLogin      bool                   `yaml:"dev_login"`
}

// PhonePolicy is the national-number rule for one country calling code.
type PhonePolicy struct {
	Country string `yaml:"country"`
	Digits  int    `yaml:"digits" validate:"gt=0"`
	Pattern string `yaml:"pattern"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	BasePath string `yaml:"base_path" validate:"required,startswith=/"`
}

type LogConfig struct {
	Level      string `yaml:"level" validate:"oneof=trace debug info warn warning error"`
	Format     string `yaml:"format" validate:"oneof=json text"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
}

// Duration reads "15s" style strings from YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

var validate = validator.New()

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	c.Queue.Redis.Enabled = c.Queue.Backend == "redis"
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	if c.Remote.Timeout.Duration <= 0 {
		return fmt.Errorf("config.remote.timeout must be positive")
	}
	if c.Queue.AutoFlush && c.Queue.FlushInterval.Duration <= 0 {
		return fmt.Errorf("config.queue.flush_interval must be positive when auto_flush is on")
	}
	if c.Images.Sink == "gcs" && c.Images.GCS.Bucket == "" {
		return fmt.Errorf("config.images.gcs.bucket is required for the gcs sink")
	}
	seen := map[int]bool{}
	for _, q := range c.Checklist.Questions {
		if seen[q.ID] {
			return fmt.Errorf("checklist question id %d is duplicated", q.ID)
		}
		seen[q.ID] = true
		kind := domain.QuestionKind(q.Kind)
		if kind.HasOptions() && len(q.Options) == 0 {
			return fmt.Errorf("checklist question %d (%s) needs options", q.ID, q.Kind)
		}
		if !kind.HasOptions() && len(q.Options) > 0 {
			return fmt.Errorf("checklist question %d (%s) must not have options", q.ID, q.Kind)
		}
	}
	for code, p := range c.Auth.PhonePolicies {
		if !countryCodeRe.MatchString(code) {
			return fmt.Errorf("phone policy key %q is not a country code like +91", code)
		}
		if err := validate.Struct(p); err != nil {
			return fmt.Errorf("phone policy %s: %w", code, err)
		}
		if p.Pattern != "" {
			if _, err := regexp.Compile(p.Pattern); err != nil {
				return fmt.Errorf("phone policy %s pattern: %w", code, err)
			}
		}
	}
	return nil
}

var countryCodeRe = regexp.MustCompile(`^\+\d{1,3}$`)

// ChecklistTemplate instantiates the configured questions in order.
func (c *Config) ChecklistTemplate() []domain.Question {
	out := make([]domain.Question, 0, len(c.Checklist.Questions))
	for _, q := range c.Checklist.Questions {
		out = append(out, domain.Question{
			ID:            q.ID,
			Text:          q.Text,
			Kind:          domain.QuestionKind(q.Kind),
			Options:       append([]string(nil), q.Options...),
			RequiresProof: q.RequiresProof,
		})
	}
	return out
}

// PhoneCodes lists the configured country codes, sorted.
func (c *Config) PhoneCodes() []string {
	codes := make([]string, 0, len(c.Auth.PhonePolicies))
	for code := range c.Auth.PhonePolicies {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "digiqc.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dq config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to Default when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the effective config.
func (c *Config) YAML() (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return "", err
	}
	return buf.String(), enc.Close()
}

const defaultTemplate = `remote:
  base_url: ""
  tenant_id: ""
  timeout: 15s

queue:
  backend: sqlite
  file: ""
  redis:
    addr: ""
    db: 0
    key: digiqc:sync_queue
  auto_flush: false
  flush_interval: 30s

images:
  sink: api
  gcs:
    bucket: ""
    prefix: inspections/

checklist:
  types: [Structural, Finishing, Safety, Electrical, Plumbing]
  roles: [Developer, Site Manager, Engineer, Architect, Foreman]
  negative_answers: [Fail, "No", Rejected]
  false_is_negative: true
  questions:
    - id: 1
      text: Is the foundation work completed as per drawing?
      kind: single_choice
      options: ["Yes", "No", N/A]
      requires_proof: true
    - id: 2
      text: "Enter the measured width (meters):"
      kind: free_text
      requires_proof: false
    - id: 3
      text: Status of the concrete curing
      kind: select_one
      options: [Approved, Pending, Rejected]
      requires_proof: true
    - id: 4
      text: Are safety barriers in place?
      kind: yes_no
      requires_proof: false

auth:
  phone_policies:
    "+91":
      country: IN
      digits: 10
      pattern: '^[6-9]\d{9}$'
    "+1":
      country: US
      digits: 10
      pattern: '^\d{10}$'
    "+44":
      country: GB
      digits: 10
      pattern: '^\d{10}$'
  default_region: IN
  session_key: auth.session
  jwt_secret: ""
  token_ttl: 12h
  dev_login: false

server:
  addr: 127.0.0.1:8787
  base_path: /v0

log:
  level: info
  format: text
  file: ""
  max_size_mb: 20
  max_backups: 3
  max_age_days: 14
`
