/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5004"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"TALLY_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"TALLY_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"TALLY_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"TALLY_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"TALLY_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"TALLY_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"TALLY_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"TALLY_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"TALLY_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	ReanalysisQueue  string `json:"reanalysis_queue" envconfig:"TALLY_QUEUE_REANALYSIS"`
	DetectionQueue   string `json:"detection_queue" envconfig:"TALLY_QUEUE_DETECTION"`
	WebhookQueue     string `json:"webhook_queue" envconfig:"TALLY_QUEUE_WEBHOOK"`
	MonitoringPort   string `json:"monitoring_port" envconfig:"TALLY_QUEUE_MONITORING_PORT"`
	MaxRetryAttempts int    `json:"max_retry_attempts" envconfig:"TALLY_QUEUE_MAX_RETRY_ATTEMPTS"`
}

// MatchingConfig holds the tolerances used by transfer detection, pending
// transfer matching and statement reconciliation.
type MatchingConfig struct {
	LookbackDays             int     `json:"lookback_days" envconfig:"TALLY_MATCHING_LOOKBACK_DAYS"`
	DateToleranceDays        int     `json:"date_tolerance_days" envconfig:"TALLY_MATCHING_DATE_TOLERANCE_DAYS"`
	AutoLinkThreshold        int     `json:"auto_link_threshold" envconfig:"TALLY_MATCHING_AUTO_LINK_THRESHOLD"`
	SameCurrencyTolerance    float64 `json:"same_currency_tolerance" envconfig:"TALLY_MATCHING_SAME_CURRENCY_TOLERANCE"`
	CrossCurrencyTolerance   float64 `json:"cross_currency_tolerance" envconfig:"TALLY_MATCHING_CROSS_CURRENCY_TOLERANCE"`
	MaxRateAgeDays           int     `json:"max_rate_age_days" envconfig:"TALLY_MATCHING_MAX_RATE_AGE_DAYS"`
	PendingAmountTolerance   float64 `json:"pending_amount_tolerance" envconfig:"TALLY_MATCHING_PENDING_AMOUNT_TOLERANCE"`
	PendingDateToleranceDays int     `json:"pending_date_tolerance_days" envconfig:"TALLY_MATCHING_PENDING_DATE_TOLERANCE_DAYS"`
	BalanceEpsilon           float64 `json:"balance_epsilon" envconfig:"TALLY_MATCHING_BALANCE_EPSILON"`
	TransferCategoryID       string  `json:"transfer_category_id" envconfig:"TALLY_MATCHING_TRANSFER_CATEGORY_ID"`
	DetectOnImport           bool    `json:"detect_on_import" envconfig:"TALLY_MATCHING_DETECT_ON_IMPORT"`
	LockTimeoutSec           int     `json:"lock_timeout_sec" envconfig:"TALLY_MATCHING_LOCK_TIMEOUT_SEC"`
	LockWaitTimeoutSec       int     `json:"lock_wait_timeout_sec" envconfig:"TALLY_MATCHING_LOCK_WAIT_TIMEOUT_SEC"`
}

type ReanalysisConfig struct {
	ProgressSaveEvery      int     `json:"progress_save_every" envconfig:"TALLY_REANALYSIS_PROGRESS_SAVE_EVERY"`
	StallTimeoutSec        int     `json:"stall_timeout_sec" envconfig:"TALLY_REANALYSIS_STALL_TIMEOUT_SEC"`
	SweepIntervalSec       int     `json:"sweep_interval_sec" envconfig:"TALLY_REANALYSIS_SWEEP_INTERVAL_SEC"`
	AIMinConfidence        float64 `json:"ai_min_confidence" envconfig:"TALLY_REANALYSIS_AI_MIN_CONFIDENCE"`
	AIAutoAcceptConfidence float64 `json:"ai_auto_accept_confidence" envconfig:"TALLY_REANALYSIS_AI_AUTO_ACCEPT_CONFIDENCE"`
	KBCacheTTLSec          int     `json:"kb_cache_ttl_sec" envconfig:"TALLY_REANALYSIS_KB_CACHE_TTL_SEC"`
}

// ServiceConfig points at an external HTTP collaborator.
type ServiceConfig struct {
	Url        string `json:"url"`
	ApiKey     string `json:"api_key"`
	TimeoutSec int    `json:"timeout_sec"`
	MaxRetries int    `json:"max_retries"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"TALLY_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"TALLY_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"TALLY_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"TALLY_SLACK_WEBHOOK_URL"`
}

type WebhookConfig struct {
	Url     string            `json:"url" envconfig:"TALLY_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack   SlackWebhook  `json:"slack"`
	Webhook WebhookConfig `json:"webhook"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"TALLY_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"TALLY_ENABLE_TELEMETRY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Queue           QueueConfig      `json:"queue"`
	Matching        MatchingConfig   `json:"matching"`
	Reanalysis      ReanalysisConfig `json:"reanalysis"`
	Categorizer     ServiceConfig    `json:"categorizer"`
	Extraction      ServiceConfig    `json:"extraction"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("tally", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called tally.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Tally Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	// The in-memory datasource runs batches in process and needs no broker.
	if cnf.Redis.Dns == "" && !strings.HasPrefix(cnf.DataSource.Dns, "memory://") {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.Queue.setDefaults()
	cnf.Matching.setDefaults()
	cnf.Reanalysis.setDefaults()

	if err := cnf.Matching.validate(); err != nil {
		return err
	}
	if err := cnf.Reanalysis.validate(); err != nil {
		return err
	}

	if cnf.Categorizer.TimeoutSec == 0 {
		cnf.Categorizer.TimeoutSec = 30
	}
	if cnf.Extraction.TimeoutSec == 0 {
		cnf.Extraction.TimeoutSec = 120
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (q *QueueConfig) setDefaults() {
	if q.ReanalysisQueue == "" {
		q.ReanalysisQueue = "reanalysis"
	}
	if q.DetectionQueue == "" {
		q.DetectionQueue = "transfer_detection"
	}
	if q.WebhookQueue == "" {
		q.WebhookQueue = "webhook"
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = "5005"
	}
	if q.MaxRetryAttempts == 0 {
		q.MaxRetryAttempts = 3
	}
}

func (m *MatchingConfig) setDefaults() {
	if m.LookbackDays == 0 {
		m.LookbackDays = 60
	}
	if m.DateToleranceDays == 0 {
		m.DateToleranceDays = 3
	}
	if m.AutoLinkThreshold == 0 {
		m.AutoLinkThreshold = 95
	}
	if m.SameCurrencyTolerance == 0 {
		m.SameCurrencyTolerance = 0.01
	}
	if m.CrossCurrencyTolerance == 0 {
		m.CrossCurrencyTolerance = 0.02
	}
	if m.MaxRateAgeDays == 0 {
		m.MaxRateAgeDays = 7
	}
	if m.PendingAmountTolerance == 0 {
		m.PendingAmountTolerance = 0.50
	}
	if m.PendingDateToleranceDays == 0 {
		m.PendingDateToleranceDays = 5
	}
	if m.BalanceEpsilon == 0 {
		m.BalanceEpsilon = 0.01
	}
	if m.TransferCategoryID == "" {
		m.TransferCategoryID = "transfer"
	}
	if m.LockTimeoutSec == 0 {
		m.LockTimeoutSec = 30
	}
	if m.LockWaitTimeoutSec == 0 {
		m.LockWaitTimeoutSec = 5
	}
}

func (m *MatchingConfig) validate() error {
	if m.AutoLinkThreshold < 0 || m.AutoLinkThreshold > 100 {
		return errors.New("matching auto link threshold must be between 0 and 100")
	}
	if m.DateToleranceDays < 0 || m.PendingDateToleranceDays < 0 {
		return errors.New("matching date tolerances cannot be negative")
	}
	if m.CrossCurrencyTolerance < 0 || m.CrossCurrencyTolerance >= 1 {
		return errors.New("matching cross currency tolerance must be a fraction below 1")
	}
	return nil
}

func (r *ReanalysisConfig) setDefaults() {
	if r.ProgressSaveEvery == 0 {
		r.ProgressSaveEvery = 25
	}
	if r.StallTimeoutSec == 0 {
		r.StallTimeoutSec = 900
	}
	if r.SweepIntervalSec == 0 {
		r.SweepIntervalSec = 60
	}
	if r.AIMinConfidence == 0 {
		r.AIMinConfidence = 0.6
	}
	if r.AIAutoAcceptConfidence == 0 {
		r.AIAutoAcceptConfidence = 0.9
	}
	if r.KBCacheTTLSec == 0 {
		r.KBCacheTTLSec = 300
	}
}

func (r *ReanalysisConfig) validate() error {
	if r.AIMinConfidence > r.AIAutoAcceptConfidence {
		return errors.New("reanalysis ai min confidence cannot exceed auto accept confidence")
	}
	return nil
}

// StallTimeout is the inactivity window after which a running batch is failed.
func (r ReanalysisConfig) StallTimeout() time.Duration {
	return time.Duration(r.StallTimeoutSec) * time.Second
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

// DefaultsForTest returns a configuration with every default applied.
func DefaultsForTest() *Configuration {
	cnf := &Configuration{
		DataSource: DataSourceConfig{Dns: "memory://"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}
	_ = cnf.validateAndAddDefaults()
	return cnf
}

func logger() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(logger.Writer())
}
