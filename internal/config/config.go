package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath        string        `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath    string        `envconfig:"DATABASE_PATH" default:"/app/data/wagate.db"`
	LogPath         string        `envconfig:"LOG_PATH" default:"/app/data/wagate.log"`
	ListenAddr      string        `envconfig:"LISTEN_ADDR" default:":8000"`
	AuthDisabled    bool          `envconfig:"AUTH_DISABLED" default:"false"`
	SessionDuration time.Duration `envconfig:"SESSION_DURATION" default:"1h"`

	// Browser backends
	OrchestratorBackend string `envconfig:"ORCHESTRATOR_BACKEND" default:"auto"`
	DockerHost          string `envconfig:"DOCKER_HOST" default:""`
	K8sNamespace        string `envconfig:"K8S_NAMESPACE" default:"wagate"`
	BrowserImage        string `envconfig:"BROWSER_IMAGE" default:"ghcr.io/gluk-w/wagate-browser:latest"`
	BrowserPort         int    `envconfig:"BROWSER_PORT" default:"3000"`
	BrowserShmSize      string `envconfig:"BROWSER_SHM_SIZE" default:"1g"`
	BrowserProfileSize  string `envconfig:"BROWSER_PROFILE_SIZE" default:"1Gi"`

	// Session lifecycle
	StartRetryDelay       time.Duration `envconfig:"START_RETRY_DELAY" default:"10s"`
	StartMaxAttempts      int           `envconfig:"START_MAX_ATTEMPTS" default:"0"`
	WaitStatusAttempts    int           `envconfig:"WAIT_STATUS_ATTEMPTS" default:"20"`
	WaitStatusInterval    time.Duration `envconfig:"WAIT_STATUS_INTERVAL" default:"1s"`
	AutoRestartWindow     time.Duration `envconfig:"AUTO_RESTART_WINDOW" default:"1m"`
	AutomationDialTimeout time.Duration `envconfig:"AUTOMATION_DIAL_TIMEOUT" default:"2m"`
	AutomationCallTimeout time.Duration `envconfig:"AUTOMATION_CALL_TIMEOUT" default:"30s"`

	// Billing
	PaymentSubscriptionsURL string `envconfig:"PAYMENT_SUBSCRIPTIONS_URL" default:""`
	PaymentClientID         string `envconfig:"PAYMENT_CLIENT_ID" default:""`
	PaymentSecret           string `envconfig:"PAYMENT_SECRET" default:""`
	PaymentPlanPath         string `envconfig:"PAYMENT_PLAN_PATH" default:"/app/config/plan.yaml"`
	ServiceSweepSchedule    string `envconfig:"SERVICE_SWEEP_SCHEDULE" default:"@every 1h"`

	// Outbound notifications
	SMTPHost     string `envconfig:"SMTP_HOST" default:""`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername string `envconfig:"SMTP_USERNAME" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	MailFrom     string `envconfig:"MAIL_FROM" default:"no-reply@wagate.local"`

	WebhookTimeout time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"15s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("WAGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
