package config

const (
	defaultConfigPath     = "~/.config/loom/config.toml"
	defaultWorkDir        = "~/.local/share/loom"
	defaultAssetsDir      = "~/.local/share/loom/assets"
	defaultLogDir         = "~/.local/share/loom/logs"
	defaultMidjourneyURL  = "https://api.useapi.net/v2/jobs"
	defaultFaceSwapURL    = "https://api.useapi.net/v1/faceswap"
	defaultPikaURL        = "https://api.useapi.net/v1/pika"
	defaultWebhookBind    = "127.0.0.1:8686"
	defaultWebhookPath    = "/"
	defaultPromptSuffix   = "--v 6 --s 900"
	defaultSourceFace     = "source.jpg"
	defaultAnimatePrompt  = "smiling and blinking"
	defaultRequestTimeout = 120
	defaultLogFormat      = "console"
	defaultLogLevel       = "info"
	defaultRetentionDays  = 30
	defaultNotifyTimeout  = 10

	// StatusPath is served by the webhook listener and cannot double as the
	// notification path.
	StatusPath = "/api/status"

	// TokenEnv is consulted when useapi.token is left empty.
	TokenEnv = "USEAPI_TOKEN"
)

// DefaultVariants are the upscale buttons fanned out from every imagine job.
var DefaultVariants = []string{"U1", "U2", "U3", "U4"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkDir:   defaultWorkDir,
			AssetsDir: defaultAssetsDir,
			LogDir:    defaultLogDir,
		},
		UseAPI: UseAPI{
			MidjourneyURL:         defaultMidjourneyURL,
			FaceSwapURL:           defaultFaceSwapURL,
			PikaURL:               defaultPikaURL,
			RequestTimeoutSeconds: defaultRequestTimeout,
		},
		Webhook: Webhook{
			Bind: defaultWebhookBind,
			Path: defaultWebhookPath,
		},
		Pipeline: Pipeline{
			PromptSuffix:     defaultPromptSuffix,
			Variants:         append([]string(nil), DefaultVariants...),
			AdvanceSelectors: append([]string(nil), DefaultVariants...),
			FaceSwapEnabled:  true,
			SourceFace:       defaultSourceFace,
			AnimateEnabled:   true,
			AnimatePrompt:    defaultAnimatePrompt,
		},
		Backoff: Backoff{
			NetworkAttempts:     3,
			NetworkRetrySeconds: 2,
			RateLimitSeconds:    10,
			OverflowSeconds:     180,
		},
		Journal:       Journal{Enabled: true},
		Notifications: Notifications{RequestTimeoutSeconds: defaultNotifyTimeout},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultRetentionDays,
		},
	}
}
