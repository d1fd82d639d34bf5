package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/langchou/cargazer/internal/api/carnet"
)

type Config struct {
	// Server
	ServerPort string
	Debug      bool

	// 账号
	Brand    string
	Country  string
	User     string
	Password string
	SPin     string

	// 车辆；为空时启动后从账号自动发现
	VINs []string

	// 接口地址，留空用品牌预置值
	APIBase      string
	SecurityURL  string
	AuthorizeURL string
	IssuerURL    string
	TokenURL     string
	RefreshURL   string

	// Polling
	PollIntervalStatus   time.Duration
	PollIntervalPending  time.Duration
	TokenRefreshInterval time.Duration

	// 车内摄像头（可选）
	CameraBaseURL  string
	CameraUser     string
	CameraPassword string
}

// brandProfile 各品牌门户的预置连接参数
type brandProfile struct {
	ClientID     string
	Scope        string
	ResponseType string
	RedirectURI  string
	XAppName     string
	XAppVersion  string
	Exchange     string
}

var brandProfiles = map[string]brandProfile{
	"VW": {
		ClientID:     "9496332b-ea03-4091-a224-8c746b885068@apps_vw-dilab_com",
		Scope:        "openid profile mbb email cars birthdate badge address vin",
		ResponseType: "token id_token",
		RedirectURI:  "carnet://identity-kit/login",
		XAppName:     "eRemote",
		XAppVersion:  "5.1.2",
		Exchange:     carnet.ExchangeIDToken,
	},
	"Audi": {
		ClientID:     "09b6cbec-cd19-4589-82fd-363dfa8c24da@apps_vw-dilab_com",
		Scope:        "openid profile mbb vin badge birthdate nickname email address phone name picture",
		ResponseType: "token id_token",
		RedirectURI:  "myaudi:///",
		XAppName:     "myAudi",
		XAppVersion:  "3.22.0",
		Exchange:     carnet.ExchangeIDToken,
	},
	"Skoda": {
		ClientID:     "7f045eee-7003-4379-9968-9355ed2adb06@apps_vw-dilab_com",
		Scope:        "openid profile phone address cars email birthdate badge dealers driversLicense mbb",
		ResponseType: "code id_token",
		RedirectURI:  "skodaconnect://oidc.login/",
		XAppName:     "cz.skodaauto.connect",
		XAppVersion:  "3.2.6",
		Exchange:     carnet.ExchangeIDToken,
	},
	"Seat": {
		ClientID:     "50f215ac-4444-4230-9fb1-fe15cd1a9bcc@apps_vw-dilab_com",
		Scope:        "openid profile mbb cars birthdate nickname address phone",
		ResponseType: "code id_token",
		RedirectURI:  "seatconnect://identity-kit/login",
		XAppName:     "SEATConnect",
		XAppVersion:  "1.1.29",
		Exchange:     carnet.ExchangeIDToken,
	},
}

func Load() (*Config, error) {
	// 尝试加载 .env 文件（可选）
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnv("PORT", "4000"),
		Debug:      getEnvBool("DEBUG", false),

		Brand:    getEnv("CARNET_BRAND", "VW"),
		Country:  getEnv("CARNET_COUNTRY", "DE"),
		User:     getEnv("CARNET_USER", ""),
		Password: getEnv("CARNET_PASSWORD", ""),
		SPin:     getEnv("CARNET_SPIN", ""),

		VINs: getEnvList("CARNET_VINS"),

		APIBase:      getEnv("CARNET_API_BASE", "https://msg.volkswagen.de/fs-car"),
		SecurityURL:  getEnv("CARNET_SECURITY_URL", "https://mal-1a.prd.ece.vwg-connect.com/api"),
		AuthorizeURL: getEnv("CARNET_AUTHORIZE_URL", "https://identity.vwgroup.io/oidc/v1/authorize"),
		IssuerURL:    getEnv("CARNET_ISSUER_URL", "https://identity.vwgroup.io"),
		TokenURL:     getEnv("CARNET_TOKEN_URL", "https://mbboauth-1d.prd.ece.vwg-connect.com/mbbcoauth/mobile/oauth2/v1/token"),
		RefreshURL:   getEnv("CARNET_REFRESH_URL", ""),

		PollIntervalStatus:   getEnvDuration("POLL_INTERVAL_STATUS", 5*time.Minute),
		PollIntervalPending:  getEnvDuration("POLL_INTERVAL_PENDING", 20*time.Second),
		TokenRefreshInterval: getEnvDuration("TOKEN_REFRESH_INTERVAL", 10*time.Minute),

		CameraBaseURL:  getEnv("CAMERA_BASE_URL", ""),
		CameraUser:     getEnv("CAMERA_USER", ""),
		CameraPassword: getEnv("CAMERA_PASSWORD", ""),
	}

	if _, ok := brandProfiles[cfg.Brand]; !ok {
		return nil, fmt.Errorf("unsupported brand %q", cfg.Brand)
	}
	if cfg.User == "" || cfg.Password == "" {
		return nil, fmt.Errorf("CARNET_USER and CARNET_PASSWORD are required")
	}
	return cfg, nil
}

// CarNet 组装指定车辆的接口配置，品牌预置值可被环境变量覆盖
func (c *Config) CarNet(vin, tokenSetID string) carnet.Config {
	profile := brandProfiles[c.Brand]
	return carnet.Config{
		Brand:        c.Brand,
		Country:      c.Country,
		User:         c.User,
		Password:     c.Password,
		SPin:         c.SPin,
		ClientID:     getEnv("CARNET_CLIENT_ID", profile.ClientID),
		Scope:        getEnv("CARNET_SCOPE", profile.Scope),
		ResponseType: getEnv("CARNET_RESPONSE_TYPE", profile.ResponseType),
		RedirectURI:  getEnv("CARNET_REDIRECT_URI", profile.RedirectURI),
		AuthorizeURL: c.AuthorizeURL,
		IssuerURL:    c.IssuerURL,
		TokenURL:     c.TokenURL,
		RefreshURL:   c.RefreshURL,
		Exchange:     profile.Exchange,
		APIBase:      c.APIBase,
		SecurityURL:  c.SecurityURL,
		XAppName:     getEnv("CARNET_XAPP_NAME", profile.XAppName),
		XAppVersion:  getEnv("CARNET_XAPP_VERSION", profile.XAppVersion),
		VIN:          vin,
		TokenSetID:   tokenSetID,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
