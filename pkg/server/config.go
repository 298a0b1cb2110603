package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/pixelcanvas/pkg/database"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server           ServerSection           `toml:"server"`
	Board            BoardSection            `toml:"board"`
	Cooldown         CooldownSection         `toml:"cooldown"`
	ActivityCooldown ActivityCooldownSection `toml:"activity_cooldown"`
	Stacking         StackingSection         `toml:"stacking"`
	Undo             UndoSection             `toml:"undo"`
	Captcha          CaptchaSection          `toml:"captcha"`
	BackgroundPixel  BackgroundPixelSection  `toml:"background_pixel"`
	Chat             ChatSection             `toml:"chat"`
	Users            []SeedUserEntry         `toml:"users"`
}

type ServerSection struct {
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	DatabasePath string `toml:"database_path"`
	Host         string `toml:"host"`
}

type BoardSection struct {
	Width        int      `toml:"width"`
	Height       int      `toml:"height"`
	Palette      []string `toml:"palette"`
	DefaultColor int      `toml:"default_color"`
	DefaultMap   string   `toml:"default_map"`
	Placemap     string   `toml:"placemap"`
}

type CooldownSection struct {
	Static  bool `toml:"static"`
	Seconds int  `toml:"seconds"`
}

type ActivityCooldownSection struct {
	Enabled    bool    `toml:"enabled"`
	Multiplier float64 `toml:"multiplier"`
}

type StackingSection struct {
	MaxStacked int `toml:"max_stacked"`
	Initial    int `toml:"initial"`
}

type UndoSection struct {
	WindowSeconds int `toml:"window_seconds"`
}

type CaptchaSection struct {
	Enabled   bool   `toml:"enabled"`
	Secret    string `toml:"secret"`
	MaxPixels int    `toml:"max_pixels"`
	AllTime   bool   `toml:"all_time"`
	Threshold int    `toml:"threshold"`
}

type BackgroundPixelSection struct {
	Enabled       bool    `toml:"enabled"`
	Multiplier    float64 `toml:"multiplier"`
	MaxAgeSeconds int     `toml:"max_age_seconds"`
}

type ChatSection struct {
	TrimInput              bool     `toml:"trim_input"`
	HistoryLimit           int      `toml:"history_limit"`
	RateLimitBurst         int      `toml:"rate_limit_burst"`
	RateLimitPeriodSeconds int      `toml:"rate_limit_period_seconds"`
	FilterEnabled          bool     `toml:"filter_enabled"`
	FilterPatterns         []string `toml:"filter_patterns"`
}

type SeedUserEntry struct {
	Name  string `toml:"name"`
	Login string `toml:"login"`
	Role  string `toml:"role"`
}

var defaultPalette = []string{
	"#FFFFFF", "#C2CBD4", "#858D98", "#4B4F58", "#22272D", "#000000",
	"#38271D", "#6C422C", "#BC7541", "#FFB27F", "#FFD68F", "#FEF7A0",
	"#FFC30E", "#FF8B1F", "#E3571B", "#B51F20",
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:     4567,
			MetricsPort:  9090,
			DatabasePath: "~/.pxls/pxls.db",
			Host:         "localhost",
		},
		Board: BoardSection{
			Width:        500,
			Height:       500,
			Palette:      defaultPalette,
			DefaultColor: 0,
		},
		Cooldown: CooldownSection{
			Static:  false,
			Seconds: 30,
		},
		ActivityCooldown: ActivityCooldownSection{
			Enabled:    true,
			Multiplier: 1,
		},
		Stacking: StackingSection{
			MaxStacked: 6,
			Initial:    0,
		},
		Undo: UndoSection{
			WindowSeconds: 5,
		},
		Captcha: CaptchaSection{
			Enabled:   false,
			MaxPixels: 0,
			AllTime:   true,
			Threshold: 5,
		},
		BackgroundPixel: BackgroundPixelSection{
			Enabled:       false,
			Multiplier:    1.6,
			MaxAgeSeconds: 0,
		},
		Chat: ChatSection{
			TrimInput:              true,
			HistoryLimit:           100,
			RateLimitBurst:         3,
			RateLimitPeriodSeconds: 10,
			FilterEnabled:          false,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable config dir is not fatal, defaults still apply
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if val := os.Getenv(name); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envString(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: PXLS_SECTION_KEY
// Example: PXLS_SERVER_HTTP_PORT=8080
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	envInt("PXLS_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("PXLS_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("PXLS_SERVER_DATABASE_PATH", &config.Server.DatabasePath)
	envString("PXLS_SERVER_HOST", &config.Server.Host)

	// Board section
	envInt("PXLS_BOARD_WIDTH", &config.Board.Width)
	envInt("PXLS_BOARD_HEIGHT", &config.Board.Height)
	envInt("PXLS_BOARD_DEFAULT_COLOR", &config.Board.DefaultColor)
	envString("PXLS_BOARD_DEFAULT_MAP", &config.Board.DefaultMap)
	envString("PXLS_BOARD_PLACEMAP", &config.Board.Placemap)
	if val := os.Getenv("PXLS_BOARD_PALETTE"); val != "" {
		colors := strings.Split(val, ",")
		for i, c := range colors {
			colors[i] = strings.TrimSpace(c)
		}
		config.Board.Palette = colors
	}

	// Cooldown sections
	envBool("PXLS_COOLDOWN_STATIC", &config.Cooldown.Static)
	envInt("PXLS_COOLDOWN_SECONDS", &config.Cooldown.Seconds)
	envBool("PXLS_ACTIVITY_COOLDOWN_ENABLED", &config.ActivityCooldown.Enabled)
	envFloat("PXLS_ACTIVITY_COOLDOWN_MULTIPLIER", &config.ActivityCooldown.Multiplier)

	envInt("PXLS_STACKING_MAX_STACKED", &config.Stacking.MaxStacked)
	envInt("PXLS_STACKING_INITIAL", &config.Stacking.Initial)
	envInt("PXLS_UNDO_WINDOW_SECONDS", &config.Undo.WindowSeconds)

	// Captcha section
	envBool("PXLS_CAPTCHA_ENABLED", &config.Captcha.Enabled)
	envString("PXLS_CAPTCHA_SECRET", &config.Captcha.Secret)
	envInt("PXLS_CAPTCHA_MAX_PIXELS", &config.Captcha.MaxPixels)
	envBool("PXLS_CAPTCHA_ALL_TIME", &config.Captcha.AllTime)
	envInt("PXLS_CAPTCHA_THRESHOLD", &config.Captcha.Threshold)

	envBool("PXLS_BACKGROUND_PIXEL_ENABLED", &config.BackgroundPixel.Enabled)
	envFloat("PXLS_BACKGROUND_PIXEL_MULTIPLIER", &config.BackgroundPixel.Multiplier)
	envInt("PXLS_BACKGROUND_PIXEL_MAX_AGE_SECONDS", &config.BackgroundPixel.MaxAgeSeconds)

	// Chat section
	envBool("PXLS_CHAT_TRIM_INPUT", &config.Chat.TrimInput)
	envInt("PXLS_CHAT_HISTORY_LIMIT", &config.Chat.HistoryLimit)
	envInt("PXLS_CHAT_RATE_LIMIT_BURST", &config.Chat.RateLimitBurst)
	envInt("PXLS_CHAT_RATE_LIMIT_PERIOD_SECONDS", &config.Chat.RateLimitPeriodSeconds)
	envBool("PXLS_CHAT_FILTER_ENABLED", &config.Chat.FilterEnabled)

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# Pixel canvas server configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# PXLS_SECTION_KEY (e.g., PXLS_SERVER_HTTP_PORT=8080)

[server]
# Port for the public websocket endpoint (/ws)
http_port = 4567

# Internal port for /metrics and /health (never expose publicly)
metrics_port = 9090

# Path to SQLite database file
database_path = "~/.pxls/pxls.db"

# Hostname the captcha provider must report for a token to be accepted
host = "localhost"

[board]
width = 500
height = 500
default_color = 0

# Raw byte files with one byte per cell (uncomment to use):
# default_map = "default_board.dat"
# placemap = "placemap.dat"

[cooldown]
# Use a fixed cooldown instead of the activity curve
static = false
seconds = 30

[activity_cooldown]
# Scale the cooldown curve by the number of connected users
enabled = true
multiplier = 1.0

[stacking]
max_stacked = 6
initial = 0

[undo]
window_seconds = 5

[captcha]
enabled = false
# secret = "your-recaptcha-secret"
# Stop asking for captchas once a user has placed this many pixels (0 = always ask)
max_pixels = 0
all_time = true
# A placement flags the user for a captcha with a 1 in threshold chance
threshold = 5

[background_pixel]
# Inflate the cooldown when overwriting pixels nobody has touched recently
enabled = false
multiplier = 1.6
max_age_seconds = 0

[chat]
trim_input = true
history_limit = 100
rate_limit_burst = 3
rate_limit_period_seconds = 10
filter_enabled = false
# filter_patterns = ["badword"]

# Seed accounts, created on startup when missing. Clients authenticate with
# ws://host:port/ws?token=<login>
# [[users]]
# name = "admin"
# login = "token:change-me"
# role = "admin"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ServerConfig holds the runtime server configuration
type ServerConfig struct {
	HTTPPort    int
	MetricsPort int
	Host        string

	BoardWidth     int
	BoardHeight    int
	PaletteSize    int
	DefaultColor   int
	DefaultMapPath string
	PlacemapPath   string

	StaticCooldown     bool
	Cooldown           time.Duration
	ActivityCooldown   bool
	ActivityMultiplier float64

	MaxStacked   int
	InitialStack int
	UndoWindow   time.Duration

	CaptchaEnabled   bool
	CaptchaSecret    string
	CaptchaMaxPixels int
	CaptchaAllTime   bool
	CaptchaThreshold int

	BackgroundPixelEnabled    bool
	BackgroundPixelMultiplier float64
	BackgroundPixelMaxAge     time.Duration

	ChatTrimInput       bool
	ChatHistoryLimit    int
	ChatRateLimitBurst  int
	ChatRateLimitPeriod time.Duration
	ChatFilterEnabled   bool
	ChatFilterPatterns  []string

	// Interval between online count broadcasts
	OnlineCountInterval time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	c := DefaultTOMLConfig()
	return c.ToServerConfig()
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := ServerConfig{
		HTTPPort:                  c.Server.HTTPPort,
		MetricsPort:               c.Server.MetricsPort,
		Host:                      c.Server.Host,
		BoardWidth:                c.Board.Width,
		BoardHeight:               c.Board.Height,
		PaletteSize:               len(c.Board.Palette),
		DefaultColor:              c.Board.DefaultColor,
		DefaultMapPath:            c.Board.DefaultMap,
		PlacemapPath:              c.Board.Placemap,
		StaticCooldown:            c.Cooldown.Static,
		Cooldown:                  time.Duration(c.Cooldown.Seconds) * time.Second,
		ActivityCooldown:          c.ActivityCooldown.Enabled,
		ActivityMultiplier:        c.ActivityCooldown.Multiplier,
		MaxStacked:                c.Stacking.MaxStacked,
		InitialStack:              c.Stacking.Initial,
		UndoWindow:                time.Duration(c.Undo.WindowSeconds) * time.Second,
		CaptchaEnabled:            c.Captcha.Enabled,
		CaptchaSecret:             c.Captcha.Secret,
		CaptchaMaxPixels:          c.Captcha.MaxPixels,
		CaptchaAllTime:            c.Captcha.AllTime,
		CaptchaThreshold:          c.Captcha.Threshold,
		BackgroundPixelEnabled:    c.BackgroundPixel.Enabled,
		BackgroundPixelMultiplier: c.BackgroundPixel.Multiplier,
		BackgroundPixelMaxAge:     time.Duration(c.BackgroundPixel.MaxAgeSeconds) * time.Second,
		ChatTrimInput:             c.Chat.TrimInput,
		ChatHistoryLimit:          c.Chat.HistoryLimit,
		ChatRateLimitBurst:        c.Chat.RateLimitBurst,
		ChatRateLimitPeriod:       time.Duration(c.Chat.RateLimitPeriodSeconds) * time.Second,
		ChatFilterEnabled:         c.Chat.FilterEnabled,
		ChatFilterPatterns:        c.Chat.FilterPatterns,
		OnlineCountInterval:       5 * time.Second,
	}

	if cfg.InitialStack > cfg.MaxStacked {
		cfg.InitialStack = cfg.MaxStacked
	}
	if cfg.ChatHistoryLimit <= 0 {
		cfg.ChatHistoryLimit = 100
	}
	if cfg.ActivityMultiplier == 0 {
		cfg.ActivityMultiplier = 1
	}

	return cfg
}

// SeedUsers converts the [[users]] entries into database seed accounts.
// Entries with an unknown role are rejected.
func (c *TOMLConfig) SeedUsers() ([]database.SeedUser, error) {
	users := make([]database.SeedUser, 0, len(c.Users))
	for _, u := range c.Users {
		role, ok := ParseRole(u.Role)
		if !ok {
			return nil, fmt.Errorf("user %s: unknown role %q", u.Name, u.Role)
		}
		if strings.TrimSpace(u.Name) == "" || strings.TrimSpace(u.Login) == "" {
			return nil, fmt.Errorf("user entry needs both name and login")
		}
		users = append(users, database.SeedUser{Name: u.Name, Login: u.Login, Role: int(role)})
	}
	return users, nil
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
