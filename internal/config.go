package internal

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Host           string `env:"HOST,default=0.0.0.0"`
	Port           int    `env:"PORT,default=8080"`
	BadgerFilepath string `env:"BADGER_FILEPATH,default=./data/emberchat"`
	LogLevel       string `env:"LOG_LEVEL,default=INFO"`

	MessageTTL  time.Duration `env:"MESSAGE_TTL,default=15m"`
	RecentLimit int           `env:"RECENT_LIMIT,default=50"`

	MaxContentLength int `env:"MAX_CONTENT_LENGTH,default=500"`

	MinMessageGap time.Duration `env:"MIN_MESSAGE_GAP,default=5s"`
	WindowReset   time.Duration `env:"WINDOW_RESET,default=10s"`
	BurstLimit    int           `env:"BURST_LIMIT,default=5"`
	BlockDuration time.Duration `env:"BLOCK_DURATION,default=5m"`
	SlowModeGap   time.Duration `env:"SLOW_MODE_GAP,default=10s"`

	DefaultMuteDuration     time.Duration `env:"DEFAULT_MUTE_DURATION,default=10m"`
	DefaultSlowModeDuration time.Duration `env:"DEFAULT_SLOW_MODE_DURATION,default=5m"`

	PromoCadence int    `env:"PROMO_CADENCE,default=20"`
	ReaperCron   string `env:"REAPER_CRON,default=* * * * *"`

	ConnectionBufferSize int `env:"CONNECTION_BUFFER_SIZE,default=32"`

	CensoredWords   string `env:"CENSORED_WORDS"`
	CharReplacement string `env:"CHARACTER_REPLACEMENT,default=*"`

	JWTSecret string `env:"JWT_SECRET"`
}

// CensoredWordList splits the comma-separated CENSORED_WORDS value.
// An empty value disables the censor entirely.
func (c Config) CensoredWordList() []string {
	if strings.TrimSpace(c.CensoredWords) == "" {
		return nil
	}
	parts := strings.Split(c.CensoredWords, ",")
	words := make([]string, 0, len(parts))
	for _, p := range parts {
		if w := strings.TrimSpace(p); w != "" {
			words = append(words, w)
		}
	}
	return words
}

func CharacterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"CHARACTER_REPLACEMENT must be a single character, got %q",
			str,
		)
	}
	return r[0], nil
}
