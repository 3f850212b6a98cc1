package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Port                string
	HeartbeatInterval   time.Duration
	SessionIdleTimeout  time.Duration
	EvictionInterval    time.Duration
	EnforceGMRoles      bool
	MaxPlayers          int
	HistorySize         int
	PollPresenceTimeout time.Duration
	ExportEnabled       bool
	ExportDir           string
	SendBuffer          int
}

func FromEnv() Config {
	c := Config{}
	c.Port = getenv("PORT", "8080")
	c.HeartbeatInterval = getduration("HEARTBEAT_INTERVAL", 30*time.Second)
	c.SessionIdleTimeout = getduration("SESSION_IDLE_TIMEOUT", 24*time.Hour)
	c.EvictionInterval = getduration("EVICTION_INTERVAL", time.Hour)
	c.EnforceGMRoles = getbool("ENFORCE_GM_ROLES", true)
	c.MaxPlayers = getint("MAX_PLAYERS_PER_SESSION", 0)
	c.HistorySize = getint("HISTORY_SIZE", 200)
	c.PollPresenceTimeout = getduration("POLL_PRESENCE_TIMEOUT", 60*time.Second)
	c.ExportEnabled = getbool("EXPORT_ENABLED", false)
	c.ExportDir = getenv("EXPORT_DIR", "./exports")
	c.SendBuffer = getint("SEND_BUFFER", 256)
	return c
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getduration accepts Go durations ("90s") or plain seconds ("90").
func getduration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	log.Warn().Str("key", k).Str("value", v).Dur("default", def).Msg("invalid duration, using default")
	return def
}

func getint(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		log.Warn().Str("key", k).Str("value", v).Int("default", def).Msg("invalid number, using default")
		return def
	}
	return n
}

func getbool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", k).Str("value", v).Bool("default", def).Msg("invalid flag, using default")
		return def
	}
	return b
}
