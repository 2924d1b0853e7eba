package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs restricts who may talk to the bot. Empty means open.
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls trigger evaluation and user interaction.
type SchedulerConfig struct {
	// Timezone is the default IANA zone for cron schedules that don't name
	// their own (e.g. "Europe/Brussels"). Empty means UTC.
	Timezone string `json:"timezone,omitempty"`
	// AskTimeout bounds how long a task may wait for a user's reply.
	// Go duration string; empty means "10m".
	AskTimeout string `json:"ask_timeout,omitempty"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

func (c *Config) Allowed(userID int64) bool {
	if len(c.Telegram.OwnerUserIDs) == 0 {
		return true
	}
	for _, id := range c.Telegram.OwnerUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
