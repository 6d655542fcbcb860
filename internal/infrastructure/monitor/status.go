package monitor

import "time"

type Status struct {
	PostgreSQL  bool      `json:"postgresql"`
	Redis       bool      `json:"redis"`
	Outbox      bool      `json:"outbox"`
	OutboxSize  int       `json:"outbox_size"`
	DeadLetters int       `json:"dead_letters"`
	LastCheck   time.Time `json:"last_check"`
}
