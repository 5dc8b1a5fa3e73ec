package dispatch

import (
	"fmt"
	"strconv"
	"strings"

	"fabricmon/internal/config"
)

// BuildNotifiers constructs one adapter per enabled channel definition.
// Disabled channels are skipped silently; a bad definition fails startup.
func BuildNotifiers(channels []config.ChannelConfig) (map[string]Notifier, error) {
	notifiers := make(map[string]Notifier, len(channels))
	for _, ch := range channels {
		if !ch.Enabled {
			continue
		}
		n, err := newNotifier(ch)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", ch.Name, err)
		}
		notifiers[ch.Name] = n
	}
	return notifiers, nil
}

func newNotifier(ch config.ChannelConfig) (Notifier, error) {
	s := ch.Settings
	switch ch.Type {
	case "webhook":
		url := s["url"]
		if url == "" {
			return nil, fmt.Errorf("webhook channel requires url")
		}
		headers := make(map[string]string)
		for k, v := range s {
			if name, ok := strings.CutPrefix(k, "header_"); ok {
				headers[name] = v
			}
		}
		return NewWebhookNotifier(url, headers), nil

	case "slack":
		url := s["webhook_url"]
		if url == "" {
			return nil, fmt.Errorf("slack channel requires webhook_url")
		}
		return NewSlackNotifier(url, s["channel"]), nil

	case "telegram":
		if s["bot_token"] == "" || s["chat_id"] == "" {
			return nil, fmt.Errorf("telegram channel requires bot_token and chat_id")
		}
		return NewTelegramNotifier(s["bot_token"], s["chat_id"]), nil

	case "discord":
		if s["bot_token"] == "" || s["channel_id"] == "" {
			return nil, fmt.Errorf("discord channel requires bot_token and channel_id")
		}
		return NewDiscordNotifier(s["bot_token"], s["channel_id"])

	case "email":
		host := s["smtp_host"]
		if host == "" {
			return nil, fmt.Errorf("email channel requires smtp_host")
		}
		port := 25
		if s["smtp_port"] != "" {
			p, err := strconv.Atoi(s["smtp_port"])
			if err != nil {
				return nil, fmt.Errorf("invalid smtp_port %q", s["smtp_port"])
			}
			port = p
		}
		var to []string
		for _, addr := range strings.Split(s["to"], ",") {
			if trimmed := strings.TrimSpace(addr); trimmed != "" {
				to = append(to, trimmed)
			}
		}
		if len(to) == 0 {
			return nil, fmt.Errorf("email channel requires at least one recipient")
		}
		return NewEmailNotifier(host, port, s["username"], s["password"], s["from"], to), nil

	default:
		return nil, fmt.Errorf("unsupported channel type %q", ch.Type)
	}
}
