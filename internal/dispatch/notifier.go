package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"time"
)

// Notifier is the delivery contract for one notification channel. Adapters
// own their transport details; the dispatcher never retries a failed send.
type Notifier interface {
	Send(title, message string) error
}

var httpClient = &http.Client{Timeout: 15 * time.Second}

func postJSON(url string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// WebhookNotifier POSTs the alert as JSON to an arbitrary endpoint.
type WebhookNotifier struct {
	URL     string
	Headers map[string]string
}

func NewWebhookNotifier(url string, headers map[string]string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Headers: headers}
}

func (w *WebhookNotifier) Send(title, message string) error {
	payload := map[string]string{
		"title":   title,
		"message": message,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SlackNotifier posts to a Slack incoming webhook.
type SlackNotifier struct {
	WebhookURL string
	Channel    string
}

func NewSlackNotifier(webhookURL, channel string) *SlackNotifier {
	return &SlackNotifier{WebhookURL: webhookURL, Channel: channel}
}

func (s *SlackNotifier) Send(title, message string) error {
	payload := map[string]string{
		"text": fmt.Sprintf("*%s*\n%s", title, message),
	}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	return postJSON(s.WebhookURL, payload)
}

// TelegramNotifier sends through the Telegram bot API.
type TelegramNotifier struct {
	BotToken string
	ChatID   string
}

func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{BotToken: botToken, ChatID: chatID}
}

func (t *TelegramNotifier) Send(title, message string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.BotToken)
	payload := map[string]string{
		"chat_id": t.ChatID,
		"text":    fmt.Sprintf("%s\n\n%s", title, message),
	}
	return postJSON(url, payload)
}

// EmailNotifier sends alerts over SMTP.
type EmailNotifier struct {
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
	To       []string
}

func NewEmailNotifier(host string, port int, username, password, from string, to []string) *EmailNotifier {
	return &EmailNotifier{
		SMTPHost: host,
		SMTPPort: port,
		Username: username,
		Password: password,
		From:     from,
		To:       to,
	}
}

func (e *EmailNotifier) Send(title, message string) error {
	addr := fmt.Sprintf("%s:%d", e.SMTPHost, e.SMTPPort)
	body := fmt.Sprintf("Subject: %s\r\n\r\n%s", title, message)

	var auth smtp.Auth
	if e.Username != "" {
		auth = smtp.PlainAuth("", e.Username, e.Password, e.SMTPHost)
	}
	return smtp.SendMail(addr, auth, e.From, e.To, []byte(body))
}
