package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"fabricmon/internal/logger"

	"go.uber.org/zap"
)

// Client is a REST client for the fabric controller. It authenticates with a
// form login and carries the session cookie plus CSRF token on every request.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	token    string
	loggedIn bool
}

// ClientConfig carries controller connection settings.
type ClientConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	VerifySSL bool
	Timeout   time.Duration
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	jar, _ := cookiejar.New(nil)
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.VerifySSL},
	}
	return &Client{
		baseURL:  fmt.Sprintf("https://%s:%d", cfg.Host, cfg.Port),
		username: cfg.Username,
		password: cfg.Password,
		http: &http.Client{
			Jar:       jar,
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// Login authenticates against the controller and fetches the CSRF token.
func (c *Client) Login(ctx context.Context) error {
	form := url.Values{
		"j_username": {c.username},
		"j_password": {c.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/j_security_check", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: "login", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	// The controller answers a failed form login with an HTML login page.
	if resp.StatusCode != http.StatusOK || strings.Contains(strings.ToLower(string(body)), "<html") {
		return fmt.Errorf("telemetry: controller authentication failed (status %d)", resp.StatusCode)
	}

	tokReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/dataservice/client/token", nil)
	if err != nil {
		return err
	}
	tokResp, err := c.http.Do(tokReq)
	if err != nil {
		return &TransientError{Op: "token", Err: err}
	}
	defer tokResp.Body.Close()

	if tokResp.StatusCode == http.StatusOK {
		tok, _ := io.ReadAll(io.LimitReader(tokResp.Body, 4096))
		c.token = string(tok)
	}

	c.loggedIn = true
	logger.Info("connected to controller", zap.String("url", c.baseURL))
	return nil
}

// Logout invalidates the controller session. Best effort.
func (c *Client) Logout(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/logout", nil)
	if err != nil {
		return
	}
	if resp, err := c.http.Do(req); err == nil {
		resp.Body.Close()
	}
	c.loggedIn = false
}

// envelope is the controller's standard {"data": [...]} response wrapper.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

func (c *Client) get(ctx context.Context, endpoint string, out interface{}) error {
	if !c.loggedIn {
		return ErrNotAuthenticated
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/dataservice"+endpoint, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("X-XSRF-TOKEN", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &TransientError{Op: endpoint, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &MalformedError{Op: endpoint, Err: err}
	}
	if env.Data == nil {
		return &MalformedError{Op: endpoint, Err: fmt.Errorf("missing data field")}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &MalformedError{Op: endpoint, Err: err}
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload interface{}) error {
	if !c.loggedIn {
		return ErrNotAuthenticated
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/dataservice"+endpoint, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("X-XSRF-TOKEN", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &TransientError{Op: endpoint, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

// rawDevice matches the controller's hyphenated device record. Gauges arrive
// as numbers or numeric strings depending on the controller version, hence
// json.Number.
type rawDevice struct {
	DeviceID           string      `json:"deviceId"`
	SystemIP           string      `json:"system-ip"`
	Hostname           string      `json:"host-name"`
	SiteID             json.Number `json:"site-id"`
	Reachability       string      `json:"reachability"`
	CPULoad            json.Number `json:"cpu-load"`
	MemUsage           json.Number `json:"mem-usage"`
	DiskUsage          json.Number `json:"disk-usage"`
	ControlConnections json.Number `json:"controlConnections"`
	ExpectedControl    json.Number `json:"expectedControlConnections"`
	BFDSessionsUp      json.Number `json:"bfd-sessions-up"`
	BFDSessions        json.Number `json:"bfd-sessions"`
	Version            string      `json:"version"`
	Model              string      `json:"device-model"`
	UptimeDate         string      `json:"uptime-date"`
}

// GetDevices fetches and normalizes all device records.
func (c *Client) GetDevices(ctx context.Context) ([]Device, error) {
	var raw []rawDevice
	if err := c.get(ctx, "/device", &raw); err != nil {
		return nil, err
	}

	now := time.Now()
	devices := make([]Device, 0, len(raw))
	for _, r := range raw {
		id := r.DeviceID
		if id == "" {
			id = r.SystemIP
		}
		expected := asInt(r.ExpectedControl)
		if expected == 0 {
			expected = 2
		}
		devices = append(devices, Device{
			ID:                         id,
			Hostname:                   r.Hostname,
			SiteID:                     r.SiteID.String(),
			Reachability:               r.Reachability,
			CPUPercent:                 asFloat(r.CPULoad),
			MemoryPercent:              asFloat(r.MemUsage),
			DiskPercent:                asFloat(r.DiskUsage),
			ControlConnections:         asInt(r.ControlConnections),
			ControlConnectionsExpected: expected,
			TunnelsUp:                  asInt(r.BFDSessionsUp),
			TunnelsTotal:               asInt(r.BFDSessions),
			Version:                    r.Version,
			Model:                      r.Model,
			Uptime:                     r.UptimeDate,
			LastUpdated:                now,
		})
	}
	return devices, nil
}

type rawTunnel struct {
	LocalSystemIP  string      `json:"local-system-ip"`
	RemoteSystemIP string      `json:"remote-system-ip"`
	LocalColor     string      `json:"local-color"`
	State          string      `json:"state"`
	SiteID         json.Number `json:"site-id"`
	RemoteSiteID   json.Number `json:"remote-site-id"`
	Latency        json.Number `json:"average-latency"`
	Jitter         json.Number `json:"average-jitter"`
	Loss           json.Number `json:"loss"`
}

// GetTunnels fetches BFD session state for every tunnel in the fabric.
func (c *Client) GetTunnels(ctx context.Context) ([]Tunnel, error) {
	var raw []rawTunnel
	if err := c.get(ctx, "/device/bfd/sessions", &raw); err != nil {
		return nil, err
	}

	now := time.Now()
	tunnels := make([]Tunnel, 0, len(raw))
	for _, r := range raw {
		state := strings.ToLower(r.State)
		if state == "" {
			state = TunnelDown
		}
		tunnels = append(tunnels, Tunnel{
			SourceIP:    r.LocalSystemIP,
			DestIP:      r.RemoteSystemIP,
			Color:       r.LocalColor,
			State:       state,
			SourceSite:  r.SiteID.String(),
			DestSite:    r.RemoteSiteID.String(),
			LatencyMs:   asFloat(r.Latency),
			JitterMs:    asFloat(r.Jitter),
			LossPercent: asFloat(r.Loss),
			LastUpdated: now,
		})
	}
	return tunnels, nil
}

type rawAlarm struct {
	UUID         string      `json:"uuid"`
	Severity     string      `json:"severity"`
	Type         string      `json:"type"`
	RuleName     string      `json:"ruleName"`
	Component    string      `json:"component"`
	SystemIP     string      `json:"system-ip"`
	Hostname     string      `json:"host-name"`
	Message      string      `json:"message"`
	EntryTime    json.Number `json:"entry_time"`
	Acknowledged bool        `json:"acknowledged"`
}

// GetAlarms fetches currently active (uncleared) controller alarms.
func (c *Client) GetAlarms(ctx context.Context) ([]Alarm, error) {
	var raw []rawAlarm
	if err := c.get(ctx, "/alarms?cleared=false", &raw); err != nil {
		return nil, err
	}

	alarms := make([]Alarm, 0, len(raw))
	for _, r := range raw {
		// entry_time is epoch milliseconds
		ts := time.Unix(0, asInt64(r.EntryTime)*int64(time.Millisecond))
		alarms = append(alarms, Alarm{
			ID:           r.UUID,
			Severity:     r.Severity,
			Type:         r.Type,
			RuleName:     r.RuleName,
			Component:    r.Component,
			DeviceID:     r.SystemIP,
			Hostname:     r.Hostname,
			Message:      r.Message,
			Timestamp:    ts,
			Acknowledged: r.Acknowledged,
		})
	}
	return alarms, nil
}

// AcknowledgeAlarm acknowledges a controller alarm by id.
func (c *Client) AcknowledgeAlarm(ctx context.Context, alarmID string) error {
	return c.post(ctx, "/alarms/acknowledge", map[string]string{"alarmId": alarmID})
}

func asFloat(n json.Number) float64 {
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return f
}

func asInt(n json.Number) int {
	return int(asInt64(n))
}

func asInt64(n json.Number) int64 {
	i, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return 0
		}
		return int64(f)
	}
	return i
}
