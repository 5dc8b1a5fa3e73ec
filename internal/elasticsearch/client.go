// Package elasticsearch mirrors alert events and poll cycles into daily
// indices for long-term search. Indexing is asynchronous and best-effort;
// the relational store stays the source of truth.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"fabricmon/internal/logger"
	"fabricmon/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"
)

// EventDoc is the indexed form of one alert event transition.
type EventDoc struct {
	EventID    string    `json:"event_id"`
	Rule       string    `json:"rule"`
	Entity     string    `json:"entity"`
	TargetID   string    `json:"target_id"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	Value      float64   `json:"value"`
	State      string    `json:"state"`
	Timestamp  time.Time `json:"@timestamp"`
	Transition string    `json:"transition"` // raised, cleared, acknowledged
}

// CycleDoc is the indexed form of one poll cycle.
type CycleDoc struct {
	Seq         uint64    `json:"seq"`
	DeviceCount int       `json:"device_count"`
	TunnelCount int       `json:"tunnel_count"`
	AlarmCount  int       `json:"alarm_count"`
	Skipped     bool      `json:"skipped"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"@timestamp"`
}

type indexJob struct {
	index string
	body  []byte
}

// Client wraps an Elasticsearch connection with a single async writer.
// A nil *Client is valid and drops everything, so callers never need an
// enabled check.
type Client struct {
	es          *elasticsearch.Client
	indexPrefix string

	queue chan indexJob
	wg    sync.WaitGroup
}

type Config struct {
	Addresses   []string
	Username    string
	Password    string
	IndexPrefix string
}

// NewClient connects and verifies the cluster responds.
func NewClient(cfg Config) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	res, err := es.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned error: %s", res.String())
	}

	c := &Client{
		es:          es,
		indexPrefix: cfg.IndexPrefix,
		queue:       make(chan indexJob, 512),
	}

	c.wg.Add(1)
	go c.writer()

	logger.Info("elasticsearch client initialized",
		zap.Strings("addresses", cfg.Addresses),
		zap.String("index_prefix", cfg.IndexPrefix))
	return c, nil
}

func (c *Client) writer() {
	defer c.wg.Done()
	for job := range c.queue {
		req := esapi.IndexRequest{
			Index: job.index,
			Body:  bytes.NewReader(job.body),
		}
		res, err := req.Do(context.Background(), c.es)
		if err != nil {
			logger.Warn("elasticsearch index request failed", zap.Error(err))
			continue
		}
		if res.IsError() {
			logger.Warn("elasticsearch indexing error",
				zap.String("index", job.index),
				zap.String("response", res.String()))
		}
		res.Body.Close()
	}
}

func (c *Client) enqueue(kind string, doc interface{}) {
	if c == nil || c.es == nil {
		return
	}
	body, err := json.Marshal(doc)
	if err != nil {
		logger.Warn("failed to marshal elasticsearch document", zap.Error(err))
		return
	}
	index := fmt.Sprintf("%s-%s-%s", c.indexPrefix, kind, time.Now().Format("2006.01.02"))
	select {
	case c.queue <- indexJob{index: index, body: body}:
	default:
		logger.Warn("elasticsearch queue full, dropping document",
			zap.String("index", index))
	}
}

// IndexEvent mirrors one alert event transition.
func (c *Client) IndexEvent(event models.AlertEvent, transition string) {
	c.enqueue("events", EventDoc{
		EventID:    event.EventID,
		Rule:       event.Rule,
		Entity:     event.Entity,
		TargetID:   event.TargetID,
		Severity:   event.Severity,
		Message:    event.Message,
		Value:      event.Value,
		State:      event.State,
		Timestamp:  time.Now().UTC(),
		Transition: transition,
	})
}

// IndexCycle mirrors one poll cycle record.
func (c *Client) IndexCycle(cycle models.PollCycle) {
	c.enqueue("cycles", CycleDoc{
		Seq:         cycle.Seq,
		DeviceCount: cycle.DeviceCount,
		TunnelCount: cycle.TunnelCount,
		AlarmCount:  cycle.AlarmCount,
		Skipped:     cycle.Skipped,
		Error:       cycle.Error,
		Timestamp:   time.Now().UTC(),
	})
}

// Close drains and stops the async writer.
func (c *Client) Close() {
	if c == nil || c.es == nil {
		return
	}
	close(c.queue)
	c.wg.Wait()
}
