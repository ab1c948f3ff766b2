package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
)

// nsqdStats is the part of nsqd's /stats?format=json response used here
type nsqdStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			DeferredCount int64  `json:"deferred_count"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// BacklogMonitor polls nsqd for the depth of the worker channel
type BacklogMonitor struct {
	statsURL string
	topic    string
	channel  string
	client   *http.Client
	log      *logging.Logger
}

// NsqdHTTPAddr derives nsqd's HTTP address from its TCP address, assuming the default
// port pairing (4150 → 4151)
func NsqdHTTPAddr(tcpAddr string) string {
	host, port, err := net.SplitHostPort(tcpAddr)
	if err != nil || port != "4150" {
		return tcpAddr
	}
	return net.JoinHostPort(host, "4151")
}

func NewBacklogMonitor(nsqdHTTPAddr, topic, channel string) *BacklogMonitor {
	return &BacklogMonitor{
		statsURL: fmt.Sprintf("http://%s/stats?format=json&topic=%s", nsqdHTTPAddr, topic),
		topic:    topic,
		channel:  channel,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      logging.New("backlog-monitor"),
	}
}

// Poll returns the number of tasks waiting on the channel, deferred retries included
func (m *BacklogMonitor) Poll(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get nsqd stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("nsqd stats returned status %d", resp.StatusCode)
	}

	var stats nsqdStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, fmt.Errorf("decode nsqd stats: %w", err)
	}
	for _, t := range stats.Topics {
		if t.TopicName != m.topic {
			continue
		}
		for _, c := range t.Channels {
			if c.ChannelName == m.channel {
				return c.Depth + c.DeferredCount, nil
			}
		}
	}
	return 0, nil
}

// Run updates the backlog gauge every interval until ctx is done
func (m *BacklogMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Poll(ctx)
			if err != nil {
				m.log.Plain().WithError(err).Warn("failed to read nsqd stats")
				continue
			}
			metrics.UpdateWorkerBacklog(int(n))
		}
	}
}
