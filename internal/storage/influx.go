package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/stats"
	"github.com/tos-network/tos-miner/internal/submit"
	"github.com/tos-network/tos-miner/internal/util"
)

// InfluxClient writes miner metrics as time series. Writes are batched and
// sent in the background; failures are logged.
type InfluxClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
}

// NewInfluxClient connects and checks server health
func NewInfluxClient(cfg *config.InfluxConfig) (*InfluxClient, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			util.Warnf("InfluxDB write failed: %v", err)
		}
	}()

	util.Infof("Connected to InfluxDB at %s", cfg.URL)
	return &InfluxClient{
		client:   client,
		writeAPI: writeAPI,
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Flush sends everything buffered so far
func (c *InfluxClient) Flush() {
	c.writeAPI.Flush()
}

// Close flushes pending points and releases the client
func (c *InfluxClient) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Name identifies the client as a stats recorder
func (c *InfluxClient) Name() string { return "influx" }

// Record queues a snapshot: one miner point and one point per process
func (c *InfluxClient) Record(ctx context.Context, s *stats.Snapshot) error {
	for _, p := range SnapshotPoints(s) {
		c.writeAPI.WritePoint(p)
	}
	return nil
}

// WriteShare queues one finished result
func (c *InfluxClient) WriteShare(cand submit.Candidate) {
	c.writeAPI.WritePoint(SharePoint(cand))
}

// SnapshotPoints renders a snapshot as points
func SnapshotPoints(s *stats.Snapshot) []*write.Point {
	tags := map[string]string{
		"pool":  s.Pool,
		"state": s.State,
	}
	fields := map[string]interface{}{
		"hashrate":           s.Hashrate,
		"effective_hashrate": s.EffectiveHashrate,
		"difficulty":         s.Difficulty,
		"accepted":           int64(s.Accepted),
		"rejected":           int64(s.Rejected),
		"stale":              int64(s.Stale),
		"pending":            s.Pending,
		"unacknowledged":     int64(s.Unacknowledged),
		"accepted_ratio":     s.AcceptedRatio,
		"reconnects":         int64(s.Reconnects),
		"restarts":           int64(s.Restarts),
	}
	points := []*write.Point{write.NewPoint("miner", tags, fields, s.Time)}

	for _, p := range s.Processes {
		points = append(points, write.NewPoint("engine",
			map[string]string{
				"process": strconv.Itoa(p.Index),
				"state":   string(p.State),
			},
			map[string]interface{}{
				"hashrate": p.Hashrate,
				"threads":  int64(p.Threads),
				"restarts": int64(p.Restarts),
				"results":  int64(p.Results),
			}, s.Time))
	}
	return points
}

// SharePoint renders a finished result
func SharePoint(c submit.Candidate) *write.Point {
	ts := c.AckedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint("shares",
		map[string]string{
			"worker": c.Worker,
			"status": string(c.Status),
		},
		map[string]interface{}{
			"difficulty": c.Difficulty,
			"count":      1,
		}, ts)
}
