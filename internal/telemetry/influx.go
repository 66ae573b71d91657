// v0
// internal/telemetry/influx.go
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
)

// GridMeasurement is the series the grid monitor writes meter readings to.
const GridMeasurement = "ElectricalEnergy"

// GatewayTag identifies a metering gateway in the grid monitor.
const GatewayTag = "gateWayId"

// InfluxConfig addresses one InfluxDB v2 bucket.
type InfluxConfig struct {
	URL       string
	Token     string
	Org       string
	Bucket    string
	Reconnect time.Duration
}

// InfluxStore is a lazily connected InfluxDB client. A failed connection
// attempt is not retried until the reconnect cooldown has passed.
type InfluxStore struct {
	cfg InfluxConfig
	log *slog.Logger
	now func() time.Time

	mu          sync.Mutex
	client      influxdb2.Client
	lastAttempt time.Time
}

// NewInfluxStore returns an unconnected store.
func NewInfluxStore(cfg InfluxConfig, logger *slog.Logger) *InfluxStore {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Reconnect <= 0 {
		cfg.Reconnect = 30 * time.Second
	}
	return &InfluxStore{
		cfg: cfg,
		log: logger.With(slog.String("component", "influx"), slog.String("bucket", cfg.Bucket)),
		now: time.Now,
	}
}

func (s *InfluxStore) connect(ctx context.Context) (influxdb2.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	now := s.now()
	if !s.lastAttempt.IsZero() && now.Sub(s.lastAttempt) < s.cfg.Reconnect {
		return nil, ErrUnavailable
	}
	s.lastAttempt = now

	c := influxdb2.NewClient(s.cfg.URL, s.cfg.Token)
	ok, err := c.Ping(ctx)
	if err != nil || !ok {
		c.Close()
		if err == nil {
			err = fmt.Errorf("ping %s failed", s.cfg.URL)
		}
		s.log.Warn("influx_connect_failed", slog.String("url", s.cfg.URL), slog.Any("err", err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.client = c
	s.log.Info("influx_connected", slog.String("url", s.cfg.URL))
	return c, nil
}

// Write implements Sink.
func (s *InfluxStore) Write(ctx context.Context, p Point) error {
	c, err := s.connect(ctx)
	if err != nil {
		return err
	}
	pt := influxdb2.NewPoint(p.Measurement, p.Tags, p.Fields, p.Time)
	if err := c.WriteAPIBlocking(s.cfg.Org, s.cfg.Bucket).WritePoint(ctx, pt); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// Window implements WindowSource. Readings are averaged into one-minute
// buckets server side and pivoted into rows.
func (s *InfluxStore) Window(ctx context.Context, gateway string, span time.Duration) (Frame, error) {
	c, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	result, err := c.QueryAPI(s.cfg.Org).Query(ctx, windowQuery(s.cfg.Bucket, gateway, span))
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	defer result.Close()

	var frame Frame
	for result.Next() {
		rec := result.Record()
		frame = append(frame, rowFromValues(rec.Time(), rec.Values()))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	sort.SliceStable(frame, func(i, j int) bool { return frame[i].Time.Before(frame[j].Time) })
	return frame, nil
}

// Gateways implements WindowSource.
func (s *InfluxStore) Gateways(ctx context.Context) ([]string, error) {
	c, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("import \"influxdata/influxdb/schema\"\nschema.tagValues(bucket: %s, tag: %s)",
		strconv.Quote(s.cfg.Bucket), strconv.Quote(GatewayTag))
	result, err := c.QueryAPI(s.cfg.Org).Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("influx tag query: %w", err)
	}
	defer result.Close()
	var out []string
	for result.Next() {
		if v, ok := result.Record().Value().(string); ok && v != "" {
			out = append(out, v)
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("influx tag query: %w", err)
	}
	return out, nil
}

// Close releases the client if connected.
func (s *InfluxStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

func windowQuery(bucket, gateway string, span time.Duration) string {
	minutes := int(span / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	fields := make([]string, len(Columns))
	for i, c := range Columns {
		fields[i] = strconv.Quote(c)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %s)\n", strconv.Quote(bucket))
	fmt.Fprintf(&b, "  |> range(start: -%dm)\n", minutes)
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r[\"_measurement\"] == %s)\n", strconv.Quote(GridMeasurement))
	if gateway != "" {
		fmt.Fprintf(&b, "  |> filter(fn: (r) => r[%s] == %s)\n", strconv.Quote(GatewayTag), strconv.Quote(gateway))
	}
	fmt.Fprintf(&b, "  |> filter(fn: (r) => contains(value: r[\"_field\"], set: [%s]))\n", strings.Join(fields, ", "))
	b.WriteString("  |> aggregateWindow(every: 1m, fn: mean, createEmpty: false)\n")
	b.WriteString("  |> pivot(rowKey: [\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")\n")
	fmt.Fprintf(&b, "  |> keep(columns: [\"_time\", %s])\n", strings.Join(fields, ", "))
	b.WriteString("  |> sort(columns: [\"_time\"])\n")
	return b.String()
}

func rowFromValues(t time.Time, values map[string]any) Row {
	row := Row{Time: t, Values: make(map[string]float64, len(Columns))}
	for _, col := range Columns {
		switch v := values[col].(type) {
		case float64:
			row.Values[col] = v
		case int64:
			row.Values[col] = float64(v)
		case uint64:
			row.Values[col] = float64(v)
		}
	}
	return row
}
