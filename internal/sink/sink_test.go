package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/perfmon/internal/config"
	"github.com/t77yq/perfmon/internal/model"
	"github.com/t77yq/perfmon/internal/testutil"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func batch(n int, source model.Source) []model.MetricEvent {
	events := make([]model.MetricEvent, n)
	for i := range events {
		events[i] = model.MetricEvent{
			Name:      "http.request.duration",
			Type:      model.MetricTypeTiming,
			Value:     float64(i),
			Unit:      "ms",
			Tags:      model.NewTags(map[string]string{"path": "/api/works"}),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Source:    source,
		}
	}
	return events
}

func TestMemorySink_BoundedPerSource(t *testing.T) {
	s := NewMemorySink(3)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, batch(5, model.SourceHTTP)))
	require.NoError(t, s.Write(ctx, batch(2, model.SourceDB)))

	http := s.Recent(model.SourceHTTP, 0)
	require.Len(t, http, 3)
	assert.Equal(t, 2.0, http[0].Value)
	assert.Equal(t, 4.0, http[2].Value)

	assert.Len(t, s.Recent(model.SourceDB, 10), 2)
	assert.Len(t, s.Recent("", 0), 5)

	last := s.Recent(model.SourceHTTP, 1)
	require.Len(t, last, 1)
	assert.Equal(t, 4.0, last[0].Value)
}

func TestMemorySink_CancelledContext(t *testing.T) {
	s := NewMemorySink(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Write(ctx, batch(1, model.SourceHTTP)), context.Canceled)
	assert.Empty(t, s.Recent("", 0))
}

func readLines(t *testing.T, path string) []record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		out = append(out, r)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestFileSink_WritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSink(config.FileSinkConfig{Dir: dir, MaxFileSize: 1 << 20}, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Write(context.Background(), batch(3, model.SourceHTTP)))
	require.NoError(t, s.Close())

	lines := readLines(t, filepath.Join(dir, activeFileName))
	require.Len(t, lines, 3)
	assert.Equal(t, "http.request.duration", lines[0].Name)
	assert.Equal(t, "2024-05-01T12:00:00.000Z", lines[0].Timestamp)
	assert.Equal(t, "/api/works", lines[1].Tags["path"])
	assert.Equal(t, 2.0, lines[2].Value)

	assert.ErrorIs(t, s.Write(context.Background(), batch(1, model.SourceHTTP)), ErrSinkClosed)
}

func TestFileSink_RotatesAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSink(config.FileSinkConfig{Dir: dir, MaxFileSize: 200, MaxAge: time.Hour}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Write(context.Background(), batch(2, model.SourceHTTP)))
	}

	rotated, err := filepath.Glob(filepath.Join(dir, "metrics-*.jsonl"))
	require.NoError(t, err)
	require.NotEmpty(t, rotated)

	old := time.Now().Add(-2 * time.Hour)
	for _, path := range rotated {
		require.NoError(t, os.Chtimes(path, old, old))
	}
	assert.Equal(t, len(rotated), s.Cleanup(time.Now()))

	remaining, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, activeFileName)}, remaining)
}

func TestRedisSink_CappedLists(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisSink(config.RedisSinkConfig{Addr: mr.Addr(), MaxLen: 4}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, batch(3, model.SourceHTTP)))
	require.NoError(t, s.Write(ctx, batch(3, model.SourceHTTP)))
	require.NoError(t, s.Write(ctx, batch(1, model.SourceCache)))

	httpList, err := mr.List(RedisKey(model.SourceHTTP))
	require.NoError(t, err)
	require.Len(t, httpList, 4)

	var first record
	require.NoError(t, json.Unmarshal([]byte(httpList[0]), &first))
	assert.Equal(t, 2.0, first.Value)

	cacheList, err := mr.List(RedisKey(model.SourceCache))
	require.NoError(t, err)
	assert.Len(t, cacheList, 1)
}

func TestRedisSink_ConnectFailure(t *testing.T) {
	_, err := NewRedisSink(config.RedisSinkConfig{Addr: "127.0.0.1:1"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestNATSSink_PublishesBySource(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)

	s, err := NewNATSSink(js, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, testutil.WaitForStream(t, js, MetricsStream, 5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Write(ctx, batch(3, model.SourceHTTP)))
	require.NoError(t, s.Write(ctx, batch(2, model.SourceDB)))

	info, err := js.StreamInfo(MetricsStream)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), info.State.Msgs)

	msgs := testutil.FetchMessages(t, js, "metrics.db", 2, 5*time.Second)
	require.Len(t, msgs, 2)
	var r record
	require.NoError(t, json.Unmarshal(msgs[1].Data, &r))
	assert.Equal(t, model.SourceDB, r.Source)
	assert.Equal(t, 1.0, r.Value)
}

func TestPostgresBatch(t *testing.T) {
	events := batch(3, model.SourceHTTP)
	events[1].Tags = nil
	events[1].Unit = ""

	b, err := buildBatch(events)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Len())
	assert.Nil(t, emptyToNil(""))
	assert.Equal(t, "ms", emptyToNil("ms"))
}
