package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, line []byte, into any) Record {
	t.Helper()
	var record Record
	require.NoError(t, json.Unmarshal(line, &record))
	if into != nil {
		require.NoError(t, json.Unmarshal(record.Data, into))
	}
	return record
}

func TestJSONLWriter_WritePoint(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "pbs")

	err := w.WritePoint(context.Background(), &PointRecord{
		Index:    2,
		Value:    0.17,
		Tag:      "17",
		JobName:  "fa_17",
		Artifact: "fa_17_12345.qsub",
		OK:       true,
		JobID:    "4242.cluster",
		Output:   "4242.cluster\n",
	})
	require.NoError(t, err)

	var p PointRecord
	record := decode(t, buf.Bytes(), &p)
	assert.Equal(t, TypePoint, record.Type)
	assert.Equal(t, "run-123", record.RunID)
	assert.Equal(t, "pbs", record.Scheduler)
	assert.False(t, record.TS.IsZero())

	assert.Equal(t, 2, p.Index)
	assert.Equal(t, 0.17, p.Value)
	assert.Equal(t, "17", p.Tag)
	assert.True(t, p.OK)
	assert.Equal(t, "4242.cluster", p.JobID)
	assert.Empty(t, p.Code)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "slurm")

	idx := 4
	err := w.WriteError(context.Background(), &ErrorRecord{
		Code:    "MISSING_FIELD",
		Message: `tract: missing required field "param.mask"`,
		Tag:     "19",
		Index:   &idx,
	})
	require.NoError(t, err)

	var e ErrorRecord
	record := decode(t, buf.Bytes(), &e)
	assert.Equal(t, TypeError, record.Type)
	assert.Equal(t, "MISSING_FIELD", e.Code)
	assert.Equal(t, "19", e.Tag)
	require.NotNil(t, e.Index)
	assert.Equal(t, 4, *e.Index)
}

func TestJSONLWriter_WriteProgressAndSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "pbs")
	ctx := context.Background()

	require.NoError(t, w.WriteProgress(ctx, &ProgressRecord{Phase: PhaseSubmitting, Total: 10, Submitted: 3, Failed: 1}))
	require.NoError(t, w.WriteSummary(ctx, &SummaryRecord{
		Points:        10,
		Submitted:     9,
		Failed:        1,
		Duration:      30 * time.Second,
		DurationHuman: "30s",
		FailedTags:    []string{"19"},
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var prog ProgressRecord
	assert.Equal(t, TypeProgress, decode(t, []byte(lines[0]), &prog).Type)
	assert.Equal(t, PhaseSubmitting, prog.Phase)
	assert.Equal(t, int64(3), prog.Submitted)

	var sum SummaryRecord
	assert.Equal(t, TypeSummary, decode(t, []byte(lines[1]), &sum).Type)
	assert.Equal(t, 9, sum.Submitted)
	assert.Equal(t, 30*time.Second, sum.Duration)
	assert.Equal(t, []string{"19"}, sum.FailedTags)
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "pbs")

	require.NoError(t, w.Close())
	err := w.WritePoint(context.Background(), &PointRecord{Tag: "15"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "pbs")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WritePoint(context.Background(), &PointRecord{Index: writerID*writesPerWriter + j})
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)
	for i, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "pbs")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WritePoint(ctx, &PointRecord{Tag: "15"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "run-123", "pbs")

	err := w.WritePoint(context.Background(), &PointRecord{Tag: "15"})
	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "write", writeErr.Op)
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	sw := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(sw, "run-123", "pbs")

	require.NoError(t, w.WritePoint(context.Background(), &PointRecord{Tag: "15", Artifact: "fa_15_1.qsub"}))

	lines := strings.Split(strings.TrimSpace(sw.buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Equal(t, TypePoint, decode(t, []byte(lines[0]), nil).Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(zeroWriteWriter{}, "run-123", "pbs")
	err := w.WritePoint(context.Background(), &PointRecord{Tag: "15"})
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	return sw.buf.Write(p[:min(len(p), sw.bytesPerWrite)])
}

type zeroWriteWriter struct{}

func (zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestErrorRecord_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(ErrorRecord{Code: "INTERNAL", Message: "boom"})
	require.NoError(t, err)

	assert.NotContains(t, string(data), "tag")
	assert.NotContains(t, string(data), "index")
	assert.NotContains(t, string(data), "details")
}

func BenchmarkJSONLWriter_WritePoint(b *testing.B) {
	w := NewJSONLWriter(io.Discard, "run-123", "pbs")
	p := &PointRecord{Index: 2, Value: 0.17, Tag: "17", Artifact: "fa_17_1.qsub", OK: true, JobID: "4242"}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.WritePoint(ctx, p)
	}
}
