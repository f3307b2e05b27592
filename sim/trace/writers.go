package trace

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

// CSVHeader is the first row written by CSVWriter.
var CSVHeader = []string{"timestamp", "event_type", "tray_id", "subject_id", "metadata"}

// CSVWriter writes the event log as CSV. Output is byte-identical for
// identical record streams.
type CSVWriter struct {
	w      *csv.Writer
	closer io.Closer
	header bool
}

// NewCSVWriter writes to w. If w is an io.Closer it is closed by Close.
func NewCSVWriter(w io.Writer) *CSVWriter {
	c, _ := w.(io.Closer)
	return &CSVWriter{w: csv.NewWriter(w), closer: c}
}

func (c *CSVWriter) Write(r Record) error {
	if !c.header {
		if err := c.w.Write(CSVHeader); err != nil {
			return fmt.Errorf("writing csv header: %w", err)
		}
		c.header = true
	}
	row := []string{
		FormatTime(r.Time),
		string(r.Kind),
		strconv.Itoa(r.TrayID),
		r.Subject,
		FormatMetadata(r.Metadata),
	}
	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("writing csv record %d: %w", r.Seq, err)
	}
	return nil
}

// Close flushes buffered rows and closes the underlying writer.
func (c *CSVWriter) Close() error {
	if !c.header {
		_ = c.w.Write(CSVHeader)
		c.header = true
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("flushing csv: %w", err)
	}
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// FormatTime renders a virtual timestamp with the shortest exact representation.
func FormatTime(t float64) string {
	return strconv.FormatFloat(t, 'f', -1, 64)
}

// JSONLWriter writes one JSON object per record. Metadata keys are sorted.
type JSONLWriter struct {
	buf    *bufio.Writer
	stream *jsoniter.Stream
	closer io.Closer
}

var jsonlAPI = jsoniter.Config{
	EscapeHTML:  true,
	SortMapKeys: true,
}.Froze()

// NewJSONLWriter writes to w. If w is an io.Closer it is closed by Close.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	c, _ := w.(io.Closer)
	buf := bufio.NewWriter(w)
	return &JSONLWriter{buf: buf, stream: jsoniter.NewStream(jsonlAPI, buf, 512), closer: c}
}

func (j *JSONLWriter) Write(r Record) error {
	j.stream.WriteVal(r)
	j.stream.WriteRaw("\n")
	if j.stream.Error != nil {
		return fmt.Errorf("encoding record %d: %w", r.Seq, j.stream.Error)
	}
	if j.stream.Buffered() > 4096 {
		if err := j.stream.Flush(); err != nil {
			return fmt.Errorf("writing jsonl: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (j *JSONLWriter) Close() error {
	if err := j.stream.Flush(); err != nil {
		return fmt.Errorf("writing jsonl: %w", err)
	}
	if err := j.buf.Flush(); err != nil {
		return fmt.Errorf("writing jsonl: %w", err)
	}
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}
