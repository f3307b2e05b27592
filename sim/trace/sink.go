package trace

import (
	"errors"
	"sort"
	"strings"
)

// Sink consumes event records in log order.
type Sink interface {
	Write(Record) error
	Close() error
}

// Memory keeps every record in a slice.
type Memory struct {
	Records []Record
}

func (m *Memory) Write(r Record) error {
	m.Records = append(m.Records, r)
	return nil
}

func (m *Memory) Close() error { return nil }

// ByTray returns the records of one tray in log order.
func (m *Memory) ByTray(id int) []Record {
	var out []Record
	for _, r := range m.Records {
		if r.TrayID == id {
			out = append(out, r)
		}
	}
	return out
}

// OfKind returns the records of one kind in log order.
func (m *Memory) OfKind(k Kind) []Record {
	var out []Record
	for _, r := range m.Records {
		if r.Kind == k {
			out = append(out, r)
		}
	}
	return out
}

// Discard drops every record.
type Discard struct{}

func (Discard) Write(Record) error { return nil }
func (Discard) Close() error       { return nil }

// Multi fans records out to several sinks. A write stops at the first error.
type Multi []Sink

func (m Multi) Write(r Record) error {
	for _, s := range m {
		if err := s.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FormatMetadata renders metadata as "k=v;k=v" with keys sorted.
func FormatMetadata(md map[string]string) string {
	if len(md) == 0 {
		return ""
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(md[k])
	}
	return sb.String()
}
