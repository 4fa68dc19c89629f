package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"
)

// ReportArchiver stores reconciliation sweep reports as JSON objects under a
// date-partitioned prefix, e.g. reports/2026/08/31/sweep-151112Z.json.
type ReportArchiver struct {
	writer *Writer
	prefix string
}

// NewReportArchiver creates a ReportArchiver that uploads via the given
// client. An empty prefix defaults to "reports".
func NewReportArchiver(c *Client, prefix string) *ReportArchiver {
	if prefix == "" {
		prefix = "reports"
	}
	return &ReportArchiver{
		writer: NewWriter(c),
		prefix: prefix,
	}
}

// Archive uploads one sweep report keyed by its start time.
func (a *ReportArchiver) Archive(ctx context.Context, sweepTime time.Time, payload []byte) error {
	key := path.Join(
		a.prefix,
		sweepTime.UTC().Format("2006/01/02"),
		fmt.Sprintf("sweep-%sZ.json", sweepTime.UTC().Format("150405")),
	)
	if err := a.writer.Put(ctx, key, bytes.NewReader(payload), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive sweep report: %w", err)
	}
	return nil
}
