//go:build integration

package suite_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elnissi-io/postfix/internal/logging"
	"github.com/elnissi-io/postfix/internal/metrics"
	"github.com/elnissi-io/postfix/internal/suite"
	"github.com/elnissi-io/postfix/internal/testutil"
)

func TestFromConfigRunsFullSuite(t *testing.T) {
	svc := testutil.StartMailService(t, testutil.Options{SMTPAuth: true})
	cfg := svc.Config()
	cfg.SMTP.Username = "testsender1"
	cfg.SMTP.Password = "testpassword"
	cfg.IMAP.TraceProtocol = true

	var logs bytes.Buffer
	logger := logging.NewLoggerTo(&logs, "debug")
	collector := metrics.NewPrometheusCollector()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	s, closeFn, err := suite.FromConfig(ctx, cfg, logger, collector)
	require.NoError(t, err)
	defer closeFn()

	report := s.Run(ctx)

	var summary bytes.Buffer
	require.NoError(t, report.WriteSummary(&summary))
	require.True(t, report.Passed(), summary.String())
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 2, report.Counts()[suite.XFail])

	// Protocol traffic is traced at debug level.
	assert.Contains(t, logs.String(), "direction=send")

	path := t.TempDir() + "/mailcheck.prom"
	require.NoError(t, metrics.Flush(collector, path))
}
