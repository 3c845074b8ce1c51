package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/atomjob/internal/executor"
	"github.com/roach88/atomjob/internal/files"
	"github.com/roach88/atomjob/internal/guard"
	"github.com/roach88/atomjob/internal/job"
	"github.com/roach88/atomjob/internal/store"
	"github.com/roach88/atomjob/internal/testutil"
)

var testEpoch = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

const payslipJSON = `{"employer_name": "Acme Ltd", "employee_name": "J. Smith", "pay_period": "2025-05", "gross_pay": 3000, "net_pay": 2400, "currency": "GBP"}`

var testSigningKey = []byte("test-signing-key")

type fixture struct {
	m     *Manager
	model *testutil.ScriptedModel
	clock *testutil.FakeClock
	table store.Table
	guard *guard.Guard
}

type fixtureOptions struct {
	start  bool
	config func(*Config)

	// table defaults to a fresh store.Memory.
	table store.Table
}

func newFixture(t *testing.T, steps []testutil.Step, fo fixtureOptions) *fixture {
	t.Helper()

	clock := testutil.NewFakeClock(testEpoch)
	sm := testutil.NewScriptedModel(steps...)
	g, err := guard.New(guard.DefaultPolicy(), guard.WithClock(clock.Now))
	require.NoError(t, err)
	ex, err := executor.New(sm, files.New(0, nil), executor.WithClock(clock.Now))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.PollInterval = 2 * time.Millisecond
	if fo.config != nil {
		fo.config(&cfg)
	}

	table := fo.table
	if table == nil {
		table = store.NewMemory()
	}
	m, err := New(table, g, ex,
		WithConfig(cfg),
		WithClock(clock.Now),
		WithSigningKey(testSigningKey))
	require.NoError(t, err)

	if fo.start {
		m.Start(context.Background())
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(ctx))
	})

	return &fixture{m: m, model: sm, clock: clock, table: table, guard: g}
}

func payslipRequest(fields map[string]any) SubmitRequest {
	return SubmitRequest{
		TenantID:      "tenant-a",
		TransformType: job.TransformPayslipExtraction,
		Files: []File{{
			Name:        "may-payslip.txt",
			ContentType: "text/plain",
			Content:     []byte("Acme Ltd\nJ. Smith\nGross 3000.00\nNet 2400.00"),
		}},
		Fields: fields,
	}
}

func (f *fixture) await(t *testing.T, id string) *job.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j, err := f.m.Await(ctx, id)
	require.NoError(t, err)
	return j
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	n, err := f.table.Count(context.Background())
	require.NoError(t, err)
	return n
}

func requireCode(t *testing.T, err error, code job.Code) {
	t.Helper()
	require.Error(t, err)
	got, ok := job.CodeOf(err)
	require.True(t, ok, "expected a job error, got %v", err)
	require.Equal(t, code, got, "error: %v", err)
}
