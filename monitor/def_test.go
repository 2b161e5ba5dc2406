package monitor

import (
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(Runs.WithLabelValues("augment", "ok"))
	Runs.WithLabelValues("augment", "ok").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Runs.WithLabelValues("augment", "ok")))

	DerivedPairs.Add(3)
	assert.GreaterOrEqual(t, testutil.ToFloat64(DerivedPairs), float64(3))
}

func TestHandler(t *testing.T) {
	AugmentImages.WithLabelValues("ok").Inc()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "augment_images_total"))
	assert.True(t, strings.Contains(body, "memory_usage_Megabytes"))
}

func TestCheckProcessInfo(t *testing.T) {
	p, err := process.NewProcess(int32(os.Getpid()))
	require.NoError(t, err)
	CheckProcessInfo(p)
	assert.Greater(t, testutil.ToFloat64(memUsage), float64(0))
}
