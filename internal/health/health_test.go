// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadyAggregation(t *testing.T) {
	m := NewManager("test")
	m.Register(CheckFunc{CheckName: "good", Fn: func(context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	}})
	m.Register(CheckFunc{CheckName: "warn", Fn: func(context.Context) CheckResult {
		return CheckResult{Status: StatusDegraded, Message: "sync warn"}
	}})

	resp := m.Ready(context.Background())
	require.True(t, resp.Ready)
	require.Equal(t, StatusDegraded, resp.Status)

	m.Register(CheckFunc{CheckName: "bad", Fn: func(context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy, Error: "no camera"}
	}})
	resp = m.Ready(context.Background())
	require.False(t, resp.Ready)
	require.Equal(t, StatusUnhealthy, resp.Status)
	require.Len(t, resp.Checks, 3)
}

func TestReadyHandlerStatusCode(t *testing.T) {
	m := NewManager("test")
	m.Register(CheckFunc{CheckName: "bad", Fn: func(context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy}
	}})

	rec := httptest.NewRecorder()
	m.ReadyHandler()(rec, httptest.NewRequest("GET", "/readyz", nil))
	require.Equal(t, 503, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Ready)
}

func TestDirWritable(t *testing.T) {
	c := DirWritable("storage", t.TempDir())
	res := c.Check(context.Background())
	require.Equal(t, StatusHealthy, res.Status)

	c = DirWritable("storage", "/nonexistent/fieldrig")
	res = c.Check(context.Background())
	require.Equal(t, StatusUnhealthy, res.Status)
}
