package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mescon/panoguard/internal/domain"
	"github.com/mescon/panoguard/internal/pipeline"
	"github.com/mescon/panoguard/internal/services"
	"github.com/mescon/panoguard/internal/testutil"
)

// sseFrames splits a recorded event stream into decoded frames.
func sseFrames(t *testing.T, body string) []map[string]interface{} {
	t.Helper()
	var frames []map[string]interface{}
	for _, chunk := range strings.Split(body, "\n\n") {
		if chunk == "" {
			continue
		}
		require.True(t, strings.HasPrefix(chunk, "data: "), "malformed frame %q", chunk)
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(chunk, "data: ")), &frame))
		frames = append(frames, frame)
	}
	return frames
}

func TestStreamAvailabilityScan(t *testing.T) {
	ts := newTestServer(t, testutil.PanoIDs(7)...)
	ts.resolver.Missing["pano-3"] = true
	ts.resolver.Missing["pano-6"] = true

	w := ts.do(t, http.MethodGet, mapPath(ts.seeded.MapID, "/scans/availability"), ts.ownerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", w.Header().Get("Connection"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	frames := sseFrames(t, w.Body.String())
	require.GreaterOrEqual(t, len(frames), 2)

	start := frames[0]
	assert.Equal(t, "start", start["type"])
	assert.Equal(t, "availability", start["mode"])
	assert.EqualValues(t, 7, start["total"])
	assert.EqualValues(t, 0, start["offset"])
	assert.NotEmpty(t, start["scan_id"])

	done := frames[len(frames)-1]
	assert.Equal(t, "done", done["type"])
	assert.EqualValues(t, 7, done["processed"])
	assert.EqualValues(t, 7, done["checked"])
	assert.EqualValues(t, 2, done["removed"])
	assert.EqualValues(t, 7, done["offset"])
	assert.Contains(t, done, "duration_ms")

	active, err := ts.repo.CountActiveLocations(context.Background(), ts.seeded.MapID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), active)
}

func TestStreamAvailabilityScan_ResumesFromOffset(t *testing.T) {
	ts := newTestServer(t, testutil.PanoIDs(6)...)
	ts.resolver.Missing["pano-2"] = true
	ts.resolver.Missing["pano-5"] = true

	w := ts.do(t, http.MethodPost, mapPath(ts.seeded.MapID, "/scans/availability?offset=3"), ts.ownerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	frames := sseFrames(t, w.Body.String())
	require.NotEmpty(t, frames)
	assert.EqualValues(t, 3, frames[0]["offset"])

	done := frames[len(frames)-1]
	assert.EqualValues(t, 3, done["processed"])
	assert.EqualValues(t, 1, done["removed"])
	assert.EqualValues(t, 6, done["offset"])

	// pano-2 sits before the offset and is left alone
	loc, err := ts.repo.GetLocation(context.Background(), ts.seeded.MapID, ts.seeded.IDs[1])
	require.NoError(t, err)
	assert.False(t, loc.IsDeleted)
}

func TestStreamRefreshScan(t *testing.T) {
	ts := newTestServer(t, testutil.PanoIDs(3)...)
	ts.resolver.ByCoordinate[testutil.CoordKey(2, 2)] = domain.Resolution{
		Status: domain.Resolved,
		Pano:   domain.Panorama{PanoID: "fresh-2", Lat: 2.0001, Lng: 2.0001},
	}

	w := ts.do(t, http.MethodGet, mapPath(ts.seeded.MapID, "/scans/refresh?token="+ts.ownerToken), "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	frames := sseFrames(t, w.Body.String())
	require.NotEmpty(t, frames)
	assert.Equal(t, "refresh", frames[0]["mode"])

	done := frames[len(frames)-1]
	assert.Equal(t, "done", done["type"])
	assert.EqualValues(t, 3, done["processed"])
	assert.NotContains(t, done, "removed")

	loc, err := ts.repo.GetLocation(context.Background(), ts.seeded.MapID, ts.seeded.IDs[1])
	require.NoError(t, err)
	assert.Equal(t, "fresh-2", loc.PanoID)
}

func TestStreamScan_Rejections(t *testing.T) {
	ts := newTestServer(t, testutil.PanoIDs(2)...)

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"no token", "/scans/availability", "", http.StatusUnauthorized},
		{"bad token", "/scans/availability", "garbage", http.StatusUnauthorized},
		{"plain user", "/scans/availability", ts.playerToken, http.StatusForbidden},
		{"admin of another map", "/scans/refresh", ts.intruderToken, http.StatusForbidden},
		{"negative offset", "/scans/availability?offset=-1", ts.ownerToken, http.StatusBadRequest},
		{"non-numeric offset", "/scans/availability?offset=ten", ts.ownerToken, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodGet, mapPath(ts.seeded.MapID, tt.path), tt.token, nil)
			assert.Equal(t, tt.want, w.Code)
			assert.NotEqual(t, "text/event-stream", w.Header().Get("Content-Type"))
		})
	}

	w := ts.do(t, http.MethodGet, "/api/maps/999/scans/availability", ts.rootToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Empty(t, ts.resolver.Calls, "rejected requests must not reach the resolver")
}

func TestStreamScan_RootMayScanAnyMap(t *testing.T) {
	ts := newTestServer(t, testutil.PanoIDs(2)...)

	w := ts.do(t, http.MethodGet, mapPath(ts.seeded.MapID, "/scans/availability"), ts.rootToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	frames := sseFrames(t, w.Body.String())
	assert.Equal(t, "done", frames[len(frames)-1]["type"])
}

// blockUntil is a sink that holds the scan on its start frame until release
// is closed or the scan is cancelled.
func blockUntil(release <-chan struct{}) pipeline.Sink {
	return pipeline.SinkFunc(func(ctx context.Context, ev pipeline.Event) error {
		if ev.Type != pipeline.EventStart {
			return ctx.Err()
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// startBlockedScan starts a scan of the seeded map that stays registered
// until release is closed.
func startBlockedScan(t *testing.T, ts *testServer) (scan services.ScanProgress, release chan struct{}, done chan struct{}) {
	t.Helper()
	release = make(chan struct{})
	done = make(chan struct{})

	go func() {
		defer close(done)
		_, _ = ts.scanner.Run(context.Background(), services.ScanRequest{
			MapID: ts.seeded.MapID,
			Mode:  domain.ModeAvailability,
		}, blockUntil(release))
	}()

	require.Eventually(t, func() bool {
		return len(ts.scanner.GetActiveScans()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	return ts.scanner.GetActiveScans()[0], release, done
}

func TestStreamScan_ConflictWhileMapIsScanned(t *testing.T) {
	ts := newTestServer(t, testutil.PanoIDs(3)...)
	_, release, done := startBlockedScan(t, ts)

	w := ts.do(t, http.MethodGet, mapPath(ts.seeded.MapID, "/scans/refresh"), ts.ownerToken, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), ErrMsgScanInProgress)

	close(release)
	<-done
}

func TestGetActiveScans(t *testing.T) {
	ts := newTestServer(t, testutil.PanoIDs(3)...)
	scan, release, done := startBlockedScan(t, ts)
	defer func() {
		close(release)
		<-done
	}()

	var scans []services.ScanProgress

	w := ts.do(t, http.MethodGet, "/api/scans/active", ts.ownerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &scans)
	require.Len(t, scans, 1)
	assert.Equal(t, scan.ID, scans[0].ID)
	assert.Equal(t, ts.seeded.MapID, scans[0].MapID)

	w = ts.do(t, http.MethodGet, "/api/scans/active", ts.rootToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &scans)
	assert.Len(t, scans, 1)

	w = ts.do(t, http.MethodGet, "/api/scans/active", ts.intruderToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &scans)
	assert.Empty(t, scans)
}

func TestCancelScan(t *testing.T) {
	ts := newTestServer(t, testutil.PanoIDs(3)...)
	scan, release, done := startBlockedScan(t, ts)
	defer close(release)

	w := ts.do(t, http.MethodDelete, "/api/scans/"+scan.ID, ts.intruderToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/scans/"+scan.ID, ts.ownerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scan did not stop after cancel")
	}

	w = ts.do(t, http.MethodDelete, "/api/scans/"+scan.ID, ts.ownerToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamScan_ClientDisconnectStopsScan(t *testing.T) {
	ts := newTestServer(t, testutil.PanoIDs(40)...)
	ts.resolver.Delay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, mapPath(ts.seeded.MapID, "/scans/availability"), nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+ts.ownerToken)
	w := httptest.NewRecorder()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ts.server.Handler().ServeHTTP(w, req)
	}()

	require.Eventually(t, func() bool {
		return len(ts.scanner.GetActiveScans()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after the client left")
	}
	assert.Empty(t, ts.scanner.GetActiveScans())
	assert.Less(t, ts.resolver.CallCount("CheckExists"), 40)
}
