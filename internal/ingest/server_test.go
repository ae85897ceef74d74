package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"morilens/internal/dispatch"
	"morilens/internal/lens"
	"morilens/internal/ratelimit"
	"morilens/internal/runtime/supervisor"
	"morilens/internal/transport"
	logx "morilens/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []sentImage
	err  error
}

type sentImage struct {
	to  int64
	img transport.Image
}

func (f *fakeSender) SendImage(ctx context.Context, to transport.ChatTarget, img transport.Image) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return transport.MessageRef{}, f.err
	}
	f.sent = append(f.sent, sentImage{to: to.ChatID, img: img})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) images() []sentImage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentImage(nil), f.sent...)
}

type fixture struct {
	srv    *Server
	reg    *lens.Registry
	sender *fakeSender
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }
	reg := lens.New(nil, nil, lens.WithClock(clock), lens.WithBaseURL("https://lens.example"))
	q := dispatch.New(dispatch.Config{RetryMax: -1, SendTimeout: time.Second}, logx.Nop())
	t.Cleanup(func() { _ = q.Close(context.Background()) })

	sender := &fakeSender{}
	srv := New(Config{}, reg, q, sender, ratelimit.New(ratelimit.WithClock(clock)), logx.Nop())
	return &fixture{srv: srv, reg: reg, sender: sender, now: now}
}

func (f *fixture) connectedLens(t *testing.T, dest int64) lens.Lens {
	t.Helper()
	ctx := context.Background()
	l, err := f.reg.CreateLens(ctx, 42, "Front Door", "")
	require.NoError(t, err)
	l, err = f.reg.ConnectLens(ctx, l.Code, dest)
	require.NoError(t, err)
	return l
}

func (f *fixture) do(method, target string, body []byte, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func shootBody(image, mode string) []byte {
	b, _ := json.Marshal(map[string]string{"image": image, "mode": mode})
	return b
}

var jpegPayload = []byte{0xff, 0xd8, 0xff, 0xe0, 'f', 'r', 'a', 'm', 'e'}

func jpegDataURL() string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegPayload)
}

func TestShootRelaysFrame(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	l := f.connectedLens(t, 999)

	rec := f.do(http.MethodPost, "/api/lens/"+l.Code+"/shoot", shootBody(jpegDataURL(), ""), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	sent := f.sender.images()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(999), sent[0].to)
	assert.Equal(t, jpegPayload, sent[0].img.Data)
	assert.Equal(t, "lens-"+l.Code+".jpg", sent[0].img.Name)
	assert.True(t, sent[0].img.Document, "frames go out as documents unless photo mode is requested")

	rec = f.do(http.MethodPost, "/api/lens/"+l.Code+"/shoot", shootBody("data:image/png;base64,"+base64.StdEncoding.EncodeToString(jpegPayload), "photo"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sent = f.sender.images()
	require.Len(t, sent, 2)
	assert.False(t, sent[1].img.Document)
	assert.Equal(t, "lens-"+l.Code+".png", sent[1].img.Name)
}

func TestShootRejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	connected := f.connectedLens(t, 999)

	loose, err := f.reg.CreateLens(ctx, 42, "Loose", "")
	require.NoError(t, err)

	expired := f.connectedLens(t, 999)
	_, err = f.reg.SetExpiry(ctx, expired.Code, f.now.UnixMilli()-1000)
	require.NoError(t, err)

	tests := []struct {
		name   string
		code   string
		body   []byte
		status int
		text   string
	}{
		{name: "unknown lens", code: "NOPE22", body: shootBody(jpegDataURL(), ""), status: http.StatusBadRequest, text: "Lens not connected"},
		{name: "not connected", code: loose.Code, body: shootBody(jpegDataURL(), ""), status: http.StatusBadRequest, text: "Lens not connected"},
		{name: "expired", code: expired.Code, body: shootBody(jpegDataURL(), ""), status: http.StatusGone, text: "Lens expired"},
		{name: "not an image", code: connected.Code, body: shootBody("hello", ""), status: http.StatusBadRequest, text: "Invalid image"},
		{name: "missing image", code: connected.Code, body: []byte(`{}`), status: http.StatusBadRequest, text: "Invalid image"},
		{name: "bad json", code: connected.Code, body: []byte(`{`), status: http.StatusBadRequest, text: "Invalid image"},
		{name: "bad base64", code: connected.Code, body: shootBody("data:image/jpeg;base64,!!!", ""), status: http.StatusBadRequest, text: "Invalid image"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/api/lens/"+tt.code+"/shoot", tt.body, map[string]string{"X-Forwarded-For": "10.0.0." + tt.name})
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.text, rec.Body.String())
		})
	}
	assert.Empty(t, f.sender.images())
}

func TestShootRateLimited(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	l := f.connectedLens(t, 999)
	hdr := map[string]string{"CF-Connecting-IP": "203.0.113.9"}

	for i := 0; i < 5; i++ {
		rec := f.do(http.MethodPost, "/api/lens/"+l.Code+"/shoot", shootBody(jpegDataURL(), ""), hdr)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}
	rec := f.do(http.MethodPost, "/api/lens/"+l.Code+"/shoot", shootBody(jpegDataURL(), ""), hdr)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Len(t, f.sender.images(), 5)
}

func TestSetLimitsAppliesToNewRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	l := f.connectedLens(t, 999)
	f.srv.SetLimits(Limits{LensRate: 1, LensBurst: 2})
	assert.Equal(t, Limits{LensRate: 1, LensBurst: 2, IPRate: 2, IPBurst: 6}, f.srv.currentLimits())

	for i := 0; i < 2; i++ {
		rec := f.do(http.MethodPost, "/api/lens/"+l.Code+"/shoot", shootBody(jpegDataURL(), ""), nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}
	rec := f.do(http.MethodPost, "/api/lens/"+l.Code+"/shoot", shootBody(jpegDataURL(), ""), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestShootSendFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sender.err = errors.New("chat not found")
	l := f.connectedLens(t, 999)

	rec := f.do(http.MethodPost, "/api/lens/"+l.Code+"/shoot", shootBody(jpegDataURL(), ""), nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"ok":false,"error":"send failed"}`, rec.Body.String())
}

func TestShootBodyLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.srv.cfg.BodyLimit = 64
	l := f.connectedLens(t, 999)

	big := "data:image/jpeg;base64," + strings.Repeat("A", 200)
	rec := f.do(http.MethodPost, "/api/lens/"+l.Code+"/shoot", shootBody(big, ""), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestShortRedirect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	l := f.connectedLens(t, 999)
	short, err := f.reg.ShortenLens(context.Background(), l.Code)
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/l/"+short.Code, nil, nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://lens.example/lens/"+l.Code, rec.Header().Get("Location"))

	rec = f.do(http.MethodGet, "/l/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Unknown short link", rec.Body.String())
}

func TestLensPages(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	l := f.connectedLens(t, 999)

	for _, path := range []string{"/lens/", "/online/"} {
		rec := f.do(http.MethodGet, path+l.Code, nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Body.String(), l.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

		rec = f.do(http.MethodGet, path+"NOPE22", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}

	rec := f.do(http.MethodGet, "/", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "MoriLens")
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status string         `json:"status"`
		Queue  dispatch.Stats `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.NotContains(t, rec.Body.String(), "workers")
}

func TestHealthReportsWorkers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.srv.ReportWorkers(func() supervisor.Counters {
		return supervisor.Counters{Active: 3, Started: 4, Restarts: 1}
	})

	rec := f.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Workers supervisor.Counters `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, supervisor.Counters{Active: 3, Started: 4, Restarts: 1}, body.Workers)
}

func TestClientIP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		hdr    map[string]string
		remote string
		want   string
	}{
		{name: "cloudflare", hdr: map[string]string{"CF-Connecting-IP": "1.1.1.1", "X-Forwarded-For": "2.2.2.2"}, want: "1.1.1.1"},
		{name: "forwarded chain", hdr: map[string]string{"X-Forwarded-For": " 2.2.2.2 , 3.3.3.3"}, want: "2.2.2.2"},
		{name: "real ip", hdr: map[string]string{"X-Real-IP": "4.4.4.4"}, want: "4.4.4.4"},
		{name: "remote addr", remote: "5.5.5.5:1234", want: "5.5.5.5"},
		{name: "bare remote", remote: "6.6.6.6", want: "6.6.6.6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.hdr {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}

func TestDecodeDataURL(t *testing.T) {
	t.Parallel()
	data, mime, err := decodeDataURL(jpegDataURL())
	require.NoError(t, err)
	assert.Equal(t, jpegPayload, data)
	assert.Equal(t, "image/jpeg", mime)

	unpadded := "data:image/png;base64," + base64.RawStdEncoding.EncodeToString(jpegPayload)
	data, _, err = decodeDataURL(unpadded)
	require.NoError(t, err)
	assert.Equal(t, jpegPayload, data)

	for _, bad := range []string{"data:image/jpeg,raw", "data:text/plain;base64,aGk=", "data:image/jpeg;base64,", "nonsense"} {
		_, _, err := decodeDataURL(bad)
		assert.ErrorIs(t, err, errInvalidImage, bad)
	}
}

func TestProfilerRequiresToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/debug/pprof/", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "profiler is off without a token")

	f.srv.cfg.PprofToken = "s3cret"
	f.srv.router = f.srv.routes()

	rec = f.do(http.MethodGet, "/debug/pprof/", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/debug/pprof/", nil, map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}
