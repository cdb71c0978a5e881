package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ransomguard/analyzer"
	"ransomguard/config"
	"ransomguard/detector"
	"ransomguard/internal/pefixture"
	"ransomguard/ml"
)

func testBundle(t *testing.T) *ml.Bundle {
	t.Helper()
	dir := filepath.Join("..", "testdata", "bundle")
	b, err := ml.LoadBundle(ml.BundlePaths{
		Classifier: filepath.Join(dir, "classifier.json"),
		Scaler:     filepath.Join(dir, "scaler.json"),
		Schema:     filepath.Join(dir, "schema.yaml"),
	})
	require.NoError(t, err)
	return b
}

func newTestServer(t *testing.T, mutate func(*config.ServerConfig)) *httptest.Server {
	t.Helper()
	det, err := detector.New(testBundle(t), detector.Options{
		ScratchDir: t.TempDir(),
		Limits:     analyzer.Limits{MaxFileSize: 1 << 20},
	})
	require.NoError(t, err)
	return serverFor(t, det, mutate)
}

func serverFor(t *testing.T, det *detector.Detector, mutate func(*config.ServerConfig)) *httptest.Server {
	t.Helper()
	cfg := config.Default().Server
	cfg.MaxUpload = 1 << 20
	if mutate != nil {
		mutate(&cfg)
	}
	ts := httptest.NewServer(New(det, cfg, nil).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func sample(spec pefixture.Spec) []byte {
	img, _ := pefixture.Build(spec)
	return img
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("comment", "sample from mail gateway"))
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestClassifyRawBody(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/v1/classify?name=locker.exe", "application/octet-stream", bytes.NewReader(sample(pefixture.RansomwareSpec())))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := resp.Header.Get("X-Request-Id")

	m := decode(t, resp)
	assert.Equal(t, "Malicious", m["label"])
	assert.Equal(t, "high", m["confidence_tier"])
	assert.Equal(t, false, m["inconclusive"])
	assert.Equal(t, "locker.exe", m["file_name"])
	assert.Equal(t, id, m["request_id"])
	assert.Len(t, m["probabilities"], 2)
	assert.NotContains(t, m, "failure")
}

func TestClassifyMultipart(t *testing.T) {
	ts := newTestServer(t, nil)

	body, ct := multipartBody(t, "file", "tool.exe", sample(pefixture.BenignSpec()))
	resp, err := http.Post(ts.URL+"/v1/classify", ct, body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decode(t, resp)
	assert.Equal(t, "Benign", m["label"])
	assert.Equal(t, "tool.exe", m["file_name"])

	body, ct = multipartBody(t, "upload", "tool.exe", sample(pefixture.BenignSpec()))
	resp, err = http.Post(ts.URL+"/v1/classify", ct, body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	m = decode(t, resp)
	assert.Equal(t, "invalid upload", m["error"])
	assert.NotContains(t, m, "detail")
}

func TestClassifyMalformedDetails(t *testing.T) {
	hidden := newTestServer(t, nil)
	resp, err := http.Post(hidden.URL+"/v1/classify", "application/octet-stream", strings.NewReader("not an executable at all"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decode(t, resp)
	assert.Equal(t, true, m["inconclusive"])
	assert.Equal(t, "unreliable", m["confidence_tier"])
	assert.Equal(t, "malformed_binary", m["failure"])
	assert.NotContains(t, m, "detail")

	exposed := newTestServer(t, func(c *config.ServerConfig) { c.ExposeErrorDetails = true })
	resp, err = http.Post(exposed.URL+"/v1/classify", "application/octet-stream", strings.NewReader("not an executable at all"))
	require.NoError(t, err)
	m = decode(t, resp)
	assert.Contains(t, m["detail"], "malformed binary")
}

func TestClassifyUploadLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.ServerConfig) { c.MaxUpload = 1024 })
	resp, err := http.Post(ts.URL+"/v1/classify", "application/octet-stream", bytes.NewReader(make([]byte, 256<<10)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	m := decode(t, resp)
	assert.Equal(t, "too_large", m["kind"])
}

// skewedClassifier passes the load-time width check but rejects every vector.
type skewedClassifier struct{}

func (skewedClassifier) Family() string { return ml.FamilyLogistic }

func (skewedClassifier) InputDim() int { return 1 }

func (skewedClassifier) Classify(v ml.FeatureVector) (ml.Label, ml.Probabilities, error) {
	return ml.Benign, ml.Probabilities{}, &ml.SchemaMismatchError{Component: "logistic classifier", Want: 2, Got: len(v)}
}

func TestClassifySchemaMismatch(t *testing.T) {
	schema, err := ml.NewFeatureSchema([]ml.Slot{{Name: "Machine"}})
	require.NoError(t, err)
	scaler, err := ml.NewIdentityScaler(1)
	require.NoError(t, err)
	bundle, err := ml.NewBundle(schema, scaler, skewedClassifier{})
	require.NoError(t, err)
	det, err := detector.New(bundle, detector.Options{ScratchDir: t.TempDir()})
	require.NoError(t, err)
	ts := serverFor(t, det, nil)

	resp, err := http.Post(ts.URL+"/v1/classify", "application/octet-stream", bytes.NewReader(sample(pefixture.BenignSpec())))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	m := decode(t, resp)
	assert.Equal(t, "deployment error", m["error"])
	assert.Equal(t, "schema_mismatch", m["kind"])
	assert.NotContains(t, m, "detail")
}

func TestRequestIDPropagation(t *testing.T) {
	ts := newTestServer(t, nil)
	id := uuid.NewString()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/classify", strings.NewReader("MZ"))
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", id)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, id, resp.Header.Get("X-Request-Id"))
	assert.Equal(t, id, decode(t, resp)["request_id"])

	req.Header.Set("X-Request-Id", "<script>")
	req.Body = io.NopCloser(strings.NewReader("MZ"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	_, err = uuid.Parse(resp.Header.Get("X-Request-Id"))
	assert.NoError(t, err)
}

func TestModelHealthMetrics(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/v1/model")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decode(t, resp)
	assert.Equal(t, "logistic", m["family"])
	assert.Equal(t, 21.0, m["feature_count"])
	assert.Equal(t, 0.5, m["threshold"])
	assert.Equal(t, float64(1<<20), m["max_file_size"])
	assert.Len(t, m["fingerprint"], 64)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	resp, err = http.Post(ts.URL+"/v1/classify", "application/octet-stream", bytes.NewReader(sample(pefixture.BenignSpec())))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "ransomguard_classifications_total")
	assert.Contains(t, string(body), "ransomguard_classify_duration_seconds")

	resp, err = http.Get(ts.URL + "/v1/classify")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestClassifyRateLimited(t *testing.T) {
	ts := newTestServer(t, func(c *config.ServerConfig) {
		c.RateLimit.Enabled = true
		c.RateLimit.ClientQPS = 0.001
		c.RateLimit.ClientBurst = 1
	})

	resp, err := http.Post(ts.URL+"/v1/classify", "application/octet-stream", strings.NewReader("MZ"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/v1/classify", "application/octet-stream", strings.NewReader("MZ"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "rate limit exceeded", decode(t, resp)["error"])
}

func TestLimiter(t *testing.T) {
	cfg := config.Default().Server.RateLimit
	cfg.Enabled = true
	cfg.ClientQPS = 10
	cfg.ClientBurst = 2

	now := time.Unix(1_700_000_000, 0)
	l := NewLimiter(cfg)
	l.nowFunc = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		a, _ := l.Check("10.0.0.1")
		assert.Equal(t, ActionAllow, a)
	}
	a, d := l.Check("10.0.0.1")
	assert.Equal(t, ActionDelay, a)
	assert.Equal(t, 100*time.Millisecond, d)

	a, _ = l.Check("10.0.0.2")
	assert.Equal(t, ActionAllow, a, "clients have separate buckets")
	assert.Equal(t, 2, l.Clients())

	now = now.Add(cfg.Expiration() + time.Second)
	assert.Equal(t, 2, l.cleanup())
	assert.Zero(t, l.Clients())

	off := NewLimiter(config.RateLimitConfig{})
	a, _ = off.Check("10.0.0.1")
	assert.Equal(t, ActionAllow, a)
	assert.Equal(t, "drop", ActionDrop.String())
}
