package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"ransomguard/analyzer"
	"ransomguard/ml"
)

// Stage is a step of the per-request state machine. Every request ends in
// StageReported; a failing request passes through StageFailed first.
type Stage string

const (
	StageReceived         Stage = "received"
	StageParsed           Stage = "parsed"
	StageFeatureExtracted Stage = "feature_extracted"
	StageVectorized       Stage = "vectorized"
	StageScaled           Stage = "scaled"
	StageClassified       Stage = "classified"
	StageFailed           Stage = "failed"
	StageReported         Stage = "reported"
)

type Options struct {
	Limits      analyzer.Limits
	Interpreter ml.Interpreter
	// ScratchDir holds spooled uploads; "" means os.TempDir().
	ScratchDir string
	// Cache is optional. The detector does not close it.
	Cache          *Cache
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Result is what one request reports.
type Result struct {
	RequestID string `json:"request_id"`
	FileName  string `json:"file_name,omitempty"`
	Size      int64  `json:"size"`
	SHA256    string `json:"sha256,omitempty"`
	Kind      string `json:"kind"`
	ml.Verdict
	Dropped   []string `json:"dropped_features,omitempty"`
	Defaulted int      `json:"defaulted_features"`
	Cached    bool     `json:"cached,omitempty"`

	Stages   []Stage              `json:"-"`
	Features analyzer.RawFeatures `json:"-"`
	// Err is the cause behind Failure. It may quote attacker-controlled
	// offsets and must not reach clients unless details are enabled.
	Err error `json:"-"`
}

// Detector runs the parse, extract, assemble, scale, classify and interpret
// pipeline against one immutable bundle. It is safe for concurrent use.
type Detector struct {
	bundle     *ml.Bundle
	limits     analyzer.Limits
	interp     ml.Interpreter
	scratchDir string
	cache      *Cache
	log        *slog.Logger
	tracer     trace.Tracer
	flight     singleflight.Group
}

func New(bundle *ml.Bundle, opts Options) (*Detector, error) {
	if bundle == nil {
		return nil, errors.New("detector: nil bundle")
	}
	def := analyzer.DefaultLimits()
	if opts.Limits.MaxFileSize <= 0 {
		opts.Limits.MaxFileSize = def.MaxFileSize
	}
	if opts.Limits.MaxSteps <= 0 {
		opts.Limits.MaxSteps = def.MaxSteps
	}
	if opts.Limits.Timeout <= 0 {
		opts.Limits.Timeout = def.Timeout
	}
	if opts.Limits.MaxStringBytes <= 0 {
		opts.Limits.MaxStringBytes = def.MaxStringBytes
	}
	if opts.Interpreter == (ml.Interpreter{}) {
		opts.Interpreter = ml.DefaultInterpreter()
	}
	if err := opts.Interpreter.Validate(); err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}

	d := &Detector{
		bundle:     bundle,
		limits:     opts.Limits,
		interp:     opts.Interpreter,
		scratchDir: opts.ScratchDir,
		cache:      opts.Cache,
		log:        opts.Logger,
		tracer:     opts.TracerProvider.Tracer(tracerName),
	}
	if d.cache != nil {
		n, err := d.cache.Prune(bundle.Fingerprint())
		if err != nil {
			d.log.Warn("verdict cache prune failed", "error", err)
		} else if n > 0 {
			d.log.Info("pruned verdicts from previous bundles", "count", n)
		}
	}
	return d, nil
}

func (d *Detector) Bundle() *ml.Bundle { return d.bundle }

func (d *Detector) Limits() analyzer.Limits { return d.limits }

func (d *Detector) Interpreter() ml.Interpreter { return d.interp }

type requestIDKey struct{}

// WithRequestID makes the pipeline report id instead of minting one.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ClassifyBytes classifies one in-memory sample. Malformed, oversized or
// slow inputs yield an inconclusive Result, not an error; an error means
// the bundle and extractor disagree and the deployment is broken.
func (d *Detector) ClassifyBytes(ctx context.Context, name string, data []byte) (*Result, error) {
	return d.run(ctx, name, int64(len(data)), func(ctx context.Context, log *slog.Logger) (*Result, error) {
		return d.classify(ctx, log, data)
	})
}

// ClassifyPath reads and classifies the file at path.
func (d *Detector) ClassifyPath(ctx context.Context, path string) (*Result, error) {
	name := filepath.Base(path)
	data, err := analyzer.ReadFile(path, d.limits.MaxFileSize)
	if errors.Is(err, analyzer.ErrTooLarge) {
		size := d.limits.MaxFileSize + 1
		if st, serr := os.Stat(path); serr == nil {
			size = st.Size()
		}
		return d.rejectOversize(ctx, name, size, err)
	}
	if err != nil {
		return nil, err
	}
	return d.ClassifyBytes(ctx, name, data)
}

// ClassifyReader spools r to a scratch file and classifies it. The scratch
// file is removed before ClassifyReader returns.
func (d *Detector) ClassifyReader(ctx context.Context, name string, r io.Reader) (*Result, error) {
	f, err := os.CreateTemp(d.scratchDir, "ransomguard-*.upload")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch file: %w", err)
	}
	defer func() {
		f.Close()
		if err := os.Remove(f.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			d.log.Warn("scratch file not removed", "path", f.Name(), "error", err)
		}
	}()

	n, err := io.Copy(f, io.LimitReader(r, d.limits.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to spool upload: %w", err)
	}
	if n > d.limits.MaxFileSize {
		cause := &analyzer.MalformedBinaryError{Reason: "upload exceeds maximum file size", Offset: -1, Err: analyzer.ErrTooLarge}
		return d.rejectOversize(ctx, name, n, cause)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind scratch file: %w", err)
	}
	data, err := analyzer.ReadLimited(f, d.limits.MaxFileSize)
	if err != nil {
		return nil, err
	}
	return d.ClassifyBytes(ctx, name, data)
}

// ClassifyDir walks root and classifies every non-empty regular file on a
// pool of workers. visit is called serially. Walking stops early only on
// context cancellation or a deployment error.
func (d *Detector) ClassifyDir(ctx context.Context, root string, workers int, visit func(path string, res *Result, err error)) error {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var mu sync.Mutex
	report := func(path string, res *Result, err error) {
		mu.Lock()
		defer mu.Unlock()
		visit(path, res, err)
	}

	walkErr := filepath.WalkDir(root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			report(path, nil, err)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if de.IsDir() || !de.Type().IsRegular() {
			return nil
		}
		info, err := de.Info()
		if err != nil {
			report(path, nil, err)
			return nil
		}
		if info.Size() == 0 {
			return nil
		}
		g.Go(func() error {
			res, err := d.ClassifyPath(ctx, path)
			report(path, res, err)
			if ml.IsSchemaMismatch(err) {
				return err
			}
			return nil
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return walkErr
}

func (d *Detector) rejectOversize(ctx context.Context, name string, size int64, cause error) (*Result, error) {
	return d.run(ctx, name, size, func(ctx context.Context, log *slog.Logger) (*Result, error) {
		return d.analyse(ctx, log, nil, cause)
	})
}

func (d *Detector) run(ctx context.Context, name string, size int64, fn func(context.Context, *slog.Logger) (*Result, error)) (*Result, error) {
	start := time.Now()
	reqID := RequestID(ctx)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	ctx, span := d.tracer.Start(ctx, "classify", trace.WithAttributes(
		attribute.String("request.id", reqID),
		attribute.String("file.name", name),
		attribute.Int64("file.size", size),
	))
	defer span.End()
	log := d.log.With("request_id", reqID, "file", name)
	log.Debug("received", "size", size)

	res, err := fn(ctx, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "deployment error")
		classifyDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		log.Error("classification aborted", "error", err)
		return nil, err
	}

	out := *res
	out.RequestID = reqID
	out.FileName = name
	out.Size = size

	span.SetAttributes(
		attribute.String("file.sha256", out.SHA256),
		attribute.String("verdict.label", out.Label.String()),
		attribute.String("verdict.tier", string(out.Tier)),
		attribute.Bool("verdict.cached", out.Cached),
	)
	if out.Failure != ml.FailureNone {
		span.SetAttributes(attribute.String("verdict.failure", string(out.Failure)))
		failuresTotal.WithLabelValues(string(out.Failure)).Inc()
	}
	classificationsTotal.WithLabelValues(out.Label.String(), string(out.Tier)).Inc()

	outcome := "ok"
	switch {
	case out.Cached:
		outcome = "cached"
	case out.Inconclusive:
		outcome = "inconclusive"
	}
	classifyDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	log.Info("classified",
		"sha256", out.SHA256,
		"label", out.Label,
		"p_malicious", out.Probabilities[ml.Malicious],
		"tier", out.Tier,
		"failure", out.Failure,
		"cached", out.Cached,
	)
	return &out, nil
}

// classify consults the cache and collapses concurrent requests for the same
// sample into one analysis.
func (d *Detector) classify(ctx context.Context, log *slog.Logger, data []byte) (*Result, error) {
	sha := analyzer.SHA256(data)
	if res := d.cached(sha, int64(len(data)), log); res != nil {
		return res, nil
	}

	v, err, shared := d.flight.Do(sha, func() (any, error) {
		res, err := d.analyse(ctx, log, data, nil)
		if err != nil {
			return nil, err
		}
		res.SHA256 = sha
		d.store(sha, res, log)
		return res, nil
	})
	if shared {
		dedupedTotal.Inc()
	}
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// analyse walks the state machine. A non-nil pre skips parsing and fails
// the request with that cause.
func (d *Detector) analyse(ctx context.Context, log *slog.Logger, data []byte, pre error) (*Result, error) {
	res := &Result{Kind: analyzer.Sniff(data).String(), Stages: []Stage{StageReceived}}
	advance := func(s Stage) {
		res.Stages = append(res.Stages, s)
		log.Debug("stage", "stage", s)
	}

	schema := d.bundle.Schema()
	var vec ml.FeatureVector
	cause := pre
	if cause == nil {
		pctx, span := d.tracer.Start(ctx, "parse")
		pb, err := analyzer.Parse(pctx, data, d.limits)
		if err != nil {
			span.RecordError(err)
			cause = err
		}
		span.End()

		if cause == nil {
			advance(StageParsed)
			ectx, span := d.tracer.Start(ctx, "extract")
			res.Features, err = analyzer.Extract(ectx, pb)
			if err != nil {
				span.RecordError(err)
				cause = err
			}
			span.End()
			if n := len(pb.Anomalies); n > 0 {
				log.Debug("structural anomalies", "count", n)
			}
		}
		if cause == nil {
			advance(StageFeatureExtracted)

			asm := schema.Assemble(res.Features)
			vec = asm.Vector
			res.Dropped = asm.Dropped
			res.Defaulted = len(asm.Defaulted)
			if len(asm.Dropped) > 0 {
				log.Debug("features outside schema ignored", "dropped", asm.Dropped)
			}
			advance(StageVectorized)
		}
	}

	failure := ml.FailureNone
	if cause != nil {
		failure = failureKind(cause)
		res.Err = cause
		vec = schema.Defaults()
		res.Defaulted = schema.Len()
		log.Warn("analysis failed", "kind", res.Kind, "failure", failure, "error", cause)
		advance(StageFailed)
	}

	_, span := d.tracer.Start(ctx, "model")
	defer span.End()
	scaled, err := d.bundle.Scaler().Transform(vec)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scale: %w", err)
	}
	if failure == ml.FailureNone {
		advance(StageScaled)
	}
	label, p, err := d.bundle.Classifier().Classify(scaled)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("classify: %w", err)
	}
	if failure == ml.FailureNone {
		advance(StageClassified)
	}

	res.Verdict = d.interp.Interpret(label, p, failure)
	advance(StageReported)
	return res, nil
}

func (d *Detector) cached(sha string, size int64, log *slog.Logger) *Result {
	if d.cache == nil {
		return nil
	}
	e, ok, err := d.cache.get(d.bundle.Fingerprint(), sha)
	if err != nil {
		cacheLookups.WithLabelValues("error").Inc()
		log.Warn("verdict cache read failed", "error", err)
		return nil
	}
	if !ok {
		cacheLookups.WithLabelValues("miss").Inc()
		return nil
	}
	cacheLookups.WithLabelValues("hit").Inc()
	res := &Result{
		Size:      size,
		SHA256:    sha,
		Kind:      e.Kind,
		Verdict:   e.Verdict,
		Dropped:   e.Dropped,
		Defaulted: e.Defaulted,
		Cached:    true,
		Stages:    []Stage{StageReceived, StageReported},
	}
	if e.Detail != "" {
		res.Err = errors.New(e.Detail)
	}
	return res
}

func (d *Detector) store(sha string, res *Result, log *slog.Logger) {
	if d.cache == nil {
		return
	}
	// Timeouts and size rejections depend on limits, not on the sample.
	if res.Failure == ml.FailureTimeout || res.Failure == ml.FailureTooLarge {
		return
	}
	e := &cacheEntry{Kind: res.Kind, Verdict: res.Verdict, Dropped: res.Dropped, Defaulted: res.Defaulted}
	if res.Err != nil {
		e.Detail = res.Err.Error()
	}
	if err := d.cache.put(d.bundle.Fingerprint(), sha, e); err != nil {
		log.Warn("verdict cache write failed", "error", err)
	}
}

func failureKind(err error) ml.FailureKind {
	switch {
	case errors.Is(err, analyzer.ErrTooLarge):
		return ml.FailureTooLarge
	case analyzer.IsTimeout(err):
		return ml.FailureTimeout
	default:
		return ml.FailureMalformed
	}
}
