package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/promptopt/adapter"
	redisadapter "github.com/justapithecus/promptopt/adapter/redis"
	"github.com/justapithecus/promptopt/adapter/webhook"
	"github.com/justapithecus/promptopt/capture"
	"github.com/justapithecus/promptopt/cli/config"
	"github.com/justapithecus/promptopt/client"
	"github.com/justapithecus/promptopt/endpoint"
	"github.com/justapithecus/promptopt/lode"
	"github.com/justapithecus/promptopt/log"
	"github.com/justapithecus/promptopt/metrics"
	"github.com/justapithecus/promptopt/policy"
	"github.com/justapithecus/promptopt/runtime"
	"github.com/justapithecus/promptopt/types"
)

func usageError(format string, args ...any) error {
	return cli.Exit(fmt.Sprintf(format, args...), runtime.ExitCodeUsage)
}

// storageChoice holds parsed archive configuration.
type storageChoice struct {
	dataset   string
	backend   string // "fs" or "s3"
	path      string // fs: directory, s3: bucket/prefix
	region    string
	endpoint  string
	pathStyle bool
}

func (s storageChoice) enabled() bool { return s.path != "" }

func (s storageChoice) s3Config() lode.S3Config {
	bucket, prefix := lode.ParseS3Path(s.path)
	return lode.S3Config{
		Bucket:       bucket,
		Prefix:       prefix,
		Region:       s.region,
		Endpoint:     s.endpoint,
		UsePathStyle: s.pathStyle,
	}
}

// policyChoice holds parsed policy configuration.
type policyChoice struct {
	name      string
	flushMode string
	maxEvents int
	maxBytes  int64
}

// adapterChoice holds parsed notification adapter configuration.
type adapterChoice struct {
	adapterType string
	url         string
	channel     string
	headers     map[string]string
	timeout     time.Duration
	retries     int
}

// runSetup is everything resolved from flags and config that every run
// of a command shares. Per-run collaborators are built by newRunConfig.
type runSetup struct {
	logLevel    log.Option
	selector    *endpoint.Selector
	urls        []string
	clientOpts  []client.Option
	request     types.OptimizeRequest
	noStream    bool
	idleTimeout time.Duration
	retry       runtime.RetryConfig
	storage     storageChoice
	policy      policyChoice
	adapter     adapter.Adapter
	logger      *log.Logger
}

// newRunSetup resolves the shared run configuration. Every returned error
// is a usage error.
func newRunSetup(c *cli.Context) (*runSetup, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	level, err := log.ParseLevel(resolveString(c, "log-level", configVal(cfg, func(c *config.Config) string { return c.Log.Level })))
	if err != nil {
		return nil, usageError("invalid --log-level: %v", err)
	}
	s := &runSetup{logLevel: log.WithLevel(level)}
	s.logger = log.NewLogger(nil, s.logLevel)

	if err := s.resolveService(c, cfg); err != nil {
		return nil, err
	}
	if err := s.resolveRequest(c, cfg); err != nil {
		return nil, err
	}
	s.storage = parseStorageChoice(c, cfg)
	if err := validateStorageConfig(s.storage); err != nil {
		return nil, usageError("invalid storage config: %v", err)
	}
	s.policy = parsePolicyChoice(c, cfg, s.storage.enabled())
	if err := validatePolicyConfig(s.policy, s.storage.enabled()); err != nil {
		return nil, usageError("invalid policy config: %v", err)
	}

	ac, err := parseAdapterChoice(c, cfg)
	if err != nil {
		return nil, usageError("invalid adapter config: %v", err)
	}
	if s.adapter, err = buildAdapter(ac); err != nil {
		return nil, usageError("invalid adapter config: %v", err)
	}
	return s, nil
}

func (s *runSetup) resolveService(c *cli.Context, cfg *config.Config) error {
	var svc config.ServiceConfig
	if cfg != nil {
		svc = cfg.Service
	}

	urls := c.StringSlice("service-url")
	pool := svc.EndpointPool()
	switch {
	case len(urls) > 0:
		pool = &types.EndpointPool{
			Strategy:   types.EndpointStrategy(resolveString(c, "strategy", svc.Strategy)),
			CooldownMs: resolveDuration(c, "cooldown", svc.Cooldown.Duration).Milliseconds(),
		}
		for _, u := range urls {
			pool.Endpoints = append(pool.Endpoints, types.ServiceEndpoint{URL: u})
		}
	case pool == nil:
		return usageError("--service-url is required (or set service.url in --config)")
	default:
		if c.IsSet("strategy") {
			pool.Strategy = types.EndpointStrategy(c.String("strategy"))
		}
		if c.IsSet("cooldown") {
			pool.CooldownMs = c.Duration("cooldown").Milliseconds()
		}
	}

	sel, err := endpoint.NewSelector(pool)
	if err != nil {
		return usageError("invalid service endpoints: %v", err)
	}
	s.selector = sel
	for _, ep := range pool.Endpoints {
		s.urls = append(s.urls, ep.URL)
	}

	headers, err := parseHeaders("header", c.StringSlice("header"), svc.Headers)
	if err != nil {
		return usageError("%v", err)
	}
	if len(headers) > 0 {
		s.clientOpts = append(s.clientOpts, client.WithHeaders(headers))
	}
	if d := resolveDuration(c, "timeout", svc.Timeout.Duration); d > 0 {
		s.clientOpts = append(s.clientOpts, client.WithTimeout(d))
	}
	s.idleTimeout = resolveDuration(c, "idle-timeout", svc.IdleTimeout.Duration)
	return nil
}

func (s *runSetup) resolveRequest(c *cli.Context, cfg *config.Config) error {
	req := types.NewOptimizeRequest("")
	if cfg != nil {
		cfg.Request.Apply(&req)
	}
	if c.IsSet("backend") {
		req.Backend = types.Backend(c.String("backend"))
	}
	if c.IsSet("max-iterations") {
		req.MaxIterations = c.Int("max-iterations")
	}
	if c.IsSet("convergence-threshold") {
		req.ConvergenceThreshold = c.Float64("convergence-threshold")
	}
	if c.Bool("no-force") {
		req.ForceOptimization = false
	}
	if k := c.String("gemini-api-key"); k != "" {
		req.GeminiAPIKey = k
	}
	if k := c.String("xai-api-key"); k != "" {
		req.XAIAPIKey = k
	}

	// Validate everything but the prompt, which each run supplies.
	probe := req
	probe.Prompt = "probe"
	if err := probe.Validate(); err != nil {
		return usageError("invalid request: %v", err)
	}
	s.request = req
	s.noStream = c.Bool("no-stream")

	retries := c.Int("retries")
	if retries < 0 {
		return usageError("--retries must be >= 0, got %d", retries)
	}
	s.retry = runtime.RetryConfig{MaxRetries: retries, Backoff: c.Duration("retry-backoff")}
	return nil
}

func parseStorageChoice(c *cli.Context, cfg *config.Config) storageChoice {
	var st config.StorageConfig
	if cfg != nil {
		st = cfg.Storage
	}
	return storageChoice{
		dataset:   resolveString(c, "storage-dataset", st.Dataset),
		backend:   resolveString(c, "storage-backend", st.Backend),
		path:      resolveString(c, "storage-path", st.Path),
		region:    resolveString(c, "storage-region", st.Region),
		endpoint:  resolveString(c, "storage-endpoint", st.Endpoint),
		pathStyle: resolveBool(c, "storage-s3-path-style", st.S3PathStyle),
	}
}

func validateStorageConfig(s storageChoice) error {
	switch s.backend {
	case "fs":
		if !s.enabled() {
			return nil
		}
		info, err := os.Stat(s.path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("--storage-path %q does not exist; create it first", s.path)
			}
			return fmt.Errorf("--storage-path %q: %w", s.path, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("--storage-path %q is not a directory", s.path)
		}
		return nil
	case "s3":
		if !s.enabled() {
			return fmt.Errorf("--storage-path is required for the s3 backend (bucket/prefix)")
		}
		s3cfg := s.s3Config()
		return s3cfg.Validate()
	default:
		return fmt.Errorf("invalid --storage-backend %q (must be fs or s3)", s.backend)
	}
}

func parsePolicyChoice(c *cli.Context, cfg *config.Config, storage bool) policyChoice {
	var pc config.PolicyConfig
	if cfg != nil {
		pc = cfg.Policy
	}
	choice := policyChoice{
		name:      resolveString(c, "policy", pc.Type),
		flushMode: resolveString(c, "flush-mode", pc.FlushMode),
		maxEvents: resolveInt(c, "buffer-events", pc.BufferEvents),
		maxBytes:  resolveInt64(c, "buffer-bytes", pc.BufferBytes),
	}
	if choice.name == "" {
		choice.name = "noop"
		if storage {
			choice.name = "strict"
		}
	}
	return choice
}

func validatePolicyConfig(choice policyChoice, storage bool) error {
	switch choice.name {
	case "noop":
		return nil
	case "strict":
		if !storage {
			return fmt.Errorf("--policy strict requires --storage-path")
		}
		return nil
	case "buffered":
		if !storage {
			return fmt.Errorf("--policy buffered requires --storage-path")
		}
		if choice.maxEvents <= 0 && choice.maxBytes <= 0 {
			return fmt.Errorf("buffered policy requires buffer limits: --buffer-events > 0 or --buffer-bytes > 0")
		}
		switch policy.FlushMode(choice.flushMode) {
		case policy.FlushAtLeastOnce, policy.FlushBestEffort:
			return nil
		default:
			return fmt.Errorf("invalid --flush-mode %q (must be at_least_once or best_effort)", choice.flushMode)
		}
	default:
		return fmt.Errorf("invalid --policy %q (must be strict, buffered, or noop)", choice.name)
	}
}

func parseAdapterChoice(c *cli.Context, cfg *config.Config) (*adapterChoice, error) {
	var ac config.AdapterConfig
	if cfg != nil {
		ac = cfg.Adapter
	}
	adapterType := resolveString(c, "adapter", ac.Type)
	if adapterType == "" {
		return nil, nil
	}

	headers, err := parseHeaders("adapter-header", c.StringSlice("adapter-header"), ac.Headers)
	if err != nil {
		return nil, err
	}
	choice := &adapterChoice{
		adapterType: adapterType,
		url:         resolveString(c, "adapter-url", ac.URL),
		channel:     resolveString(c, "adapter-channel", ac.Channel),
		headers:     headers,
		timeout:     resolveDuration(c, "adapter-timeout", ac.Timeout.Duration),
		retries:     c.Int("adapter-retries"),
	}
	if !c.IsSet("adapter-retries") && ac.Retries != nil {
		choice.retries = *ac.Retries
	}

	switch adapterType {
	case "webhook", "redis":
		if choice.url == "" {
			return nil, fmt.Errorf("--adapter-url is required for the %s adapter", adapterType)
		}
	default:
		return nil, fmt.Errorf("invalid --adapter %q (must be webhook or redis)", adapterType)
	}
	return choice, nil
}

func buildAdapter(ac *adapterChoice) (adapter.Adapter, error) {
	if ac == nil {
		return nil, nil
	}
	switch ac.adapterType {
	case "webhook":
		return webhook.New(webhook.Config{
			URL:     ac.url,
			Headers: ac.headers,
			Timeout: ac.timeout,
			Retries: ac.retries,
		})
	case "redis":
		return redisadapter.New(redisadapter.Config{
			URL:     ac.url,
			Channel: ac.channel,
			Timeout: ac.timeout,
			Retries: ac.retries,
		})
	default:
		return nil, fmt.Errorf("unknown adapter: %s", ac.adapterType)
	}
}

// Close releases resources shared across runs.
func (s *runSetup) Close() error {
	if s.adapter != nil {
		return s.adapter.Close()
	}
	return nil
}

// runOptions are the per-run extras of a command.
type runOptions struct {
	observer runtime.ProgressObserver
	recorder *capture.Writer
}

// newRunConfig builds the collaborators of one run attempt: logger,
// collector, archive and policy. The orchestrator closes the policy, which
// closes the archive sink.
func (s *runSetup) newRunConfig(ctx context.Context, meta *types.RunMeta, prompt string, opts runOptions) (*runtime.RunConfig, error) {
	req := s.request
	req.Prompt = prompt

	storageBackend := "none"
	if s.storage.enabled() {
		storageBackend = s.storage.backend
	}
	collector := metrics.NewCollector(metrics.Dimensions{
		Policy:         s.policy.name,
		Backend:        string(req.Backend),
		StorageBackend: storageBackend,
		RunID:          meta.RunID,
	})
	logger := log.NewLogger(meta, s.logLevel)

	rc := &runtime.RunConfig{
		Request:       req,
		RunMeta:       meta,
		Selector:      s.selector,
		ClientOptions: s.clientOpts,
		NoStream:      s.noStream,
		IdleTimeout:   s.idleTimeout,
		PolicyName:    s.policy.name,
		Adapter:       s.adapter,
		Recorder:      opts.recorder,
		Observer:      opts.observer,
		Collector:     collector,
		Logger:        logger,
	}

	if !s.storage.enabled() {
		rc.Policy = policy.NewNoopPolicy()
		return rc, nil
	}

	archive, err := s.buildArchive(ctx, meta.RunID, string(req.Backend), time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	rc.Archive = archive
	rc.Files = archive
	rc.StorageLocation = archive.Location()

	sink := lode.NewInstrumentedSink(lode.NewSink(archive), collector)
	pol, err := buildPolicy(s.policy, sink, logger)
	if err != nil {
		return nil, err
	}
	rc.Policy = pol
	return rc, nil
}

func (s *runSetup) buildArchive(ctx context.Context, runID, backend string, startTime time.Time) (*lode.LodeClient, error) {
	cfg := lode.Config{
		Dataset: s.storage.dataset,
		Backend: backend,
		Day:     lode.DeriveDay(startTime),
		RunID:   runID,
		Policy:  s.policy.name,
	}
	switch s.storage.backend {
	case "s3":
		return lode.NewLodeS3Client(ctx, cfg, s.storage.s3Config())
	default:
		return lode.NewLodeClient(cfg, s.storage.path)
	}
}

func buildPolicy(choice policyChoice, sink policy.Sink, logger *log.Logger) (policy.Policy, error) {
	switch choice.name {
	case "strict":
		return policy.NewStrictPolicy(sink), nil
	case "buffered":
		return policy.NewBufferedPolicy(sink, policy.BufferedConfig{
			MaxBufferEvents: choice.maxEvents,
			MaxBufferBytes:  choice.maxBytes,
			FlushMode:       policy.FlushMode(choice.flushMode),
			Logger:          logger,
		})
	case "noop":
		return policy.NewNoopPolicy(), nil
	default:
		return nil, fmt.Errorf("unknown policy: %s", choice.name)
	}
}
