package remediation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/healingd/internal/remediation"

// ErrMemoryClosed is returned by operations on a closed Memory.
var ErrMemoryClosed = errors.New("remediation memory is closed")

// Entry is one archived remediation outcome.
type Entry struct {
	Key        string
	Problem    string
	Category   string
	Proposal   Proposal
	Outcome    string
	RecordedAt time.Time
}

// Hint is a past remediation similar to the current problem.
type Hint struct {
	Key        string  `json:"key"`
	Problem    string  `json:"problem"`
	FixType    FixType `json:"fix_type"`
	Title      string  `json:"title"`
	Steps      string  `json:"steps"`
	Outcome    string  `json:"outcome"`
	Similarity float32 `json:"similarity"`
}

// MemoryConfig configures Memory.
type MemoryConfig struct {
	// Path enables persistence. Empty keeps the collection in memory.
	Path       string
	Collection string
	Compress   bool
	// MinSimilarity drops weak matches from Search results.
	MinSimilarity float32
}

// Memory stores archived remediations in an embedded vector collection.
type Memory struct {
	db         *chromem.DB
	collection *chromem.Collection
	config     MemoryConfig
	logger     *zap.Logger

	tracer        trace.Tracer
	searchCounter metric.Int64Counter
	recordCounter metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewMemory opens (or creates) the remediation collection. embed turns text
// into a vector; it is called for every Record and Search.
func NewMemory(cfg MemoryConfig, embed chromem.EmbeddingFunc, logger *zap.Logger) (*Memory, error) {
	if embed == nil {
		return nil, errors.New("embedding function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		cfg.Collection = "healing_reports"
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("creating memory directory %s: %w", cfg.Path, err)
		}
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening remediation memory: %w", err)
		}
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	m := &Memory{
		db:         db,
		collection: collection,
		config:     cfg,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
	}
	m.initMetrics()

	logger.Info("remediation memory initialized",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Int("documents", collection.Count()),
	)
	return m, nil
}

func (m *Memory) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	m.searchCounter, err = meter.Int64Counter(
		"healingd.memory.searches_total",
		metric.WithDescription("Total number of remediation memory searches"),
		metric.WithUnit("{search}"),
	)
	if err != nil {
		m.logger.Warn("failed to create search counter", zap.Error(err))
	}

	m.recordCounter, err = meter.Int64Counter(
		"healingd.memory.records_total",
		metric.WithDescription("Total number of remediations recorded"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		m.logger.Warn("failed to create record counter", zap.Error(err))
	}
}

// Record indexes an archived remediation. A later entry for the same key
// replaces the earlier one.
func (m *Memory) Record(ctx context.Context, e Entry) error {
	ctx, span := m.tracer.Start(ctx, "remediation.memory.record")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.key", e.Key),
		attribute.String("outcome", e.Outcome),
	)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMemoryClosed
	}
	if e.Key == "" || strings.TrimSpace(e.Problem) == "" {
		return errors.New("entry key and problem are required")
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}

	doc := chromem.Document{
		ID:      e.Key,
		Content: e.Problem,
		Metadata: map[string]string{
			"key":         e.Key,
			"category":    e.Category,
			"outcome":     e.Outcome,
			"fix_type":    string(e.Proposal.FixType),
			"title":       e.Proposal.Title,
			"steps":       strings.Join(e.Proposal.Steps, "\n"),
			"recorded_at": strconv.FormatInt(e.RecordedAt.Unix(), 10),
		},
	}
	if err := m.collection.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding remediation %s: %w", e.Key, err)
	}

	if m.recordCounter != nil {
		m.recordCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", e.Outcome)))
	}
	return nil
}

// Search returns up to k past remediations most similar to problem, best
// first. An empty collection yields no hints and no error.
func (m *Memory) Search(ctx context.Context, problem string, k int) ([]Hint, error) {
	ctx, span := m.tracer.Start(ctx, "remediation.memory.search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrMemoryClosed
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if strings.TrimSpace(problem) == "" {
		return nil, errors.New("problem cannot be empty")
	}

	// chromem requires nResults <= document count.
	count := m.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := m.collection.Query(ctx, problem, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying remediation memory: %w", err)
	}

	hints := make([]Hint, 0, len(results))
	for _, r := range results {
		if r.Similarity < m.config.MinSimilarity {
			continue
		}
		hints = append(hints, Hint{
			Key:        r.Metadata["key"],
			Problem:    r.Content,
			FixType:    FixType(r.Metadata["fix_type"]),
			Title:      r.Metadata["title"],
			Steps:      r.Metadata["steps"],
			Outcome:    r.Metadata["outcome"],
			Similarity: r.Similarity,
		})
	}

	if m.searchCounter != nil {
		m.searchCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int("result_count", len(hints))))
	}
	span.SetAttributes(attribute.Int("result_count", len(hints)))
	return hints, nil
}

// Count returns the number of indexed remediations.
func (m *Memory) Count() int {
	return m.collection.Count()
}

// Close marks the memory closed. Persistent collections are written on
// every Record, so there is nothing to flush.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
