package deadletter

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/errors"
	"github.com/vinayprograms/relay/logging"
	"github.com/vinayprograms/relay/queue"
)

// Group is the consumer group the archiver reads the dead-letter lane with.
const Group = "dlq_archive"

const defaultLimit = 20

// Record is one archived dead letter.
type Record struct {
	MessageID     string    `json:"message_id"`
	CorrelationID string    `json:"correlation_id"`
	TaskKind      string    `json:"task_type"`
	OriginalQueue string    `json:"original_queue"`
	Reason        string    `json:"reason"`
	Errors        string    `json:"errors"`
	Payload       string    `json:"payload"`
	RetryCount    int       `json:"retry_count"`
	FailedAt      time.Time `json:"failed_at"`
	ArchivedAt    time.Time `json:"archived_at"`
}

// Archive is a bleve index of dead letters.
type Archive struct {
	mu     sync.RWMutex
	index  bleve.Index
	logger *logging.Logger
	now    func() time.Time
}

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Archive) { a.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Archive) { a.now = now }
}

// Open opens the index at path, creating it if needed. An empty path keeps
// the index in memory.
func Open(path string, opts ...Option) (*Archive, error) {
	a := &Archive{now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.New()
	}
	a.logger = a.logger.WithComponent("deadletter")

	var err error
	switch {
	case path == "":
		a.index, err = bleve.NewMemOnly(buildIndexMapping())
	default:
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			a.index, err = bleve.New(path, buildIndexMapping())
		} else {
			a.index, err = bleve.Open(path)
		}
	}
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "opening dead-letter index")
	}
	return a, nil
}

func buildIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	keyword := bleve.NewKeywordFieldMapping()
	date := bleve.NewDateTimeFieldMapping()
	number := bleve.NewNumericFieldMapping()

	doc.AddFieldMappingsAt("message_id", keyword)
	doc.AddFieldMappingsAt("correlation_id", keyword)
	doc.AddFieldMappingsAt("task_type", keyword)
	doc.AddFieldMappingsAt("original_queue", keyword)
	doc.AddFieldMappingsAt("reason", keyword)
	doc.AddFieldMappingsAt("errors", text)
	doc.AddFieldMappingsAt("payload", text)
	doc.AddFieldMappingsAt("retry_count", number)
	doc.AddFieldMappingsAt("failed_at", date)
	doc.AddFieldMappingsAt("archived_at", date)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// Add indexes env. Empty origin and reason are read from the envelope's
// dead-letter block.
func (a *Archive) Add(ctx context.Context, env envelope.Envelope, origin, reason string) error {
	info, _ := queue.DeadLetterInfoOf(env)
	if origin == "" {
		origin = info.OriginalQueue
	}
	if reason == "" {
		reason = info.Reason
	}
	failedAt := info.FailedAt
	if failedAt.IsZero() {
		failedAt = a.now()
	}

	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInternal, "encoding dead-letter payload")
	}
	rec := Record{
		MessageID:     env.Header.MessageID,
		CorrelationID: env.Header.CorrelationID,
		TaskKind:      strings.ToLower(string(env.Header.TaskKind)),
		OriginalQueue: origin,
		Reason:        reason,
		Errors:        strings.Join(validationErrors(env), "\n"),
		Payload:       string(payload),
		RetryCount:    env.Header.RetryCount,
		FailedAt:      failedAt.UTC(),
		ArchivedAt:    a.now().UTC(),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.index.Index(rec.MessageID, rec); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "indexing dead letter "+rec.MessageID)
	}
	return nil
}

func validationErrors(env envelope.Envelope) []string {
	switch v := env.Payload["validation_errors"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Search runs a query-string query, newest failures first. An empty query
// matches everything.
func (a *Archive) Search(ctx context.Context, q string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	var bq query.Query
	if strings.TrimSpace(q) == "" {
		bq = bleve.NewMatchAllQuery()
	} else {
		bq = bleve.NewQueryStringQuery(q)
	}
	req := bleve.NewSearchRequest(bq)
	req.Size = limit
	req.Fields = []string{"*"}
	req.SortBy([]string{"-failed_at", "_id"})

	a.mu.RLock()
	res, err := a.index.SearchInContext(ctx, req)
	a.mu.RUnlock()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "searching dead letters")
	}

	out := make([]Record, 0, len(res.Hits))
	for _, hit := range res.Hits {
		rec := Record{MessageID: hit.ID}
		rec.CorrelationID, _ = hit.Fields["correlation_id"].(string)
		rec.TaskKind, _ = hit.Fields["task_type"].(string)
		rec.OriginalQueue, _ = hit.Fields["original_queue"].(string)
		rec.Reason, _ = hit.Fields["reason"].(string)
		rec.Errors, _ = hit.Fields["errors"].(string)
		rec.Payload, _ = hit.Fields["payload"].(string)
		if n, ok := hit.Fields["retry_count"].(float64); ok {
			rec.RetryCount = int(n)
		}
		rec.FailedAt = parseTime(hit.Fields["failed_at"])
		rec.ArchivedAt = parseTime(hit.Fields["archived_at"])
		out = append(out, rec)
	}
	return out, nil
}

func parseTime(v interface{}) time.Time {
	s, _ := v.(string)
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Count returns the number of archived dead letters.
func (a *Archive) Count() (uint64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, err := a.index.DocCount()
	if err != nil {
		return 0, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "counting dead letters")
	}
	return n, nil
}

// Run indexes every message on the dead-letter lane until ctx is canceled.
func (a *Archive) Run(ctx context.Context, dlq queue.Queue) error {
	a.logger.Info("archiver started", map[string]interface{}{"queue": dlq.Name()})
	return dlq.Consume(ctx, func(ctx context.Context, env *envelope.Envelope) error {
		if err := a.Add(ctx, *env, "", ""); err != nil {
			return err
		}
		a.logger.WithCorrelationID(env.Header.CorrelationID).Debug("archived dead letter", map[string]interface{}{
			"message_id": env.Header.MessageID,
		})
		return nil
	}, queue.WithGroup(Group))
}

// Close closes the index.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index.Close()
}
