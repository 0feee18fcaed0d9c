package recognition

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-tracker/internal/database"
	"github.com/kozaktomas/face-tracker/internal/metrics"
	"github.com/kozaktomas/face-tracker/internal/notify"
)

// Result is the outcome of ResolveAndClassify.
type Result struct {
	Tier       Tier       `json:"tier"`
	Action     Action     `json:"action"`
	IdentityID *int64     `json:"identity_id"`
	Vector     []float32  `json:"vector"`
	Score      *float64   `json:"score,omitempty"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
	// Persisted is set by AutoAccept when the vector was written.
	Persisted bool `json:"persisted,omitempty"`
}

// Settings configure an Engine.
type Settings struct {
	Threshold     float64
	RecencyWindow time.Duration
	// Dim is the expected vector length; 0 accepts any non-empty vector and
	// leaves the check to the store.
	Dim int
}

// Engine exposes resolve_and_classify and the acceptance operations on top
// of a vector store.
type Engine struct {
	store      database.VectorStore
	resolver   *Resolver
	classifier Classifier
	dim        int
	notifier   notify.Publisher
	log        logr.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the sink receiving recognition events.
func WithNotifier(p notify.Publisher) Option {
	return func(e *Engine) { e.notifier = p }
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClock overrides the classifier's clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.classifier.Now = now }
}

// NewEngine creates an engine over store.
func NewEngine(store database.VectorStore, s Settings, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		resolver:   NewResolver(store, s.Threshold),
		classifier: NewClassifier(s.RecencyWindow),
		dim:        s.Dim,
		notifier:   notify.Discard{},
		log:        logr.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type deviceKey struct{}

// WithDeviceID tags ctx with the capture device that produced a vector.
// The ID is attached to emitted events.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceKey{}, deviceID)
}

// DeviceID returns the device ID stored by WithDeviceID.
func DeviceID(ctx context.Context) string {
	id, _ := ctx.Value(deviceKey{}).(string)
	return id
}

func (e *Engine) validate(vector []float32) error {
	return database.ValidateVector(vector, e.dim)
}

// ResolveAndClassify resolves vector to an identity and assigns a recency
// tier. Nothing is persisted.
func (e *Engine) ResolveAndClassify(ctx context.Context, vector []float32) (Result, error) {
	if err := e.validate(vector); err != nil {
		return Result{}, err
	}

	verdict, err := e.resolver.Resolve(ctx, vector)
	if err != nil {
		e.log.Error(err, "resolve failed")
		return Result{}, err
	}
	c := e.classifier.Classify(verdict)

	res := Result{Tier: c.Tier, Action: c.Action, Vector: vector}
	if verdict.Nearest != nil {
		score := verdict.Nearest.Score
		res.Score = &score
	}
	if verdict.Match != nil {
		id := verdict.Match.IdentityID
		lastSeen := verdict.Match.LastSeen
		res.IdentityID = &id
		res.LastSeen = &lastSeen
	}

	metrics.Classifications.WithLabelValues(string(res.Tier)).Inc()
	e.log.V(1).Info("classified sighting", "tier", res.Tier, "identity_id", res.IdentityID, "score", res.Score)
	e.notifier.Publish(ctx, notify.NewEvent(notify.EventRecognition, notify.EventData{
		Tier:       string(res.Tier),
		IdentityID: res.IdentityID,
		DeviceID:   DeviceID(ctx),
		Score:      res.Score,
	}))
	return res, nil
}

// AcceptNew persists vector as the first embedding of a new identity.
func (e *Engine) AcceptNew(ctx context.Context, vector []float32) (int64, error) {
	if err := e.validate(vector); err != nil {
		return 0, err
	}

	id, err := e.store.InsertFirst(ctx, vector)
	if err != nil {
		return 0, fmt.Errorf("accept new: %w", err)
	}

	metrics.Accepts.WithLabelValues("new").Inc()
	e.log.Info("identity accepted", "identity_id", id)
	e.notifier.Publish(ctx, notify.NewEvent(notify.EventPersonAdded, notify.EventData{
		Tier:       string(TierUnidentified),
		IdentityID: &id,
		DeviceID:   DeviceID(ctx),
	}))
	return id, nil
}

// AcceptSighting appends vector to an existing identity, evicting its oldest
// embeddings when the retention cap is reached.
func (e *Engine) AcceptSighting(ctx context.Context, identityID int64, vector []float32) error {
	if err := e.validate(vector); err != nil {
		return err
	}

	evicted, err := e.store.InsertFor(ctx, identityID, vector)
	if err != nil {
		return fmt.Errorf("accept sighting: %w", err)
	}

	metrics.Accepts.WithLabelValues("sighting").Inc()
	e.log.Info("sighting accepted", "identity_id", identityID, "evicted", evicted)
	e.notifier.Publish(ctx, notify.NewEvent(notify.EventVisitUpdated, notify.EventData{
		Tier:       string(TierStale),
		IdentityID: &identityID,
		DeviceID:   DeviceID(ctx),
	}))
	return nil
}

// ListIdentities returns a snapshot of every identity.
func (e *Engine) ListIdentities(ctx context.Context) ([]database.IdentitySummary, error) {
	out, err := e.store.ListIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return out, nil
}

// AutoAccept applies the staged action of res without operator confirmation:
// unidentified vectors become new identities and stale sightings are appended.
func (e *Engine) AutoAccept(ctx context.Context, res Result) (Result, error) {
	switch res.Action {
	case ActionStageNew:
		id, err := e.AcceptNew(ctx, res.Vector)
		if err != nil {
			return res, err
		}
		res.IdentityID = &id
		res.Persisted = true
	case ActionStageSighting:
		if res.IdentityID == nil {
			return res, fmt.Errorf("%w: stale result without identity", ErrInvalidInput)
		}
		if err := e.AcceptSighting(ctx, *res.IdentityID, res.Vector); err != nil {
			return res, err
		}
		res.Persisted = true
	}
	return res, nil
}

// Threshold returns the similarity threshold in use.
func (e *Engine) Threshold() float64 {
	return e.resolver.Threshold()
}
