package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/daystats/internal/store"
	"github.com/MarcoPoloResearchLab/daystats/internal/timefmt"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var (
	errMissingStore  = errors.New("ingest: store is required")
	errMissingSource = errors.New("ingest: source is required")
)

// Config describes the dependencies of an Ingestor.
type Config struct {
	Store          *store.Store
	Source         Source
	IgnoreChannels []string
	Logger         *zap.Logger
}

// Ingestor pulls the delta of every stream from a Source into the Store.
type Ingestor struct {
	store      *store.Store
	source     Source
	normalizer timefmt.Normalizer
	ignored    map[string]struct{}
	logger     *zap.Logger
}

// Summary counts what one ingestion pass did.
type Summary struct {
	Streams    int
	Fetched    int
	Inserted   int
	Duplicates int
	Skipped    int
}

// NewIngestor constructs an Ingestor.
func NewIngestor(cfg Config) (*Ingestor, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ignored := make(map[string]struct{}, len(cfg.IgnoreChannels))
	for _, channel := range cfg.IgnoreChannels {
		if trimmed := strings.TrimSpace(channel); trimmed != "" {
			ignored[trimmed] = struct{}{}
		}
	}
	return &Ingestor{
		store:      cfg.Store,
		source:     cfg.Source,
		normalizer: cfg.Store.Normalizer(),
		ignored:    ignored,
		logger:     logger,
	}, nil
}

// Run ingests every stream. Records already stored are ignored; records with an
// unparseable timestamp are logged and skipped. Storage and source failures abort.
func (i *Ingestor) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	streams, err := i.source.Streams(ctx)
	if err != nil {
		return summary, fmt.Errorf("list streams: %w", err)
	}

	seen := make(map[string]struct{})
	for _, stream := range streams {
		after, err := i.latestFor(ctx, stream)
		if err != nil {
			return summary, err
		}

		events, err := i.source.Fetch(ctx, stream, after)
		if err != nil {
			return summary, fmt.Errorf("fetch stream %s: %w", stream, err)
		}
		summary.Streams++
		summary.Fetched += len(events)

		for _, raw := range events {
			if err := i.ingestOne(ctx, raw, seen, &summary); err != nil {
				return summary, fmt.Errorf("stream %s: %w", stream, err)
			}
		}
		i.logger.Info("stream ingested", zap.String("stream", stream), zap.Int("fetched", len(events)))
	}

	i.logger.Info("ingestion finished",
		zap.Int("streams", summary.Streams),
		zap.Int("fetched", summary.Fetched),
		zap.Int("inserted", summary.Inserted),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

func (i *Ingestor) latestFor(ctx context.Context, stream string) (*time.Time, error) {
	latest, found, err := i.store.LatestEventTime(ctx, stream)
	if err != nil || !found {
		return nil, err
	}
	parsed, err := i.normalizer.Parse(latest)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func (i *Ingestor) ingestOne(ctx context.Context, raw RawEvent, seen map[string]struct{}, summary *Summary) error {
	if _, ignored := i.ignored[raw.ChannelID]; ignored && raw.ChannelID != "" {
		summary.Skipped++
		return nil
	}
	naturalKey := strings.TrimSpace(raw.NaturalKey)
	if naturalKey == "" {
		i.logger.Warn("record without natural key skipped", zap.String("stream", raw.Stream))
		summary.Skipped++
		return nil
	}
	occurredAt, err := i.normalizer.Normalize(raw.Timestamp)
	if err != nil {
		i.logger.Warn("record with unparseable timestamp skipped", zap.String("natural_key", naturalKey), zap.Error(err))
		summary.Skipped++
		return nil
	}

	if raw.ChannelID != "" && raw.ChannelName != "" {
		kind := raw.ChannelKind
		if kind == "" {
			kind = store.DimensionChannel
		}
		if err := i.rememberDimension(ctx, seen, store.Dimension{ID: raw.ChannelID, DisplayName: raw.ChannelName, Kind: kind}); err != nil {
			return err
		}
	}
	if raw.UserID != "" && raw.UserName != "" {
		if err := i.rememberDimension(ctx, seen, store.Dimension{ID: raw.UserID, DisplayName: raw.UserName, Kind: store.DimensionUser}); err != nil {
			return err
		}
	}

	event := &store.Event{
		NaturalKey: naturalKey,
		Stream:     raw.Stream,
		ChannelID:  optional(raw.ChannelID),
		UserID:     optional(raw.UserID),
		Type:       raw.Type,
		Body:       raw.Body,
		OccurredAt: occurredAt,
	}
	if len(raw.Metadata) > 0 {
		encoded, err := json.Marshal(raw.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", naturalKey, err)
		}
		event.Metadata = datatypes.JSON(encoded)
	}

	outcome, err := i.store.IngestOrIgnore(ctx, event)
	if err != nil {
		return err
	}
	if outcome == store.Inserted {
		summary.Inserted++
	} else {
		summary.Duplicates++
	}
	return nil
}

// rememberDimension upserts a display name the first time an id is referenced.
func (i *Ingestor) rememberDimension(ctx context.Context, seen map[string]struct{}, dimension store.Dimension) error {
	if _, ok := seen[dimension.ID]; ok {
		return nil
	}
	known, err := i.store.HasDimension(ctx, dimension.ID)
	if err != nil {
		return err
	}
	if !known {
		if err := i.store.UpsertDimension(ctx, dimension); err != nil {
			return err
		}
	}
	seen[dimension.ID] = struct{}{}
	return nil
}

func optional(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
