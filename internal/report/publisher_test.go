package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/daystats/internal/aggregate"
	"github.com/MarcoPoloResearchLab/daystats/internal/delivery"
	"github.com/MarcoPoloResearchLab/daystats/internal/runid"
	"github.com/MarcoPoloResearchLab/daystats/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	delivered     []string
	announcements []string
	failOn        string
	failAnnounce  string
}

func (n *recordingNotifier) Deliver(_ context.Context, key, _ string) error {
	if n.failOn != "" && strings.HasSuffix(key, n.failOn) {
		return errors.New("upload rejected")
	}
	n.delivered = append(n.delivered, key)
	return nil
}

func (n *recordingNotifier) Announce(_ context.Context, text string) error {
	if n.failAnnounce != "" && strings.HasPrefix(text, n.failAnnounce) {
		return errors.New("chat unavailable")
	}
	n.announcements = append(n.announcements, text)
	return nil
}

type publisherFixture struct {
	store     *store.Store
	outputDir string
	graphs    string
	days      string
	clock     func() time.Time
}

func newPublisherFixture(t *testing.T) publisherFixture {
	t.Helper()
	dir := t.TempDir()
	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "report.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(store.Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	clock := func() time.Time { return time.Date(2024, time.March, 6, 9, 0, 0, 0, time.UTC) }
	eventStore, err := store.New(store.Config{Database: db, Clock: clock, Location: time.UTC})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	seed := []struct {
		channel    string
		occurredAt string
		count      int
	}{
		{channel: "C1", occurredAt: "2024-03-04 10:00:00", count: 3},
		{channel: "C2", occurredAt: "2024-03-05 11:00:00", count: 1},
	}
	for _, item := range seed {
		for index := 0; index < item.count; index++ {
			channel := item.channel
			event := &store.Event{
				NaturalKey: fmt.Sprintf("%s/%d", item.channel, index),
				ChannelID:  &channel,
				Type:       "message",
				OccurredAt: item.occurredAt,
			}
			if _, err := eventStore.IngestOrIgnore(context.Background(), event); err != nil {
				t.Fatalf("failed to seed event: %v", err)
			}
		}
	}
	if err := eventStore.UpsertDimension(context.Background(), store.Dimension{ID: "C1", DisplayName: "general", Kind: store.DimensionChannel}); err != nil {
		t.Fatalf("failed to seed dimension: %v", err)
	}

	return publisherFixture{
		store:     eventStore,
		outputDir: filepath.Join(dir, "out"),
		graphs:    filepath.Join(dir, "graphs_sent.yml"),
		days:      filepath.Join(dir, "days_sent.yml"),
		clock:     clock,
	}
}

func (f publisherFixture) publisher(t *testing.T, notifier Notifier) *Publisher {
	t.Helper()
	aggregator, err := aggregate.New(aggregate.Config{Store: f.store, Clock: f.clock, IDProvider: runid.Static("run-1")})
	if err != nil {
		t.Fatalf("failed to create aggregator: %v", err)
	}
	if _, err := aggregator.Run(context.Background()); err != nil {
		t.Fatalf("failed to aggregate: %v", err)
	}
	graphs, err := delivery.Load(f.graphs, nil)
	if err != nil {
		t.Fatalf("failed to load graphs ledger: %v", err)
	}
	days, err := delivery.Load(f.days, nil)
	if err != nil {
		t.Fatalf("failed to load days ledger: %v", err)
	}
	renderer, err := NewCSVRenderer(f.outputDir)
	if err != nil {
		t.Fatalf("failed to create renderer: %v", err)
	}
	publisher, err := NewPublisher(Config{
		Aggregator:    aggregator,
		Store:         f.store,
		GraphsTracker: graphs,
		DaysTracker:   days,
		Renderer:      renderer,
		Notifier:      notifier,
		Clock:         f.clock,
		TopChannels:   1,
	})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	return publisher
}

func TestNewPublisherRequiresDependencies(t *testing.T) {
	_, err := NewPublisher(Config{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "report.publish.missing_aggregator" {
		t.Fatalf("expected missing aggregator error, got %v", err)
	}
}

func TestPublishDeliversEachArtifactOnce(t *testing.T) {
	fixture := newPublisherFixture(t)
	notifier := &recordingNotifier{}

	result, err := fixture.publisher(t, notifier).Publish(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Rendered != 3 || result.Delivered != 3 || result.Skipped != 0 || !result.DigestSent {
		t.Fatalf("unexpected first result %+v", result)
	}
	expectedKeys := []string{"2024/03/06/channels-all.csv", "2024/03/06/channels-c1.csv", "2024/03/06/categories.csv"}
	if strings.Join(notifier.delivered, ",") != strings.Join(expectedKeys, ",") {
		t.Fatalf("unexpected deliveries %#v", notifier.delivered)
	}
	if len(notifier.announcements) != 2 || notifier.announcements[0] != "Sent 3 graphs" {
		t.Fatalf("unexpected announcements %#v", notifier.announcements)
	}
	if !strings.Contains(notifier.announcements[1], "1. general: 3") || strings.Contains(notifier.announcements[1], "C2") {
		t.Fatalf("unexpected digest %q", notifier.announcements[1])
	}

	content, err := os.ReadFile(filepath.Join(fixture.outputDir, "2024", "03", "06", "channels-all.csv"))
	if err != nil {
		t.Fatalf("expected rendered artifact: %v", err)
	}
	if string(content) != "day,all,all (weekend)\n2024-03-04,3,0\n2024-03-05,1,0\n" {
		t.Fatalf("unexpected artifact content %q", string(content))
	}

	rerun := &recordingNotifier{}
	second, err := fixture.publisher(t, rerun).Publish(context.Background())
	if err != nil {
		t.Fatalf("unexpected error on rerun: %v", err)
	}
	if second.Delivered != 0 || second.Skipped != 3 || second.DigestSent {
		t.Fatalf("unexpected rerun result %+v", second)
	}
	if len(rerun.delivered) != 0 || len(rerun.announcements) != 0 {
		t.Fatalf("rerun must not notify, got %#v %#v", rerun.delivered, rerun.announcements)
	}
}

func TestPublishKeepsDeliveredKeysWhenALaterDeliveryFails(t *testing.T) {
	fixture := newPublisherFixture(t)
	notifier := &recordingNotifier{failOn: "categories.csv"}

	_, err := fixture.publisher(t, notifier).Publish(context.Background())
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "report.publish.deliver_failed" {
		t.Fatalf("expected delivery failure, got %v", err)
	}

	graphs, err := delivery.Load(fixture.graphs, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !graphs.WasDelivered("2024/03/06/channels-all.csv") || graphs.WasDelivered("2024/03/06/categories.csv") {
		t.Fatalf("unexpected ledger keys %#v", graphs.Keys())
	}

	retry := &recordingNotifier{}
	result, err := fixture.publisher(t, retry).Publish(context.Background())
	if err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if result.Delivered != 1 || len(retry.delivered) != 1 || retry.delivered[0] != "2024/03/06/categories.csv" {
		t.Fatalf("expected only the failed artifact to be retried, got %+v %#v", result, retry.delivered)
	}
}

func TestPublishWithoutRollupsStillSendsDigestOnce(t *testing.T) {
	dir := t.TempDir()
	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "empty.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(store.Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	clock := func() time.Time { return time.Date(2024, time.March, 6, 9, 0, 0, 0, time.UTC) }
	eventStore, err := store.New(store.Config{Database: db, Clock: clock, Location: time.UTC})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	fixture := publisherFixture{
		store:     eventStore,
		outputDir: filepath.Join(dir, "out"),
		graphs:    filepath.Join(dir, "graphs.yml"),
		days:      filepath.Join(dir, "days.yml"),
		clock:     clock,
	}
	notifier := &recordingNotifier{}
	result, err := fixture.publisher(t, notifier).Publish(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Rendered != 0 || !result.DigestSent {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(notifier.announcements) != 1 || notifier.announcements[0] != "No events recorded yet" {
		t.Fatalf("unexpected announcements %#v", notifier.announcements)
	}
}

func TestFailedDigestRetryKeepsOneSnapshotPerDay(t *testing.T) {
	fixture := newPublisherFixture(t)
	ctx := context.Background()

	_, err := fixture.publisher(t, &recordingNotifier{failAnnounce: "Top channels"}).Publish(ctx)
	if err == nil {
		t.Fatalf("expected digest announce failure to abort publishing")
	}

	retry := &recordingNotifier{}
	result, err := fixture.publisher(t, retry).Publish(ctx)
	if err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if !result.DigestSent {
		t.Fatalf("expected digest on retry, got %+v", result)
	}

	snapshots, err := fixture.store.Select(ctx, store.Query{
		Table:   store.TableStatSnapshots,
		Columns: []store.Column{store.ColumnGroupKey},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("expected one snapshot per group for the day, got %d", len(snapshots))
	}
}
