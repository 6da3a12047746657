package workers

import (
	"context"
	"testing"

	"meridian/contexts/escrow-core/deal-service/application"
	"meridian/contexts/escrow-core/deal-service/ports"
)

type capturingPublisher struct {
	topics []string
	events []ports.EventEnvelope
}

func (p *capturingPublisher) Publish(_ context.Context, topic string, event ports.EventEnvelope) error {
	p.topics = append(p.topics, topic)
	p.events = append(p.events, event)
	return nil
}

func TestOutboxRelayPublishesPendingOnce(t *testing.T) {
	service, store, _, _ := newWorkerFixture(t)
	ctx := context.Background()

	_, _, err := service.CreateDeal(ctx, "idem-create", application.CreateDealInput{
		BrandID:     "brand-1",
		TotalAmount: 1000,
		Currency:    "USD",
		Milestones:  []application.MilestoneInput{{Title: "Only", Amount: 1000}},
	})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}

	publisher := &capturingPublisher{}
	relay := OutboxRelay{
		Outbox:    store,
		Publisher: publisher,
		Clock:     store,
	}

	if err := relay.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(publisher.events) != 1 {
		t.Fatalf("expected one published event, got %d", len(publisher.events))
	}
	if publisher.topics[0] != application.EventDealCreated {
		t.Fatalf("expected topic %s, got %s", application.EventDealCreated, publisher.topics[0])
	}

	// Published rows do not come back on the next cycle.
	if err := relay.RunOnce(ctx); err != nil {
		t.Fatalf("second run once: %v", err)
	}
	if len(publisher.events) != 1 {
		t.Fatalf("expected no re-publish, got %d events", len(publisher.events))
	}
}
