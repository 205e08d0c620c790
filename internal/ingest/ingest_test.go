package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"github.com/fryprotocol/wreckage-engine/internal/correlation"
	"github.com/fryprotocol/wreckage-engine/internal/engine"
	"github.com/fryprotocol/wreckage-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeSubmitter struct {
	err error
	got []model.LossEvent
}

func (f *fakeSubmitter) Submit(_ context.Context, ev model.LossEvent) (model.LossEvent, error) {
	f.got = append(f.got, ev)
	if f.err != nil {
		return model.LossEvent{}, f.err
	}
	return ev, nil
}

func TestDecode(t *testing.T) {
	body := []byte(`{"id":"e1","venue":"venueA","asset":"BTC","amount_usd":"1500.25","exposure_sign":-1,"created_at":"2024-01-02T03:04:05Z"}`)

	ev, err := Decode("wreckage.events", body)
	require.NoError(t, err)
	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, "venueA", ev.Venue)
	assert.Equal(t, "BTC", ev.Asset)
	assert.True(t, ev.AmountUSD.Equal(d(1500.25)))
	assert.Equal(t, -1, ev.ExposureSign)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), ev.CreatedAt)
}

func TestDecode_SubjectFillsVenueAndAsset(t *testing.T) {
	ev, err := Decode("wreckage.events.venueB.ETH", []byte(`{"amount_usd":10,"exposure_sign":1}`))
	require.NoError(t, err)
	assert.Equal(t, "venueB", ev.Venue)
	assert.Equal(t, "ETH", ev.Asset)
	assert.True(t, ev.CreatedAt.IsZero(), "left for the engine to stamp")

	// Body wins over the subject.
	ev, err = Decode("wreckage.events.venueB.ETH", []byte(`{"venue":"venueC","amount_usd":10,"exposure_sign":1}`))
	require.NoError(t, err)
	assert.Equal(t, "venueC", ev.Venue)
	assert.Equal(t, "ETH", ev.Asset)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode("wreckage.events", []byte(`{"amount_usd":`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestHandle_Dispositions(t *testing.T) {
	valid := []byte(`{"id":"e1","venue":"venueA","asset":"BTC","amount_usd":"10","exposure_sign":1}`)

	cases := []struct {
		name string
		data []byte
		err  error
		want Disposition
	}{
		{"accepted", valid, nil, Ack},
		{"duplicate", valid, fmt.Errorf("%w e1", engine.ErrDuplicateEvent), Ack},
		{"invalid", valid, fmt.Errorf("%w: unknown asset", engine.ErrInvalidEvent), Term},
		{"malformed", []byte("not json"), nil, Term},
		{"pool limit", valid, correlation.ErrPoolLimitExceeded, Nak},
		{"venue limit", valid, correlation.ErrVenueLimitExceeded, Nak},
		{"transient", valid, errors.New("boom"), Nak},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &fakeSubmitter{err: tc.err}
			s := NewSubscriber(nil, sub, "wreckage.events.>", nil)
			got := s.Handle(context.Background(), "wreckage.events", tc.data, "")
			assert.Equal(t, tc.want, got, "got %s", got)
		})
	}
}

func TestHandle_SubmitsDecodedEvent(t *testing.T) {
	sub := &fakeSubmitter{}
	s := NewSubscriber(nil, sub, "wreckage.events.>", nil)

	got := s.Handle(context.Background(), "wreckage.events.venueA.BTC", []byte(`{"id":"x","amount_usd":"42","exposure_sign":-1}`), "WRECKAGE_EVENTS-7")
	require.Equal(t, Ack, got)
	require.Len(t, sub.got, 1)
	assert.Equal(t, "venueA", sub.got[0].Venue)
	assert.Equal(t, "BTC", sub.got[0].Asset)
	assert.True(t, sub.got[0].AmountUSD.Equal(d(42)))
	assert.Equal(t, "x", sub.got[0].ID, "body id wins")
}

// dedupSubmitter rejects ids it has already accepted, like the engine.
type dedupSubmitter struct {
	seen map[string]bool
}

func (f *dedupSubmitter) Submit(_ context.Context, ev model.LossEvent) (model.LossEvent, error) {
	if f.seen[ev.ID] {
		return model.LossEvent{}, fmt.Errorf("%w %s", engine.ErrDuplicateEvent, ev.ID)
	}
	f.seen[ev.ID] = true
	return ev, nil
}

func TestHandle_RedeliveryWithoutBodyID(t *testing.T) {
	sub := &dedupSubmitter{seen: map[string]bool{}}
	s := NewSubscriber(nil, sub, "wreckage.events.>", nil)
	body := []byte(`{"amount_usd":"42","exposure_sign":-1}`)

	require.Equal(t, Ack, s.Handle(context.Background(), "wreckage.events.venueA.BTC", body, "WRECKAGE_EVENTS-7"))
	require.Equal(t, Ack, s.Handle(context.Background(), "wreckage.events.venueA.BTC", body, "WRECKAGE_EVENTS-7"))
	assert.Len(t, sub.seen, 1, "redelivery is not queued twice")
	assert.True(t, sub.seen["WRECKAGE_EVENTS-7"])
}

func sampleOutcomes() []model.Outcome {
	a := model.LossEvent{ID: "a", Venue: "venueA", Asset: "BTC", AmountUSD: d(100), ExposureSign: -1}
	b := model.LossEvent{ID: "b", Venue: "venueB", Asset: "BTC", AmountUSD: d(100), ExposureSign: 1}
	c := model.LossEvent{ID: "c", Venue: "venueC", Asset: "ETH", AmountUSD: d(50), ExposureSign: 1}
	r := model.LossEvent{ID: "r", Venue: "venueC", Asset: "SOL", AmountUSD: d(5), ExposureSign: 1}

	return []model.Outcome{
		{Kind: model.OutcomeMatched, Pair: &model.MatchedPair{ID: "p1", First: a, Second: b, NotionalUSD: d(100), RewardMinted: d(150)}},
		{Kind: model.OutcomeRouted, Route: &model.Route{ID: "r1", Event: c, FilledUSD: d(50), RewardMinted: d(60),
			Hops: []model.Hop{{Venue: "venueX", Asset: "ETH", AmountFilled: d(50)}}}},
		{Kind: model.OutcomeRejected, Rejection: &model.Rejection{Event: r, Reason: engine.ReasonNoLiquidity}},
	}
}

func TestAssetOf(t *testing.T) {
	var assets []string
	for _, o := range sampleOutcomes() {
		assets = append(assets, AssetOf(o))
	}
	assert.Equal(t, []string{"BTC", "ETH", "SOL"}, assets)
}

func TestMessages_KeyedByAsset(t *testing.T) {
	outcomes := sampleOutcomes()
	msgs, err := Messages(outcomes)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	for i, m := range msgs {
		assert.Equal(t, AssetOf(outcomes[i]), string(m.Key))
		assert.Equal(t, "kind", m.Headers[0].Key)
		assert.Equal(t, string(outcomes[i].Kind), string(m.Headers[0].Value))

		var env Envelope
		require.NoError(t, sonnet.Unmarshal(m.Value, &env))
		assert.Equal(t, engine.RecordID(outcomes[i]), env.RecordID)
		assert.Equal(t, string(m.Headers[1].Value), env.RecordID)
		assert.Equal(t, outcomes[i].Kind, env.Outcome.Kind)
	}
}

type fakeWriter struct {
	err    error
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w)

	require.NoError(t, p.Publish(context.Background(), sampleOutcomes()))
	assert.Len(t, w.msgs, 3)

	require.NoError(t, p.Publish(context.Background(), nil))
	assert.Len(t, w.msgs, 3, "empty batch writes nothing")

	require.NoError(t, p.Close())
	assert.True(t, w.closed)

	failing := NewKafkaPublisher(&fakeWriter{err: errors.New("broker down")})
	assert.Error(t, failing.Publish(context.Background(), sampleOutcomes()))
}

func TestKafkaPublisher_SatisfiesPublisher(t *testing.T) {
	var _ engine.Publisher = NewKafkaPublisher(nil)
	var _ engine.Publisher = NewJetStreamPublisher(nil, "")
}

func TestJetStreamPublisher_Subject(t *testing.T) {
	p := NewJetStreamPublisher(nil, "")
	outcomes := sampleOutcomes()

	assert.Equal(t, "wreckage.outcomes.matched.BTC", p.Subject(outcomes[0]))
	assert.Equal(t, "wreckage.outcomes.routed.ETH", p.Subject(outcomes[1]))
	assert.Equal(t, "wreckage.outcomes.rejected.SOL", p.Subject(outcomes[2]))

	custom := NewJetStreamPublisher(nil, "desk.out.")
	assert.Equal(t, "desk.out.matched.BTC", custom.Subject(outcomes[0]))
}

func TestStreamConfigs(t *testing.T) {
	cfgs := StreamConfigs("wreckage.events.>", "wreckage.outcomes")
	require.Len(t, cfgs, 2)
	assert.Equal(t, EventsStream, cfgs[0].Name)
	assert.Equal(t, []string{"wreckage.events.>"}, cfgs[0].Subjects)
	assert.Equal(t, OutcomesStream, cfgs[1].Name)
	assert.Equal(t, []string{"wreckage.outcomes.>"}, cfgs[1].Subjects)
}

func TestWaitForBroker_NoBrokers(t *testing.T) {
	assert.ErrorIs(t, WaitForBroker(context.Background(), nil), ErrNoBrokers)
	assert.ErrorIs(t, EnsureTopic(context.Background(), nil, "t"), ErrNoBrokers)
}
