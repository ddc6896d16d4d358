package router

import (
	"context"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

type fakeAnalyst struct {
	id      string
	verdict types.AnalystVerdict
	err     error
	calls   int
}

func (f *fakeAnalyst) ID() string { return f.id }
func (f *fakeAnalyst) Analyze(ctx context.Context, req types.AnalysisRequest) (types.AnalystVerdict, error) {
	f.calls++
	return f.verdict, f.err
}

func testRouterConfig() types.RouterConfig {
	cfg := types.DefaultRouterConfig()
	cfg.RateLimitPerSec = 1000
	return cfg
}

var _ = Describe("Router", func() {
	Context("accuracy_first policy", func() {
		It("returns a single verdict from the best-ranked analyst", func() {
			r := NewRouter(zap.NewNop(), testRouterConfig())
			a := &fakeAnalyst{id: "a1", verdict: types.AnalystVerdict{AnalystID: "a1", Sentiment: types.SentimentBullish, Confidence: 0.8}}
			r.Register(a, types.AnalystProfile{AnalystID: "a1", SuccessRate: 0.9})

			results, err := r.Route(context.Background(), types.AnalysisRequest{Symbol: "BTCUSD", Features: types.FeaturePack{}})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(1))
			Expect(results[0].Err).To(BeNil())
			Expect(results[0].Verdict.AnalystID).To(Equal("a1"))
		})
	})

	Context("feature pack caching", func() {
		It("serves an identical request from cache without re-querying the analyst", func() {
			r := NewRouter(zap.NewNop(), testRouterConfig())
			a := &fakeAnalyst{id: "a1", verdict: types.AnalystVerdict{AnalystID: "a1", Confidence: 0.7}}
			r.Register(a, types.AnalystProfile{AnalystID: "a1", SuccessRate: 0.9})

			req := types.AnalysisRequest{Symbol: "BTCUSD", Features: types.FeaturePack{Symbol: "BTCUSD"}}
			_, err := r.Route(context.Background(), req)
			Expect(err).NotTo(HaveOccurred())

			results, err := r.Route(context.Background(), req)
			Expect(err).NotTo(HaveOccurred())
			Expect(results[0].Verdict.Cached).To(BeTrue())
			Expect(a.calls).To(Equal(1))
		})
	})

	Context("consensus policy", func() {
		It("queries every analyst in the consensus set", func() {
			cfg := testRouterConfig()
			cfg.Policy = types.PolicyConsensus
			cfg.ConsensusSize = 2
			r := NewRouter(zap.NewNop(), cfg)
			r.Register(&fakeAnalyst{id: "a1", verdict: types.AnalystVerdict{AnalystID: "a1"}}, types.AnalystProfile{AnalystID: "a1", SuccessRate: 0.9})
			r.Register(&fakeAnalyst{id: "a2", verdict: types.AnalystVerdict{AnalystID: "a2"}}, types.AnalystProfile{AnalystID: "a2", SuccessRate: 0.8})

			results, err := r.Route(context.Background(), types.AnalysisRequest{Symbol: "BTCUSD", Features: types.FeaturePack{Symbol: "BTCUSD"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(2))
		})
	})

	Context("no eligible analyst", func() {
		It("returns ErrNoAnalystAvailable when every analyst is below the success rate floor", func() {
			cfg := testRouterConfig()
			cfg.MinSuccessRate = 0.99
			r := NewRouter(zap.NewNop(), cfg)
			r.Register(&fakeAnalyst{id: "a1"}, types.AnalystProfile{AnalystID: "a1", SuccessRate: 0.5})

			_, err := r.Route(context.Background(), types.AnalysisRequest{Symbol: "BTCUSD"})
			Expect(err).To(MatchError(ErrNoAnalystAvailable))
		})
	})

	Describe("stripMarkdownFence", func() {
		It("strips a fenced JSON code block", func() {
			raw := "```json\n{\"sentiment\":\"bullish\"}\n```"
			Expect(stripMarkdownFence(raw)).To(Equal(`{"sentiment":"bullish"}`))
		})
	})

	Describe("TechnicalFallbackAnalyst", func() {
		It("reports bullish sentiment on an EMA20/EMA50 cross", func() {
			fb := NewTechnicalFallbackAnalyst()
			req := types.AnalysisRequest{
				Timeframe: types.Timeframe1h,
				Features: types.FeaturePack{
					Indicators: map[types.Timeframe]types.IndicatorSnapshot{
						types.Timeframe1h: {Values: map[string]float64{types.IndicatorEMA20: 110, types.IndicatorEMA50: 100}},
					},
				},
			}
			verdict, err := fb.Analyze(context.Background(), req)
			Expect(err).NotTo(HaveOccurred())
			Expect(verdict.Sentiment).To(Equal(types.SentimentBullish))
		})
	})
})
