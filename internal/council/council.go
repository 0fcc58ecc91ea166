// Package council implements the Council Orchestrator (C4): a three-stage
// multi-model deliberation that produces one synthesized Decision plus
// deliberation metadata. Ported close to 1:1 from
// original_source/backend/services/llm_council/council.py's
// stage1/stage2/stage3 flow, Borda aggregation, and "FINAL RANKING:" regex
// parse, restructured around internal/llm.Client instead of the Python
// OpenRouter wrapper.
package council

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradingagent/internal/llm"
)

// Config configures one deliberation (spec §4.4).
type Config struct {
	StageCooldown         time.Duration // non-free-tier per-stage cooldown
	FreeTierStageCooldown time.Duration // longer cooldown when any model is free-tier
	DeliberationCooldown  time.Duration // global minimum gap between deliberations
}

// DefaultConfig mirrors the teacher source's FREE_TIER_STAGE_COOLDOWN=2s,
// DELIBERATION_COOLDOWN=3s, and the paid-tier 0.5s stage cooldown.
func DefaultConfig() Config {
	return Config{
		StageCooldown:         500 * time.Millisecond,
		FreeTierStageCooldown: 2 * time.Second,
		DeliberationCooldown:  3 * time.Second,
	}
}

// Model is one council participant.
type Model struct {
	Name     string
	Client   *llm.Client
	FreeTier bool
}

// deliberationGate is the process-wide global cooldown state (spec §5
// "Shared state policy": "the council between-deliberations timestamp"),
// mirroring the teacher's module-level _last_deliberation_time + asyncio.Lock.
type deliberationGate struct {
	mu       sync.Mutex
	lastRun  time.Time
}

func (g *deliberationGate) wait(cooldown time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.lastRun.IsZero() {
		elapsed := time.Since(g.lastRun)
		if elapsed < cooldown {
			time.Sleep(cooldown - elapsed)
		}
	}
	g.lastRun = time.Now()
}

var globalDeliberationGate = &deliberationGate{}

// StageOneResponse is one model's Stage-1 independent decision.
type StageOneResponse struct {
	Model    string
	Decision llm.Decision
	Raw      string
}

// StageTwoRanking is one model's Stage-2 peer ranking.
type StageTwoRanking struct {
	Model         string
	RawRanking    string
	ParsedRanking []string // ordered "Decision X" labels, best to worst
}

// AggregateRank is one model's Borda-style average peer rank (spec §4.4
// "Aggregate rankings").
type AggregateRank struct {
	Model         string
	AverageRank   float64
	RankingsCount int
}

// Deliberation carries the full audit trail of one council run, embedded in
// the synthesized Decision's Context under "council_deliberation" (spec
// §4.4 "Output").
type Deliberation struct {
	Stage1            []StageOneResponse
	Stage2            []StageTwoRanking
	LabelToModel      map[string]string
	AggregateRankings []AggregateRank
	Chairman          string
	RateLimited       bool
}

// Orchestrator runs three-stage deliberations over a fixed council roster.
type Orchestrator struct {
	cfg      Config
	models   []Model
	chairman Model
	log      zerolog.Logger
}

// New builds an Orchestrator. Per spec §4.6.1, the agent's own model is
// always the first council member and defaults to chairman; callers arrange
// that ordering before calling New.
func New(cfg Config, models []Model, chairman Model, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		models:   models,
		chairman: chairman,
		log:      log.With().Str("component", "council").Logger(),
	}
}

// Decide runs the full three-stage protocol and returns the chairman's
// Decision augmented with a council_deliberation context object. It never
// returns an error: unrecoverable failures degrade to a HOLD, matching the
// llm.Client contract it builds on (spec §4.3/§4.4).
func (o *Orchestrator) Decide(ctx context.Context, req llm.DecideRequest) llm.Decision {
	globalDeliberationGate.wait(o.cfg.DeliberationCooldown)

	stageCooldown := o.cfg.StageCooldown
	hasFreeTier := false
	for _, m := range o.models {
		if m.FreeTier {
			hasFreeTier = true
			break
		}
	}
	if hasFreeTier {
		stageCooldown = o.cfg.FreeTierStageCooldown
	}

	stage1 := o.stageOne(ctx, req, hasFreeTier)
	if len(stage1) == 0 {
		o.log.Warn().Msg("council stage1: all models failed, returning HOLD")
		d := llm.HoldDecision("rate limited")
		d.Context = map[string]interface{}{
			"council_deliberation": Deliberation{RateLimited: true},
		}
		return d
	}

	time.Sleep(stageCooldown)

	stage2, labelToModel := o.stageTwo(ctx, req, stage1)
	aggregate := AggregateRankings(stage2, labelToModel)

	time.Sleep(stageCooldown)

	chairmanDecision := o.stageThree(ctx, req, stage1, stage2)

	deliberation := Deliberation{
		Stage1:            stage1,
		Stage2:            stage2,
		LabelToModel:      labelToModel,
		AggregateRankings: aggregate,
		Chairman:          o.chairman.Name,
	}
	if chairmanDecision.Context == nil {
		chairmanDecision.Context = map[string]interface{}{}
	}
	chairmanDecision.Context["council_deliberation"] = deliberation
	return chairmanDecision
}

// stageOne queries all council models concurrently, staggering free-tier
// models by a small delay to avoid a burst rate-limit rejection (spec §4.4
// "Stage 1").
func (o *Orchestrator) stageOne(ctx context.Context, req llm.DecideRequest, hasFreeTier bool) []StageOneResponse {
	type result struct {
		idx int
		res StageOneResponse
		ok  bool
	}
	out := make(chan result, len(o.models))
	for i, m := range o.models {
		i, m := i, m
		go func() {
			if hasFreeTier && m.FreeTier {
				time.Sleep(time.Duration(i) * 150 * time.Millisecond)
			}
			decision := m.Client.Decide(ctx, req)
			out <- result{idx: i, res: StageOneResponse{Model: m.Name, Decision: decision}, ok: decision.Action != ""}
		}()
	}

	results := make([]StageOneResponse, 0, len(o.models))
	for range o.models {
		r := <-out
		if r.ok {
			results = append(results, r.res)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Model < results[j].Model })
	return results
}

// stageTwo labels Stage-1 responses A, B, C... (fresh per deliberation, not
// persisted to models), sends the labeled anonymized decisions back to each
// council model, and parses each model's "FINAL RANKING:" section.
func (o *Orchestrator) stageTwo(ctx context.Context, req llm.DecideRequest, stage1 []StageOneResponse) ([]StageTwoRanking, map[string]string) {
	labelToModel := make(map[string]string, len(stage1))
	var decisionsText strings.Builder
	for i, r := range stage1 {
		label := fmt.Sprintf("Decision %c", 'A'+i)
		labelToModel[label] = r.Model
		decisionsText.WriteString(fmt.Sprintf("%s:\n%s\n\n", label, r.Decision.Reasoning))
	}

	rankingPrompt := decisionsText.String()

	type result struct {
		res StageTwoRanking
		ok  bool
	}
	out := make(chan result, len(o.models))
	for _, m := range o.models {
		m := m
		go func() {
			rankingReq := req
			rankingReq.StrategyPrompt = req.StrategyPrompt + "\n\nRank these decisions:\n" + rankingPrompt
			decision := m.Client.Decide(ctx, rankingReq)
			raw := decision.Reasoning
			parsed := ParseRanking(raw)
			out <- result{res: StageTwoRanking{Model: m.Name, RawRanking: raw, ParsedRanking: parsed}, ok: decision.Action != ""}
		}()
	}

	results := make([]StageTwoRanking, 0, len(o.models))
	for range o.models {
		r := <-out
		if r.ok {
			results = append(results, r.res)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Model < results[j].Model })
	return results, labelToModel
}

// stageThree sends both prior stages' transcripts to the chairman, which
// must emit a Decision in the same schema as Stage 1.
func (o *Orchestrator) stageThree(ctx context.Context, req llm.DecideRequest, stage1 []StageOneResponse, stage2 []StageTwoRanking) llm.Decision {
	var sb strings.Builder
	sb.WriteString(req.StrategyPrompt)
	sb.WriteString("\n\nSTAGE 1 - Individual Decisions:\n")
	for _, r := range stage1 {
		sb.WriteString(fmt.Sprintf("Model %s: %s\n", r.Model, r.Decision.Reasoning))
	}
	sb.WriteString("\nSTAGE 2 - Peer Rankings:\n")
	for _, r := range stage2 {
		sb.WriteString(fmt.Sprintf("Model %s: %s\n", r.Model, r.RawRanking))
	}

	chairmanReq := req
	chairmanReq.StrategyPrompt = sb.String()

	if o.chairman.Client == nil {
		o.log.Error().Msg("chairman model unavailable, returning HOLD")
		return llm.HoldDecision("council deliberation failed - chairman unable to synthesize decision")
	}
	return o.chairman.Client.Decide(ctx, chairmanReq)
}

var (
	finalRankingSplit = regexp.MustCompile(`(?s)FINAL RANKING:`)
	numberedDecision  = regexp.MustCompile(`\d+\.\s*Decision [A-Z]`)
	decisionLabel     = regexp.MustCompile(`Decision [A-Z]`)
)

// ParseRanking extracts the ordered "Decision X" labels from the trailing
// "FINAL RANKING:" section of a model's Stage-2 response, per spec §4.4
// "Parse the ranking by regex on the trailing section."
func ParseRanking(text string) []string {
	section := text
	if loc := finalRankingSplit.FindStringIndex(text); loc != nil {
		section = text[loc[1]:]
	}
	if matches := numberedDecision.FindAllString(section, -1); len(matches) > 0 {
		labels := make([]string, len(matches))
		for i, m := range matches {
			labels[i] = decisionLabel.FindString(m)
		}
		return labels
	}
	return decisionLabel.FindAllString(section, -1)
}

// AggregateRankings computes the Borda-style average peer rank per model:
// for each model, average its peer-assigned positions across Stage-2
// responses (lower is better), sorted ascending by average rank (spec §4.4
// "Aggregate rankings").
func AggregateRankings(stage2 []StageTwoRanking, labelToModel map[string]string) []AggregateRank {
	positions := make(map[string][]int)
	for _, ranking := range stage2 {
		for i, label := range ranking.ParsedRanking {
			if model, ok := labelToModel[label]; ok {
				positions[model] = append(positions[model], i+1)
			}
		}
	}

	out := make([]AggregateRank, 0, len(positions))
	for model, ps := range positions {
		sum := 0
		for _, p := range ps {
			sum += p
		}
		out = append(out, AggregateRank{
			Model:         model,
			AverageRank:   round2(float64(sum) / float64(len(ps))),
			RankingsCount: len(ps),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AverageRank < out[j].AverageRank })
	return out
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
