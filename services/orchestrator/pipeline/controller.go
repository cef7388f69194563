// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/DealerLens/dealerlens/services/llm"
	"github.com/DealerLens/dealerlens/services/orchestrator/cache"
	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
	"github.com/DealerLens/dealerlens/services/orchestrator/memory"
	"github.com/DealerLens/dealerlens/services/orchestrator/sqlpath"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var controllerTracer = otel.Tracer("dealerlens.orchestrator.pipeline")

// =============================================================================
// Dependency interfaces
// =============================================================================

// Each dependency is consumed through the narrowest interface the
// controller needs, so tests can substitute hand-rolled fakes.

type sessionStore interface {
	Append(ctx context.Context, sid, role, content string) error
	History(ctx context.Context, sid string) ([]datatypes.Message, error)
}

type responseCache interface {
	Lookup(ctx context.Context, sid, query string) (*cache.Hit, error)
	Store(ctx context.Context, sid, query, response string) error
}

type domainClassifier interface {
	Classify(ctx context.Context, question string, history []datatypes.Message) (datatypes.ClassificationResult, error)
}

type contextSelector interface {
	Select(ctx context.Context, question string, history []datatypes.Message) (datatypes.ContextDecision, error)
}

type intentClassifier interface {
	Classify(ctx context.Context, question, compressedContext string) (datatypes.IntentResult, error)
}

type historyCompressor interface {
	Compress(ctx context.Context, priorAnswer, query string) (string, error)
}

type queryReformulator interface {
	Reformulate(ctx context.Context, query, compressedContext, source string, intent datatypes.IntentKind) (string, error)
}

type entityExtractor interface {
	Extract(ctx context.Context, query, source string) (datatypes.EntitySet, error)
}

type formatDetector interface {
	Detect(ctx context.Context, query string) (string, error)
}

type corpusRetriever interface {
	Retrieve(ctx context.Context, query, companyID, source string, metadata map[string]string) (datatypes.RetrievalContext, error)
}

type sqlPlanner interface {
	Classify(ctx context.Context, question string) (datatypes.SQLQueryType, error)
	ExtractEntities(ctx context.Context, question string) (map[string]string, error)
}

type sqlGenerator interface {
	Generate(ctx context.Context, question string, queryType datatypes.SQLQueryType, entities map[string]string) (sqlpath.Statement, error)
}

type sqlExecutor interface {
	Execute(ctx context.Context, stmt sqlpath.Statement) (sqlpath.ResultSet, error)
}

type sqlFormatter interface {
	Format(ctx context.Context, question string, result sqlpath.ResultSet) (string, error)
}

type answerGenerator interface {
	Generate(ctx context.Context, in GenerationInputs, sink TokenSink) (string, error)
	SmallTalk(ctx context.Context, question string, sink TokenSink) (string, error)
}

type taskCaller interface {
	Call(ctx context.Context, task string, messages []datatypes.Message) (llm.Completion, error)
}

type cacheLookupRecorder interface {
	RecordCacheLookup(outcome string)
}

// =============================================================================
// States
// =============================================================================

type pipelineState string

const (
	stateStart           pipelineState = "START"
	stateCacheCheck      pipelineState = "CACHE_CHECK"
	stateDomain          pipelineState = "DOMAIN"
	stateOODShortCircuit pipelineState = "OOD_SHORTCIRCUIT"
	stateSmallTalk       pipelineState = "SMALL_TALK"
	stateParallelPrep    pipelineState = "PARALLEL_PREP"
	stateDirectEntity    pipelineState = "DIRECT_ENTITY"
	stateCompress        pipelineState = "COMPRESS"
	stateReformulate     pipelineState = "REFORMULATE"
	stateRetrieve        pipelineState = "RETRIEVE"
	stateSQLPipeline     pipelineState = "SQL_PIPELINE"
	stateGenerate        pipelineState = "GENERATE"
	stateCacheStore      pipelineState = "CACHE_STORE"
	stateHistoryAppend   pipelineState = "HISTORY_APPEND"
	stateEnd             pipelineState = "END"
)

// Route labels reported on AnswerResult.
const (
	RouteCache        = "cache"
	RouteOutOfDomain  = "out_of_domain"
	RouteSmallTalk    = "small_talk"
	RouteDirectEntity = "direct_entity"
	RouteRetrieval    = "retrieval"
	RouteSQL          = "sql"
)

// =============================================================================
// Controller
// =============================================================================

// Config tunes the controller.
type Config struct {
	// OODRefusal is the fixed refusal for out-of-domain questions. No
	// generation cost is spent on it.
	OODRefusal string

	// DirectLookupSources are sources with an entity direct-lookup path.
	DirectLookupSources []string

	// MaxParallelWorkers bounds the prefilter fan-out.
	MaxParallelWorkers int
}

// DefaultOODRefusal is the built-in refusal text.
const DefaultOODRefusal = "I can only help with questions about this dealership's vehicles, sales, service, and customer records. That one is outside what I can answer."

// Controller is the request state machine.
//
// # Description
//
// One Answer call walks the request through cache check, domain gating,
// the parallel prefilter, one of the routing paths (direct entity,
// retrieval, SQL), generation, cache store, and history append. Each
// transition logs a single structured event. Store outages degrade
// (history-less mode, cache treated as miss) rather than failing the
// request; only final-generation failures are fatal.
//
// # Thread Safety
//
// Safe for concurrent use; all per-request state lives on the stack.
type Controller struct {
	memory     sessionStore
	cache      responseCache
	domain     domainClassifier
	selector   contextSelector
	intent     intentClassifier
	compressor historyCompressor
	reform     queryReformulator
	entities   entityExtractor
	format     formatDetector
	retriever  corpusRetriever
	sqlPlan    sqlPlanner
	sqlGen     sqlGenerator
	sqlExec    sqlExecutor
	sqlFormat  sqlFormatter
	generator  answerGenerator
	caller     taskCaller
	metrics    cacheLookupRecorder

	config        Config
	directSources map[string]bool
}

// Deps bundles the controller's collaborators.
type Deps struct {
	Memory     sessionStore
	Cache      responseCache
	Domain     domainClassifier
	Selector   contextSelector
	Intent     intentClassifier
	Compressor historyCompressor
	Reform     queryReformulator
	Entities   entityExtractor
	Format     formatDetector
	Retriever  corpusRetriever
	SQLPlanner sqlPlanner
	SQLGen     sqlGenerator
	SQLExec    sqlExecutor
	SQLFormat  sqlFormatter
	Generator  answerGenerator
	Caller     taskCaller

	// Metrics is optional; nil disables cache-lookup accounting.
	Metrics cacheLookupRecorder
}

// NewController wires a controller.
func NewController(deps Deps, config Config) *Controller {
	if config.OODRefusal == "" {
		config.OODRefusal = DefaultOODRefusal
	}
	if config.MaxParallelWorkers <= 0 {
		config.MaxParallelWorkers = defaultMaxWorkers
	}
	direct := make(map[string]bool, len(config.DirectLookupSources))
	for _, s := range config.DirectLookupSources {
		direct[s] = true
	}
	return &Controller{
		memory:     deps.Memory,
		cache:      deps.Cache,
		domain:     deps.Domain,
		selector:   deps.Selector,
		intent:     deps.Intent,
		compressor: deps.Compressor,
		reform:     deps.Reform,
		entities:   deps.Entities,
		format:     deps.Format,
		retriever:  deps.Retriever,
		sqlPlan:    deps.SQLPlanner,
		sqlGen:     deps.SQLGen,
		sqlExec:    deps.SQLExec,
		sqlFormat:  deps.SQLFormat,
		generator:  deps.Generator,
		caller:     deps.Caller,
		metrics:    deps.Metrics,

		config:        config,
		directSources: direct,
	}
}

// runState is the per-request mutable record threaded through the states.
type runState struct {
	req  *datatypes.AnswerRequest
	sink TokenSink

	history        []datatypes.Message
	memoryDegraded bool
	cacheDegraded  bool

	decision datatypes.ContextDecision
	intent   datatypes.IntentResult
	format   string
	entities datatypes.EntitySet

	citationsNeeded bool
	keywords        []string

	compressed     string
	reformulated   string
	reformDegraded bool

	retrieval datatypes.RetrievalContext
	sqlPlan   *datatypes.SQLPlan

	answer  string
	cached  bool
	route   string
	noCache bool

	fatal error
}

// Answer runs the full pipeline for one request, streaming tokens to
// sink and returning the completed result.
func (c *Controller) Answer(ctx context.Context, req *datatypes.AnswerRequest, sink TokenSink) (datatypes.AnswerResult, error) {
	ctx, span := controllerTracer.Start(ctx, "Controller.Answer")
	defer span.End()

	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		return datatypes.AnswerResult{}, err
	}
	span.SetAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("request.mode", req.Mode),
		attribute.String("request.source", req.Source),
	)

	rs := &runState{req: req, sink: sink, reformulated: req.Question}

	state := stateStart
	for state != stateEnd {
		next := c.step(ctx, state, rs)
		slog.Debug("Pipeline transition",
			"request_id", req.ID, "from", string(state), "to", string(next))
		state = next
	}

	if rs.fatal != nil {
		span.RecordError(rs.fatal)
		span.SetStatus(codes.Error, "pipeline failed")
		return datatypes.AnswerResult{}, rs.fatal
	}

	span.SetAttributes(
		attribute.String("pipeline.route", rs.route),
		attribute.Bool("pipeline.cached", rs.cached),
	)
	return datatypes.AnswerResult{
		Answer:    rs.answer,
		SessionID: req.SessionID,
		Cached:    rs.cached,
		Route:     rs.route,
		Citations: rs.retrieval.Citations,
		SQLPlan:   rs.sqlPlan,
	}, nil
}

// step dispatches one state. Unknown states terminate defensively.
func (c *Controller) step(ctx context.Context, state pipelineState, rs *runState) pipelineState {
	switch state {
	case stateStart:
		return c.runStart(ctx, rs)
	case stateCacheCheck:
		return c.runCacheCheck(ctx, rs)
	case stateDomain:
		return c.runDomain(ctx, rs)
	case stateOODShortCircuit:
		return c.runOOD(rs)
	case stateSmallTalk:
		return c.runSmallTalk(ctx, rs)
	case stateParallelPrep:
		return c.runParallelPrep(ctx, rs)
	case stateDirectEntity:
		return c.runDirectEntity(ctx, rs)
	case stateCompress:
		return c.runCompress(ctx, rs)
	case stateReformulate:
		return c.runReformulate(ctx, rs)
	case stateRetrieve:
		return c.runRetrieve(ctx, rs)
	case stateSQLPipeline:
		return c.runSQLPipeline(ctx, rs)
	case stateGenerate:
		return c.runGenerate(ctx, rs)
	case stateCacheStore:
		return c.runCacheStore(ctx, rs)
	case stateHistoryAppend:
		return c.runHistoryAppend(ctx, rs)
	default:
		rs.fatal = fmt.Errorf("pipeline reached unknown state %q", state)
		return stateEnd
	}
}

// =============================================================================
// State handlers
// =============================================================================

func (c *Controller) runStart(ctx context.Context, rs *runState) pipelineState {
	if rs.req.SessionID == "" {
		// No session: memory and cache are bypassed entirely.
		rs.memoryDegraded = true
		rs.cacheDegraded = true
		return stateDomain
	}

	history, err := c.memory.History(ctx, rs.req.SessionID)
	if err != nil {
		if memory.IsUnavailable(err) {
			// Degrade to history-less mode; also no cache, since a cached
			// reply would be inconsistent with the missing history.
			slog.Warn("Session store unavailable, continuing history-less",
				"request_id", rs.req.ID, "error", err)
			rs.memoryDegraded = true
			rs.cacheDegraded = true
			return stateDomain
		}
		rs.fatal = err
		return stateEnd
	}
	rs.history = history
	return stateCacheCheck
}

func (c *Controller) runCacheCheck(ctx context.Context, rs *runState) pipelineState {
	if rs.cacheDegraded || c.cache == nil {
		return stateDomain
	}
	hit, err := c.cache.Lookup(ctx, rs.req.SessionID, rs.req.Question)
	if err != nil {
		// Treat as miss and skip the completion-time store.
		slog.Warn("Cache lookup failed, treating as miss",
			"request_id", rs.req.ID, "error", err)
		rs.cacheDegraded = true
		c.recordCacheLookup("unavailable")
		return stateDomain
	}
	if hit == nil {
		c.recordCacheLookup("miss")
		return stateDomain
	}
	c.recordCacheLookup("hit")

	rs.answer = hit.Response
	rs.cached = true
	rs.route = RouteCache
	rs.noCache = true
	if rs.sink != nil {
		if err := rs.sink(hit.Response); err != nil {
			rs.fatal = err
			return stateEnd
		}
	}
	return stateHistoryAppend
}

func (c *Controller) runDomain(ctx context.Context, rs *runState) pipelineState {
	result, err := c.domain.Classify(ctx, rs.req.Question, rs.history)
	if err != nil {
		// Without a domain verdict the safest useful behavior is to
		// proceed as in-domain; refusing on an internal error punishes
		// the user for our outage.
		slog.Warn("Domain classification failed, assuming in-domain",
			"request_id", rs.req.ID, "error", err)
		result = datatypes.ClassificationResult{Class: datatypes.DomainInDomain}
	}

	switch result.Class {
	case datatypes.DomainOutOfDomain:
		return stateOODShortCircuit
	case datatypes.DomainSmallTalk:
		return stateSmallTalk
	default:
		return stateParallelPrep
	}
}

func (c *Controller) runOOD(rs *runState) pipelineState {
	rs.answer = c.config.OODRefusal
	rs.route = RouteOutOfDomain
	rs.noCache = true
	if rs.sink != nil {
		if err := rs.sink(rs.answer); err != nil {
			rs.fatal = err
			return stateEnd
		}
	}
	return stateHistoryAppend
}

func (c *Controller) runSmallTalk(ctx context.Context, rs *runState) pipelineState {
	answer, err := c.generator.SmallTalk(ctx, rs.req.Question, rs.sink)
	if err != nil {
		rs.fatal = err
		return stateEnd
	}
	rs.answer = answer
	rs.route = RouteSmallTalk
	// Greetings are cheap to regenerate; keep them out of the cache.
	rs.noCache = true
	return stateHistoryAppend
}

// runParallelPrep runs the context selector prefilter, then fans out the
// parallel phase: intent, format detection, entity extraction, and in
// thinking mode the citation-need check and keyword extraction.
func (c *Controller) runParallelPrep(ctx context.Context, rs *runState) pipelineState {
	if len(rs.history) > 0 {
		decision, err := c.selector.Select(ctx, rs.req.Question, rs.history)
		if err != nil {
			// Safe default: carry the full window rather than dropping
			// the referent of a follow-up.
			slog.Warn("Context selection failed, defaulting to continuation",
				"request_id", rs.req.ID, "error", err)
			decision = datatypes.ContextDecision{Kind: datatypes.ContextContinuation, MessagesToInclude: len(rs.history)}
		}
		rs.decision = decision
	} else {
		rs.decision = datatypes.ContextDecision{Kind: datatypes.ContextTopicSwitch}
	}

	lastAssistant := ""
	if m := lastAssistantTurn(rs.history); m != nil {
		lastAssistant = m.Content
	}

	tasks := map[string]Thunk{
		"intent": func(ctx context.Context) (interface{}, error) {
			return c.intent.Classify(ctx, rs.req.Question, lastAssistant)
		},
		"format": func(ctx context.Context) (interface{}, error) {
			return c.format.Detect(ctx, rs.req.Question)
		},
	}
	// META_OP suppresses entity extraction.
	if rs.decision.Kind != datatypes.ContextMetaOp {
		tasks["entities"] = func(ctx context.Context) (interface{}, error) {
			return c.entities.Extract(ctx, rs.req.Question, rs.req.Source)
		}
	}
	if rs.req.Mode == datatypes.ModeThinking {
		tasks["citations"] = func(ctx context.Context) (interface{}, error) {
			return c.checkCitationsNeeded(ctx, rs.req.Question)
		}
		tasks["keywords"] = func(ctx context.Context) (interface{}, error) {
			return c.extractKeywords(ctx, rs.req.Question)
		}
	}

	results := RunParallel(ctx, tasks, c.config.MaxParallelWorkers)
	c.collectParallel(rs, results)

	// TOPIC_SWITCH (or any zero-message decision) forces standalone.
	if rs.decision.MessagesToInclude == 0 {
		rs.intent = datatypes.IntentResult{Kind: datatypes.IntentStandalone}
	}

	if rs.req.Mode == datatypes.ModeStructured {
		return stateSQLPipeline
	}
	if rs.entities.QueryType == datatypes.EntityQuerySingle && c.directSources[rs.req.Source] {
		return stateDirectEntity
	}
	return stateCompress
}

// collectParallel unpacks the fan-out results, substituting safe defaults
// for failed tasks: intent=standalone, format absent, entities empty,
// citations needed, no keywords.
func (c *Controller) collectParallel(rs *runState, results map[string]TaskResult) {
	rs.intent = datatypes.IntentResult{Kind: datatypes.IntentStandalone}
	rs.citationsNeeded = true

	if r, ok := results["intent"]; ok {
		if r.Err != nil {
			slog.Warn("Intent classification failed, defaulting to standalone",
				"request_id", rs.req.ID, "error", r.Err)
		} else if v, ok := r.Value.(datatypes.IntentResult); ok {
			rs.intent = v
		}
	}
	if r, ok := results["format"]; ok {
		if r.Err != nil {
			slog.Warn("Format detection failed, proceeding without directive",
				"request_id", rs.req.ID, "error", r.Err)
		} else if v, ok := r.Value.(string); ok {
			rs.format = v
		}
	}
	if r, ok := results["entities"]; ok {
		rs.entities = datatypes.EntitySet{QueryType: datatypes.EntityQueryNone}
		if r.Err != nil {
			slog.Warn("Entity extraction failed, proceeding without entities",
				"request_id", rs.req.ID, "error", r.Err)
		} else if v, ok := r.Value.(datatypes.EntitySet); ok {
			rs.entities = v
		}
	}
	if r, ok := results["citations"]; ok && r.Err == nil {
		if v, ok := r.Value.(bool); ok {
			rs.citationsNeeded = v
		}
	}
	if r, ok := results["keywords"]; ok && r.Err == nil {
		if v, ok := r.Value.([]string); ok {
			rs.keywords = v
		}
	}
}

func (c *Controller) runDirectEntity(ctx context.Context, rs *runState) pipelineState {
	if len(rs.entities.Entities) == 0 {
		// A single-entity tag with no entity payload; retrieve normally
		// rather than trusting the tag.
		slog.Warn("Entity set tagged single but empty, using plain retrieval",
			"request_id", rs.req.ID)
		return stateRetrieve
	}

	// Entity-scoped retrieval: filter the corpus down to the one entity
	// and let a single generation call answer from it.
	entity := rs.entities.Entities[0]
	retrieval, err := c.retriever.Retrieve(ctx, rs.req.Question, rs.req.CompanyID, rs.req.Source,
		mergeFilters(rs.req.Filters, map[string]string{"customer_name": entity}))
	if err != nil {
		rs.fatal = fmt.Errorf("direct entity retrieval: %w", err)
		return stateEnd
	}
	rs.retrieval = retrieval
	rs.route = RouteDirectEntity
	return stateGenerate
}

func (c *Controller) runCompress(ctx context.Context, rs *runState) pipelineState {
	if rs.intent.Kind == datatypes.IntentStandalone || rs.decision.MessagesToInclude == 0 {
		// Nothing to compress; reformulation is an identity pass.
		return stateReformulate
	}
	last := lastAssistantTurn(rs.history)
	if last == nil {
		return stateReformulate
	}
	compressed, err := c.compressor.Compress(ctx, last.Content, rs.req.Question)
	if err != nil {
		// Fall back to the raw turn; worse retrieval beats a dead request.
		slog.Warn("History compression failed, using raw turn",
			"request_id", rs.req.ID, "error", err)
		compressed = last.Content
	}
	rs.compressed = compressed
	return stateReformulate
}

func (c *Controller) runReformulate(ctx context.Context, rs *runState) pipelineState {
	if rs.intent.Kind == datatypes.IntentStandalone {
		// Standalone turns retrieve on the raw question; reformulation
		// is never invoked for them.
		rs.reformulated = rs.req.Question
		return stateRetrieve
	}

	reformulated, err := c.reform.Reformulate(ctx, rs.req.Question, rs.compressed, rs.req.Source, rs.intent.Kind)
	if err != nil {
		// Sequential-phase degradation: original query plus a prompt
		// warning that context may be incomplete.
		slog.Warn("Reformulation failed, using original query",
			"request_id", rs.req.ID, "error", err)
		reformulated = rs.req.Question
		rs.reformDegraded = true
	}
	rs.reformulated = reformulated

	// Entity recheck on the rewritten query: a resolved pronoun may have
	// materialized a name the first pass could not see. Suppressed for
	// META_OP decisions.
	if rs.decision.Kind != datatypes.ContextMetaOp &&
		reformulated != rs.req.Question && c.directSources[rs.req.Source] {
		set, err := c.entities.Extract(ctx, reformulated, rs.req.Source)
		if err == nil && set.QueryType == datatypes.EntityQuerySingle {
			rs.entities = set
			return stateDirectEntity
		}
	}
	return stateRetrieve
}

func (c *Controller) runRetrieve(ctx context.Context, rs *runState) pipelineState {
	retrieval, err := c.retriever.Retrieve(ctx, rs.reformulated, rs.req.CompanyID, rs.req.Source, rs.req.Filters)
	if err != nil {
		rs.fatal = fmt.Errorf("retrieval: %w", err)
		return stateEnd
	}
	rs.retrieval = retrieval
	rs.route = RouteRetrieval
	return stateGenerate
}

// Polite fallback responses for the SQL path. Neither is cached.
const (
	sqlInvalidReply  = "I couldn't turn that into a safe database query. Could you re-phrase it, for example \"How many tyre claims were filed in December?\""
	sqlCapacityReply = "That query matches too many records to answer directly. Could you narrow it down, for example to a date range, a model, or a dealership?"
)

func (c *Controller) runSQLPipeline(ctx context.Context, rs *runState) pipelineState {
	queryType, err := c.sqlPlan.Classify(ctx, rs.req.Question)
	if err != nil {
		// Without a type the SQL path cannot proceed; fall back to
		// semantic retrieval, which needs no classification.
		slog.Warn("SQL classification failed, falling back to retrieval",
			"request_id", rs.req.ID, "error", err)
		queryType = datatypes.SQLSemantic
	}
	if queryType == datatypes.SQLSemantic {
		return stateCompress
	}

	entities, err := c.sqlPlan.ExtractEntities(ctx, rs.req.Question)
	if err != nil {
		slog.Warn("SQL entity extraction failed, generating without entities",
			"request_id", rs.req.ID, "error", err)
		entities = map[string]string{}
	}

	plan := &datatypes.SQLPlan{QueryType: queryType, Entities: entities}
	rs.sqlPlan = plan
	rs.route = RouteSQL

	stmt, err := c.sqlGen.Generate(ctx, rs.req.Question, queryType, entities)
	if err != nil {
		if sqlpath.IsSQLInvalid(err) {
			return c.politeSQLReply(rs, sqlInvalidReply)
		}
		rs.fatal = err
		return stateEnd
	}
	plan.GeneratedSQL = stmt.SQL
	plan.ValidationOK = true

	result, err := c.sqlExec.Execute(ctx, stmt)
	if err != nil {
		if sqlpath.IsSQLCapacity(err) {
			return c.politeSQLReply(rs, sqlCapacityReply)
		}
		rs.fatal = fmt.Errorf("sql execution: %w", err)
		return stateEnd
	}

	answer, err := c.sqlFormat.Format(ctx, rs.req.Question, result)
	if err != nil {
		// Result formatting is the final generation of this path.
		rs.fatal = err
		return stateEnd
	}
	rs.answer = answer
	if rs.sink != nil {
		if err := rs.sink(answer); err != nil {
			rs.fatal = err
			return stateEnd
		}
	}
	return stateCacheStore
}

func (c *Controller) politeSQLReply(rs *runState, reply string) pipelineState {
	rs.answer = reply
	rs.noCache = true
	if rs.sink != nil {
		if err := rs.sink(reply); err != nil {
			rs.fatal = err
			return stateEnd
		}
	}
	return stateHistoryAppend
}

func (c *Controller) runGenerate(ctx context.Context, rs *runState) pipelineState {
	lastAssistant := ""
	if rs.decision.Kind == datatypes.ContextMetaOp {
		if m := lastAssistantTurn(rs.history); m != nil {
			lastAssistant = m.Content
		}
	}

	answer, err := c.generator.Generate(ctx, GenerationInputs{
		Question:              rs.reformulated,
		Mode:                  rs.req.Mode,
		FormatDirective:       rs.format,
		Retrieval:             rs.retrieval,
		LastAssistantTurn:     lastAssistant,
		CitationsNeeded:       rs.citationsNeeded,
		Keywords:              rs.keywords,
		ReformulationDegraded: rs.reformDegraded,
	}, rs.sink)
	if err != nil {
		// Fatal: no partial cache write, no history append of a half
		// answer.
		rs.fatal = err
		return stateEnd
	}
	rs.answer = answer
	return stateCacheStore
}

func (c *Controller) runCacheStore(ctx context.Context, rs *runState) pipelineState {
	if rs.noCache || rs.cacheDegraded || c.cache == nil || rs.req.SessionID == "" {
		return stateHistoryAppend
	}
	if err := c.cache.Store(ctx, rs.req.SessionID, rs.req.Question, rs.answer); err != nil {
		slog.Warn("Cache store failed", "request_id", rs.req.ID, "error", err)
	}
	return stateHistoryAppend
}

func (c *Controller) runHistoryAppend(ctx context.Context, rs *runState) pipelineState {
	if rs.memoryDegraded || rs.req.SessionID == "" {
		return stateEnd
	}
	// User turn first, then assistant; cache hits append both as well so
	// a later follow-up sees the replayed exchange.
	if err := c.memory.Append(ctx, rs.req.SessionID, datatypes.RoleUser, rs.req.Question); err != nil {
		slog.Warn("History append (user) failed", "request_id", rs.req.ID, "error", err)
		return stateEnd
	}
	if err := c.memory.Append(ctx, rs.req.SessionID, datatypes.RoleAssistant, rs.answer); err != nil {
		slog.Warn("History append (assistant) failed", "request_id", rs.req.ID, "error", err)
	}
	return stateEnd
}

// =============================================================================
// Mode-gated parallel tasks
// =============================================================================

// checkCitationsNeeded asks the cheap tier whether the answer should
// carry citation markers. Failures default to true upstream.
func (c *Controller) checkCitationsNeeded(ctx context.Context, question string) (bool, error) {
	comp, err := c.caller.Call(ctx, llm.TaskCitationCheck, []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: "Would this question benefit from cited sources in the answer? Reply yes or no."},
		{Role: datatypes.RoleUser, Content: question},
	})
	if err != nil {
		return true, err
	}
	return !strings.HasPrefix(strings.ToLower(strings.TrimSpace(comp.Text)), "no"), nil
}

// extractKeywords pulls salient terms for the thinking-mode prompt.
func (c *Controller) extractKeywords(ctx context.Context, question string) ([]string, error) {
	comp, err := c.caller.Call(ctx, llm.TaskKeywordExtraction, []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: "List the 3-6 most important search terms in this question, comma-separated. Terms only."},
		{Role: datatypes.RoleUser, Content: question},
	})
	if err != nil {
		return nil, err
	}
	var keywords []string
	for _, part := range strings.Split(comp.Text, ",") {
		if kw := strings.TrimSpace(part); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	return keywords, nil
}

// =============================================================================
// Helpers
// =============================================================================

// recordCacheLookup is nil-safe around the optional metrics dependency.
func (c *Controller) recordCacheLookup(outcome string) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(outcome)
	}
}

func lastAssistantTurn(history []datatypes.Message) *datatypes.Message {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == datatypes.RoleAssistant {
			return &history[i]
		}
	}
	return nil
}

func mergeFilters(base, extra map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
