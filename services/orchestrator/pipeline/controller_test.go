// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DealerLens/dealerlens/services/llm"
	"github.com/DealerLens/dealerlens/services/orchestrator/cache"
	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
	"github.com/DealerLens/dealerlens/services/orchestrator/memory"
	"github.com/DealerLens/dealerlens/services/orchestrator/sqlpath"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeMemory struct {
	histories map[string][]datatypes.Message
	appends   []datatypes.Message
	down      bool
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{histories: map[string][]datatypes.Message{}}
}

func (f *fakeMemory) Append(_ context.Context, sid, role, content string) error {
	if f.down {
		return fmt.Errorf("%w: SET", memory.ErrUnavailable)
	}
	msg := datatypes.Message{Role: role, Content: content}
	f.appends = append(f.appends, msg)
	f.histories[sid] = append(f.histories[sid], msg)
	return nil
}

func (f *fakeMemory) History(_ context.Context, sid string) ([]datatypes.Message, error) {
	if f.down {
		return nil, fmt.Errorf("%w: GET", memory.ErrUnavailable)
	}
	return f.histories[sid], nil
}

type fakeCache struct {
	hit       *cache.Hit
	lookupErr error
	stored    map[string]string
	storeCall int
}

func newFakeCache() *fakeCache { return &fakeCache{stored: map[string]string{}} }

func (f *fakeCache) Lookup(_ context.Context, sid, query string) (*cache.Hit, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.hit, nil
}

func (f *fakeCache) Store(_ context.Context, sid, query, response string) error {
	f.storeCall++
	f.stored[query] = response
	return nil
}

type fakeDomain struct {
	result datatypes.ClassificationResult
	calls  int
}

func (f *fakeDomain) Classify(_ context.Context, _ string, _ []datatypes.Message) (datatypes.ClassificationResult, error) {
	f.calls++
	return f.result, nil
}

type fakeSelector struct{ decision datatypes.ContextDecision }

func (f *fakeSelector) Select(_ context.Context, _ string, _ []datatypes.Message) (datatypes.ContextDecision, error) {
	return f.decision, nil
}

type fakeIntent struct {
	result datatypes.IntentResult
	err    error
}

func (f *fakeIntent) Classify(_ context.Context, _, _ string) (datatypes.IntentResult, error) {
	if f.err != nil {
		return datatypes.IntentResult{}, f.err
	}
	return f.result, nil
}

type fakeCompressor struct {
	output string
	calls  int
}

func (f *fakeCompressor) Compress(_ context.Context, priorAnswer, _ string) (string, error) {
	f.calls++
	if f.output != "" {
		return f.output, nil
	}
	return priorAnswer, nil
}

type fakeReform struct {
	output string
	calls  int
}

func (f *fakeReform) Reformulate(_ context.Context, query, _, _ string, _ datatypes.IntentKind) (string, error) {
	f.calls++
	if f.output != "" {
		return f.output, nil
	}
	return query, nil
}

type fakeEntities struct {
	set   datatypes.EntitySet
	calls int
}

func (f *fakeEntities) Extract(_ context.Context, _, _ string) (datatypes.EntitySet, error) {
	f.calls++
	return f.set, nil
}

type fakeFormat struct{ directive string }

func (f *fakeFormat) Detect(_ context.Context, _ string) (string, error) {
	return f.directive, nil
}

type fakeRetriever struct {
	result    datatypes.RetrievalContext
	lastQuery string
	filters   map[string]string
	calls     int
}

func (f *fakeRetriever) Retrieve(_ context.Context, query, _, _ string, metadata map[string]string) (datatypes.RetrievalContext, error) {
	f.calls++
	f.lastQuery = query
	f.filters = metadata
	return f.result, nil
}

type fakeSQLPlanner struct {
	queryType datatypes.SQLQueryType
	entities  map[string]string
}

func (f *fakeSQLPlanner) Classify(_ context.Context, _ string) (datatypes.SQLQueryType, error) {
	return f.queryType, nil
}

func (f *fakeSQLPlanner) ExtractEntities(_ context.Context, _ string) (map[string]string, error) {
	return f.entities, nil
}

type fakeSQLGen struct {
	stmt sqlpath.Statement
	err  error
}

func (f *fakeSQLGen) Generate(_ context.Context, _ string, _ datatypes.SQLQueryType, _ map[string]string) (sqlpath.Statement, error) {
	return f.stmt, f.err
}

type fakeSQLExec struct {
	result sqlpath.ResultSet
	err    error
	calls  int
}

func (f *fakeSQLExec) Execute(_ context.Context, _ sqlpath.Statement) (sqlpath.ResultSet, error) {
	f.calls++
	return f.result, f.err
}

type fakeSQLFormat struct{ answer string }

func (f *fakeSQLFormat) Format(_ context.Context, _ string, _ sqlpath.ResultSet) (string, error) {
	return f.answer, nil
}

type fakeGenerator struct {
	answer    string
	smallTalk string
	err       error
	calls     int
	lastIn    GenerationInputs
}

func (f *fakeGenerator) Generate(_ context.Context, in GenerationInputs, sink TokenSink) (string, error) {
	f.calls++
	f.lastIn = in
	if f.err != nil {
		return "", f.err
	}
	if sink != nil {
		if err := sink(f.answer); err != nil {
			return "", err
		}
	}
	return f.answer, nil
}

func (f *fakeGenerator) SmallTalk(_ context.Context, _ string, sink TokenSink) (string, error) {
	if sink != nil {
		if err := sink(f.smallTalk); err != nil {
			return "", err
		}
	}
	return f.smallTalk, nil
}

type fakeTaskCaller struct{ response string }

func (f *fakeTaskCaller) Call(_ context.Context, _ string, _ []datatypes.Message) (llm.Completion, error) {
	return llm.Completion{Text: f.response}, nil
}

type fakeMetrics struct{ lookups []string }

func (f *fakeMetrics) RecordCacheLookup(outcome string) {
	f.lookups = append(f.lookups, outcome)
}

// harness bundles the fakes with a wired controller.
type harness struct {
	memory    *fakeMemory
	cache     *fakeCache
	domain    *fakeDomain
	selector  *fakeSelector
	intent    *fakeIntent
	compress  *fakeCompressor
	reform    *fakeReform
	entities  *fakeEntities
	format    *fakeFormat
	retriever *fakeRetriever
	sqlPlan   *fakeSQLPlanner
	sqlGen    *fakeSQLGen
	sqlExec   *fakeSQLExec
	sqlFormat *fakeSQLFormat
	generator *fakeGenerator
	caller    *fakeTaskCaller
	metrics   *fakeMetrics

	controller *Controller
}

func newHarness() *harness {
	h := &harness{
		memory:    newFakeMemory(),
		cache:     newFakeCache(),
		domain:    &fakeDomain{result: datatypes.ClassificationResult{Class: datatypes.DomainInDomain}},
		selector:  &fakeSelector{decision: datatypes.ContextDecision{Kind: datatypes.ContextContinuation, MessagesToInclude: 2}},
		intent:    &fakeIntent{result: datatypes.IntentResult{Kind: datatypes.IntentStandalone}},
		compress:  &fakeCompressor{},
		reform:    &fakeReform{},
		entities:  &fakeEntities{set: datatypes.EntitySet{QueryType: datatypes.EntityQueryNone}},
		format:    &fakeFormat{},
		retriever: &fakeRetriever{result: datatypes.RetrievalContext{ContextText: "some context"}},
		sqlPlan:   &fakeSQLPlanner{queryType: datatypes.SQLAggregation, entities: map[string]string{}},
		sqlGen:    &fakeSQLGen{stmt: sqlpath.Statement{SQL: "SELECT COUNT(*) FROM warranty_claims"}},
		sqlExec:   &fakeSQLExec{result: sqlpath.ResultSet{Columns: []string{"count"}, Rows: [][]interface{}{{int64(17)}}}},
		sqlFormat: &fakeSQLFormat{answer: "There were 17 claims."},
		generator: &fakeGenerator{answer: "generated answer", smallTalk: "Hello!"},
		caller:    &fakeTaskCaller{response: "yes"},
		metrics:   &fakeMetrics{},
	}
	h.controller = NewController(Deps{
		Memory:     h.memory,
		Cache:      h.cache,
		Domain:     h.domain,
		Selector:   h.selector,
		Intent:     h.intent,
		Compressor: h.compress,
		Reform:     h.reform,
		Entities:   h.entities,
		Format:     h.format,
		Retriever:  h.retriever,
		SQLPlanner: h.sqlPlan,
		SQLGen:     h.sqlGen,
		SQLExec:    h.sqlExec,
		SQLFormat:  h.sqlFormat,
		Generator:  h.generator,
		Caller:     h.caller,
		Metrics:    h.metrics,
	}, Config{DirectLookupSources: []string{"chat_logs"}})
	return h
}

func request(question string) *datatypes.AnswerRequest {
	return &datatypes.AnswerRequest{
		Question:  question,
		SessionID: "sess-1",
		Source:    "complaints",
		CompanyID: "co-1",
	}
}

// =============================================================================
// Scenarios
// =============================================================================

func TestCacheHitReplaysAndAppendsBothTurns(t *testing.T) {
	h := newHarness()
	h.cache.hit = &cache.Hit{SessionID: "sess-1", Response: "cached answer", Similarity: 0.98}

	var streamed string
	result, err := h.controller.Answer(context.Background(), request("How much is the H6?"),
		func(token string) error { streamed += token; return nil })
	require.NoError(t, err)

	assert.Equal(t, "cached answer", result.Answer)
	assert.True(t, result.Cached)
	assert.Equal(t, RouteCache, result.Route)
	assert.Equal(t, "cached answer", streamed)

	// No classification, generation, or re-store on a hit.
	assert.Zero(t, h.domain.calls)
	assert.Zero(t, h.generator.calls)
	assert.Zero(t, h.cache.storeCall)

	// Both turns appended.
	require.Len(t, h.memory.appends, 2)
	assert.Equal(t, datatypes.RoleUser, h.memory.appends[0].Role)
	assert.Equal(t, "How much is the H6?", h.memory.appends[0].Content)
	assert.Equal(t, datatypes.RoleAssistant, h.memory.appends[1].Role)
	assert.Equal(t, "cached answer", h.memory.appends[1].Content)
}

func TestOutOfDomainShortCircuit(t *testing.T) {
	h := newHarness()
	h.domain.result = datatypes.ClassificationResult{Class: datatypes.DomainOutOfDomain}
	h.memory.histories["sess-1"] = []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "Haval H6 brake problems?"},
		{Role: datatypes.RoleAssistant, Content: "Common brake issues include pad wear."},
	}

	result, err := h.controller.Answer(context.Background(), request("What's the weather in Karachi?"), nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultOODRefusal, result.Answer)
	assert.Equal(t, RouteOutOfDomain, result.Route)
	assert.Zero(t, h.retriever.calls)
	assert.Zero(t, h.generator.calls)
	// History updated, cache untouched.
	assert.Len(t, h.memory.appends, 2)
	assert.Zero(t, h.cache.storeCall)
}

func TestSmallTalkPath(t *testing.T) {
	h := newHarness()
	h.domain.result = datatypes.ClassificationResult{Class: datatypes.DomainSmallTalk}

	result, err := h.controller.Answer(context.Background(), request("hello!"), nil)
	require.NoError(t, err)

	assert.Equal(t, "Hello!", result.Answer)
	assert.Equal(t, RouteSmallTalk, result.Route)
	assert.Zero(t, h.retriever.calls)
	assert.Zero(t, h.cache.storeCall)
	assert.Len(t, h.memory.appends, 2)
}

func TestAnaphoricFollowUpFullPath(t *testing.T) {
	h := newHarness()
	h.memory.histories["sess-1"] = []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "Top H6 problems?"},
		{Role: datatypes.RoleAssistant, Content: "1. Brake 2. AC 3. Trans jerking in 2nd gear, delayed shifts 4. Suspension"},
	}
	h.intent.result = datatypes.IntentResult{Kind: datatypes.IntentContextDependent}
	h.compress.output = "3. Trans jerking in 2nd gear, delayed shifts"
	h.reform.output = "Haval H6 transmission issues summary"

	result, err := h.controller.Answer(context.Background(), request("Summarize point 3 above"), nil)
	require.NoError(t, err)

	assert.Equal(t, "generated answer", result.Answer)
	assert.Equal(t, RouteRetrieval, result.Route)
	assert.Equal(t, 1, h.compress.calls)
	assert.Equal(t, 1, h.reform.calls)
	assert.Equal(t, "Haval H6 transmission issues summary", h.retriever.lastQuery)
	// Completed answers are cached under the raw question.
	assert.Equal(t, "generated answer", h.cache.stored["Summarize point 3 above"])
	assert.Len(t, h.memory.appends, 2)
}

func TestTopicSwitchSkipsCompressAndReformulate(t *testing.T) {
	h := newHarness()
	h.memory.histories["sess-1"] = []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "u"},
		{Role: datatypes.RoleAssistant, Content: "a"},
	}
	h.selector.decision = datatypes.ContextDecision{Kind: datatypes.ContextTopicSwitch, MessagesToInclude: 0}
	// Even a context-dependent intent verdict is overridden.
	h.intent.result = datatypes.IntentResult{Kind: datatypes.IntentContextDependent}

	result, err := h.controller.Answer(context.Background(), request("Jolion fuel economy figures?"), nil)
	require.NoError(t, err)

	assert.Equal(t, RouteRetrieval, result.Route)
	assert.Zero(t, h.compress.calls)
	assert.Zero(t, h.reform.calls)
	assert.Equal(t, "Jolion fuel economy figures?", h.retriever.lastQuery)
}

func TestMetaOpSuppressesEntityExtraction(t *testing.T) {
	h := newHarness()
	h.memory.histories["sess-1"] = []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "u"},
		{Role: datatypes.RoleAssistant, Content: "a long answer"},
	}
	h.selector.decision = datatypes.ContextDecision{Kind: datatypes.ContextMetaOp, MessagesToInclude: 1}
	h.intent.result = datatypes.IntentResult{Kind: datatypes.IntentContextDependent}

	_, err := h.controller.Answer(context.Background(), request("Summarize that"), nil)
	require.NoError(t, err)
	assert.Zero(t, h.entities.calls)
	// The last assistant turn rides along into generation for META_OP.
	assert.Equal(t, "a long answer", h.generator.lastIn.LastAssistantTurn)
}

func TestSingleEntityDirectLookup(t *testing.T) {
	h := newHarness()
	h.entities.set = datatypes.EntitySet{Entities: []string{"Ali Raza"}, QueryType: datatypes.EntityQuerySingle}

	req := request("What did Ali Raza complain about?")
	req.Source = "chat_logs"
	result, err := h.controller.Answer(context.Background(), req, nil)
	require.NoError(t, err)

	assert.Equal(t, RouteDirectEntity, result.Route)
	assert.Equal(t, 1, h.retriever.calls)
	assert.Equal(t, "Ali Raza", h.retriever.filters["customer_name"])
	assert.Equal(t, 1, h.generator.calls)
	assert.Zero(t, h.compress.calls)
}

func TestCacheLookupOutcomesRecorded(t *testing.T) {
	// Miss.
	h := newHarness()
	_, err := h.controller.Answer(context.Background(), request("Haval H6 brake problems?"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"miss"}, h.metrics.lookups)

	// Hit.
	h = newHarness()
	h.cache.hit = &cache.Hit{SessionID: "sess-1", Response: "cached answer", Similarity: 0.98}
	_, err = h.controller.Answer(context.Background(), request("Haval H6 brake problems?"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"hit"}, h.metrics.lookups)

	// Outage.
	h = newHarness()
	h.cache.lookupErr = fmt.Errorf("%w: query", cache.ErrUnavailable)
	_, err = h.controller.Answer(context.Background(), request("Haval H6 brake problems?"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"unavailable"}, h.metrics.lookups)

	// No session id: the cache is bypassed entirely, nothing recorded.
	h = newHarness()
	req := request("Haval H6 brake problems?")
	req.SessionID = ""
	_, err = h.controller.Answer(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Empty(t, h.metrics.lookups)
}

func TestEmptySingleEntitySetFallsBackToRetrieval(t *testing.T) {
	h := newHarness()
	// A malformed extractor verdict: tagged single, no entity payload.
	h.entities.set = datatypes.EntitySet{QueryType: datatypes.EntityQuerySingle}

	req := request("What did the customer complain about?")
	req.Source = "chat_logs"
	result, err := h.controller.Answer(context.Background(), req, nil)
	require.NoError(t, err)

	assert.Equal(t, RouteRetrieval, result.Route)
	assert.Equal(t, 1, h.retriever.calls)
	assert.NotContains(t, h.retriever.filters, "customer_name")
	assert.Equal(t, "generated answer", result.Answer)
}

func TestMemoryOutageDegradesToHistoryless(t *testing.T) {
	h := newHarness()
	h.memory.down = true

	result, err := h.controller.Answer(context.Background(), request("Haval H6 brake problems?"), nil)
	require.NoError(t, err)

	assert.Equal(t, "generated answer", result.Answer)
	// No cache interaction and no appends while the store is down.
	assert.Zero(t, h.cache.storeCall)
	assert.Empty(t, h.memory.appends)
}

func TestCacheOutageIsTreatedAsMiss(t *testing.T) {
	h := newHarness()
	h.cache.lookupErr = fmt.Errorf("%w: query", cache.ErrUnavailable)

	result, err := h.controller.Answer(context.Background(), request("Haval H6 brake problems?"), nil)
	require.NoError(t, err)

	assert.False(t, result.Cached)
	assert.Equal(t, "generated answer", result.Answer)
	// No store on completion either.
	assert.Zero(t, h.cache.storeCall)
	// History still works.
	assert.Len(t, h.memory.appends, 2)
}

func TestParallelIntentFailureDefaultsToStandalone(t *testing.T) {
	h := newHarness()
	h.memory.histories["sess-1"] = []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "u"},
		{Role: datatypes.RoleAssistant, Content: "a"},
	}
	h.intent.err = &llm.ProviderError{Provider: llm.ProviderOpenAI, Task: llm.TaskIntentClassification, Err: errors.New("timeout")}

	result, err := h.controller.Answer(context.Background(), request("Jolion fuel economy?"), nil)
	require.NoError(t, err)

	// Standalone default: straight to retrieval on the raw question.
	assert.Equal(t, RouteRetrieval, result.Route)
	assert.Zero(t, h.reform.calls)
	assert.Equal(t, "Jolion fuel economy?", h.retriever.lastQuery)
}

func TestGenerationFailureIsFatalWithNoCacheWrite(t *testing.T) {
	h := newHarness()
	h.generator.err = &llm.ProviderError{Provider: llm.ProviderOpenAI, Task: llm.TaskAnswerNonThinking, Err: errors.New("503")}

	_, err := h.controller.Answer(context.Background(), request("Haval H6 brake problems?"), nil)
	require.Error(t, err)
	assert.True(t, llm.IsProviderError(err))
	assert.Zero(t, h.cache.storeCall)
	assert.Empty(t, h.memory.appends)
}

func TestSQLAggregationPath(t *testing.T) {
	h := newHarness()

	req := request("How many tyre complaints in December?")
	req.Mode = datatypes.ModeStructured
	h.sqlPlan.entities = map[string]string{"claim_type": "tyre", "month": "12"}

	var streamed string
	result, err := h.controller.Answer(context.Background(), req,
		func(token string) error { streamed += token; return nil })
	require.NoError(t, err)

	assert.Equal(t, RouteSQL, result.Route)
	assert.Equal(t, "There were 17 claims.", result.Answer)
	assert.Equal(t, result.Answer, streamed)
	require.NotNil(t, result.SQLPlan)
	assert.Equal(t, datatypes.SQLAggregation, result.SQLPlan.QueryType)
	assert.True(t, result.SQLPlan.ValidationOK)
	assert.Equal(t, "tyre", result.SQLPlan.Entities["claim_type"])
	// SQL answers are cached like any other completed answer.
	assert.Equal(t, 1, h.cache.storeCall)
}

func TestSQLInvalidYieldsPoliteReply(t *testing.T) {
	h := newHarness()
	h.sqlGen.err = &sqlpath.SQLInvalidError{Reason: "statement must start with SELECT"}

	req := request("Delete all warranty claims")
	req.Mode = datatypes.ModeStructured
	result, err := h.controller.Answer(context.Background(), req, nil)
	require.NoError(t, err)

	assert.Equal(t, sqlInvalidReply, result.Answer)
	assert.Zero(t, h.sqlExec.calls)
	assert.Zero(t, h.cache.storeCall)
	assert.Len(t, h.memory.appends, 2)
}

func TestSQLCapacityYieldsNarrowingSuggestion(t *testing.T) {
	h := newHarness()
	h.sqlExec.err = &sqlpath.SQLCapacityError{RowCap: 1000}

	req := request("List every service visit ever")
	req.Mode = datatypes.ModeStructured
	result, err := h.controller.Answer(context.Background(), req, nil)
	require.NoError(t, err)

	assert.Equal(t, sqlCapacityReply, result.Answer)
	assert.Zero(t, h.cache.storeCall)
}

func TestSQLSemanticFallsBackToRetrieval(t *testing.T) {
	h := newHarness()
	h.sqlPlan.queryType = datatypes.SQLSemantic

	req := request("What do customers say about the H6 ride quality?")
	req.Mode = datatypes.ModeStructured
	result, err := h.controller.Answer(context.Background(), req, nil)
	require.NoError(t, err)

	assert.Equal(t, RouteRetrieval, result.Route)
	assert.Equal(t, 1, h.retriever.calls)
	assert.Zero(t, h.sqlExec.calls)
}

func TestNoSessionBypassesMemoryAndCache(t *testing.T) {
	h := newHarness()
	h.cache.hit = &cache.Hit{SessionID: "", Response: "should never be used"}

	req := request("Haval H6 brake problems?")
	req.SessionID = ""
	result, err := h.controller.Answer(context.Background(), req, nil)
	require.NoError(t, err)

	assert.Equal(t, "generated answer", result.Answer)
	assert.False(t, result.Cached)
	assert.Zero(t, h.cache.storeCall)
	assert.Empty(t, h.memory.appends)
}

func TestInvalidRequestRejected(t *testing.T) {
	h := newHarness()
	_, err := h.controller.Answer(context.Background(), &datatypes.AnswerRequest{Source: "complaints"}, nil)
	require.Error(t, err)
}
