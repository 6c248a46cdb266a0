package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/shizue/internal/adapter/llm"
	"github.com/xiaot623/gogo/shizue/internal/channel/channeltest"
	"github.com/xiaot623/gogo/shizue/internal/config"
	"github.com/xiaot623/gogo/shizue/internal/domain"
	"github.com/xiaot623/gogo/shizue/internal/logging"
	"github.com/xiaot623/gogo/shizue/internal/policy"
	"github.com/xiaot623/gogo/shizue/internal/repository"
	"github.com/xiaot623/gogo/shizue/internal/settings"
)

type fixture struct {
	svc   *Service
	store *repository.SQLiteStore
	gw    *llm.MockGateway
}

func newFixture(t *testing.T, gw *llm.MockGateway) *fixture {
	t.Helper()
	f := newFixtureWithGateway(t, gw)
	f.gw = gw
	return f
}

func newFixtureWithGateway(t *testing.T, gw llm.Gateway) *fixture {
	t.Helper()
	return newFixtureOn(t, ":memory:", gw)
}

func newFixtureOn(t *testing.T, dsn string, gw llm.Gateway) *fixture {
	t.Helper()
	store, err := repository.NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	cfg := config.Default()
	svc := New(store, gw, settings.NewStoreProvider(store, cfg), engine,
		Options{FirstFlushChunks: 5, SteadyFlushChunks: 10}, logging.Discard())
	return &fixture{svc: svc, store: store}
}

func (f *fixture) latest(t *testing.T, threadID string) *domain.Message {
	t.Helper()
	msg, err := f.store.GetLatestMessageForThread(context.Background(), threadID)
	require.NoError(t, err)
	require.NotNil(t, msg)
	return msg
}

func (f *fixture) addHuman(t *testing.T, threadID, content string) {
	t.Helper()
	_, err := f.svc.AddMessage(context.Background(), threadID, domain.RoleHuman, content)
	require.NoError(t, err)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func terminalFlags(m *domain.Message) int {
	n := 0
	for _, f := range []bool{m.Done, m.OnInterrupt, m.Stopped} {
		if f {
			n++
		}
	}
	return n
}

func letters(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = string(rune('a' + i))
	}
	return out
}

func TestStreamChatSingleFlushScenario(t *testing.T) {
	f := newFixture(t, &llm.MockGateway{Chunks: []string{"He", "llo", " there", "!"}})
	f.addHuman(t, "t1", "Hi")

	rec := channeltest.NewRecorder()
	f.svc.StreamChat(context.Background(), RunRequest{ThreadID: "t1"}, rec)

	assert.Equal(t, []string{"Hello there!"}, rec.Deltas())
	require.Len(t, rec.Terminal(), 1)
	assert.True(t, rec.Terminal()[0].Done)

	msg := f.latest(t, "t1")
	assert.Equal(t, domain.RoleAI, msg.Role)
	assert.Equal(t, "Hello there!", msg.Content)
	assert.True(t, msg.Done)
	assert.Equal(t, 1, terminalFlags(msg))

	requests := f.gw.Requests()
	require.Len(t, requests, 1)
	input := requests[0].Messages
	require.Len(t, input, 3)
	assert.Equal(t, llm.RoleSystem, input[0].Role)
	assert.Contains(t, input[0].Content, "English")
	assert.Equal(t, llm.Message{Role: llm.RoleAssistant, Content: greeting}, input[1])
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "Hi"}, input[2])
}

func TestStreamChatFlushThresholds(t *testing.T) {
	f := newFixture(t, &llm.MockGateway{Chunks: letters(17)})
	f.addHuman(t, "t1", "go")

	rec := channeltest.NewRecorder()
	f.svc.StreamChat(context.Background(), RunRequest{ThreadID: "t1"}, rec)

	assert.Equal(t, []string{"abcde", "fghijklmno", "pq"}, rec.Deltas())
	msg := f.latest(t, "t1")
	assert.Equal(t, rec.Text(), msg.Content)
	assert.True(t, msg.Done)
}

func TestStreamChatStoresContentFromRequest(t *testing.T) {
	f := newFixture(t, &llm.MockGateway{Chunks: []string{"ok"}})

	rec := channeltest.NewRecorder()
	f.svc.StreamChat(context.Background(), RunRequest{ThreadID: "t1", Content: "What is Go?\nsecond line"}, rec)

	messages, err := f.store.LoadThread(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, domain.RoleHuman, messages[0].Role)
	assert.Equal(t, "ok", messages[1].Content)

	thread, err := f.store.GetThread(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "What is Go?", thread.Title)
}

func TestStreamChatProviderFailureMarksInterrupted(t *testing.T) {
	boom := errors.New("upstream reset")
	f := newFixture(t, &llm.MockGateway{Chunks: letters(7), FailAfter: 6, FailWith: boom})
	f.addHuman(t, "t1", "Hi")

	rec := channeltest.NewRecorder()
	f.svc.StreamChat(context.Background(), RunRequest{ThreadID: "t1"}, rec)

	assert.Equal(t, []string{"abcde"}, rec.Deltas())
	terminal := rec.Terminal()
	require.Len(t, terminal, 1)
	assert.Equal(t, domain.ErrorKindStream, terminal[0].Error)
	assert.Contains(t, terminal[0].Message, "upstream reset")

	msg := f.latest(t, "t1")
	assert.Equal(t, "abcde", msg.Content)
	assert.True(t, msg.OnInterrupt)
	assert.Equal(t, 1, terminalFlags(msg))
}

func TestStreamChatOpenFailureIsStreamError(t *testing.T) {
	f := newFixture(t, &llm.MockGateway{OpenErr: &llm.Error{Kind: llm.ErrorKindAuth, Provider: "openai", Status: 401, Message: "bad key"}})
	f.addHuman(t, "t1", "Hi")

	rec := channeltest.NewRecorder()
	f.svc.StreamChat(context.Background(), RunRequest{ThreadID: "t1"}, rec)

	terminal := rec.Terminal()
	require.Len(t, terminal, 1)
	assert.Equal(t, domain.ErrorKindStream, terminal[0].Error)
	assert.True(t, f.latest(t, "t1").OnInterrupt)
}

func TestStreamChatDisconnectBeforeFirstDelta(t *testing.T) {
	f := newFixture(t, &llm.MockGateway{Chunks: []string{}, HoldOpen: true})
	f.addHuman(t, "t1", "Hi")

	rec := channeltest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.svc.StreamChat(context.Background(), RunRequest{ThreadID: "t1"}, rec)
	}()

	waitFor(t, func() bool { return len(f.gw.Requests()) == 1 })
	rec.Close()
	<-done

	msg := f.latest(t, "t1")
	assert.Equal(t, "", msg.Content)
	assert.True(t, msg.Stopped)
	assert.Equal(t, 1, terminalFlags(msg))
	assert.Empty(t, rec.Events())
}

// closeAtEOF closes the consumer right before the provider finishes.
type closeAtEOF struct {
	*llm.MockGateway
	rec *channeltest.Recorder
}

func (g *closeAtEOF) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	stream, err := g.MockGateway.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return &closeAtEOFStream{Stream: stream, rec: g.rec}, nil
}

type closeAtEOFStream struct {
	llm.Stream
	rec *channeltest.Recorder
}

func (s *closeAtEOFStream) Recv() (llm.Chunk, error) {
	chunk, err := s.Stream.Recv()
	if errors.Is(err, io.EOF) {
		s.rec.Close()
	}
	return chunk, err
}

func TestStreamChatDisconnectBeforeFinalFlushStoresNothing(t *testing.T) {
	rec := channeltest.NewRecorder()
	f := newFixtureWithGateway(t, &closeAtEOF{
		MockGateway: &llm.MockGateway{Chunks: []string{"ab", "cd"}},
		rec:         rec,
	})
	f.addHuman(t, "t1", "Hi")

	f.svc.StreamChat(context.Background(), RunRequest{ThreadID: "t1"}, rec)

	msg := f.latest(t, "t1")
	assert.Equal(t, "", msg.Content)
	assert.True(t, msg.Stopped)
	assert.Equal(t, 1, terminalFlags(msg))
	assert.Empty(t, rec.Events())
}

func TestStreamChatDisconnectMidStream(t *testing.T) {
	f := newFixture(t, &llm.MockGateway{Chunks: letters(8), HoldOpen: true})
	f.addHuman(t, "t1", "Hi")

	rec := channeltest.NewRecorder()
	rec.OnSend = func(n int, _ domain.StreamEvent) {
		if n == 1 {
			rec.Close()
		}
	}
	f.svc.StreamChat(context.Background(), RunRequest{ThreadID: "t1"}, rec)

	msg := f.latest(t, "t1")
	assert.Equal(t, "abcde", msg.Content)
	assert.Equal(t, rec.Text(), msg.Content)
	assert.True(t, msg.Stopped)
	assert.Equal(t, 1, terminalFlags(msg))
	assert.Empty(t, rec.Terminal())
}

func TestStreamChatContextCancelNotifiesOpenChannel(t *testing.T) {
	f := newFixture(t, &llm.MockGateway{Chunks: []string{}, HoldOpen: true})
	f.addHuman(t, "t1", "Hi")

	ctx, cancel := context.WithCancel(context.Background())
	rec := channeltest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.svc.StreamChat(ctx, RunRequest{ThreadID: "t1"}, rec)
	}()

	waitFor(t, func() bool { return len(f.gw.Requests()) == 1 })
	cancel()
	<-done

	terminal := rec.Terminal()
	require.Len(t, terminal, 1)
	assert.Equal(t, domain.ErrorKindStream, terminal[0].Error)
	assert.Equal(t, cancelledMessage, terminal[0].Message)
	assert.True(t, f.latest(t, "t1").Stopped)
}

func TestStreamChatMissingAPIKeyIsSetupError(t *testing.T) {
	f := newFixture(t, &llm.MockGateway{RequireKeys: true})
	f.addHuman(t, "t1", "Hi")

	rec := channeltest.NewRecorder()
	f.svc.StreamChat(context.Background(), RunRequest{ThreadID: "t1"}, rec)

	terminal := rec.Events()
	require.Len(t, terminal, 1)
	assert.Equal(t, domain.ErrorKindSetup, terminal[0].Error)
	assert.Equal(t, "no API key configured for openai", terminal[0].Message)
	assert.Empty(t, f.gw.Requests())

	msg := f.latest(t, "t1")
	assert.Equal(t, domain.RoleAI, msg.Role)
	assert.Equal(t, "", msg.Content)
	assert.True(t, msg.OnInterrupt)

	usage, err := f.store.ListTokenUsage(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, usage)
}

func TestStreamChatConcurrentThreadsAreIndependent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shizue.db")
	gw := &llm.MockGateway{Chunks: letters(26)}
	f := newFixtureOn(t, strings.Replace(config.DefaultDatabaseURL, "shizue.db", path, 1), gw)

	const threads = 8
	recs := make([]*channeltest.Recorder, threads)
	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		threadID := fmt.Sprintf("t%d", i)
		f.addHuman(t, threadID, "go")
		recs[i] = channeltest.NewRecorder()
		wg.Add(1)
		go func(rec *channeltest.Recorder) {
			defer wg.Done()
			f.svc.StreamChat(context.Background(), RunRequest{ThreadID: threadID}, rec)
		}(recs[i])
	}
	wg.Wait()

	want := strings.Join(letters(26), "")
	for i, rec := range recs {
		threadID := fmt.Sprintf("t%d", i)
		require.Len(t, rec.Terminal(), 1, threadID)
		assert.True(t, rec.Terminal()[0].Done, threadID)
		assert.Equal(t, want, rec.Text(), threadID)

		msg := f.latest(t, threadID)
		assert.Equal(t, want, msg.Content, threadID)
		assert.True(t, msg.Done, threadID)
		assert.Equal(t, 1, terminalFlags(msg), threadID)
	}
}

func TestStreamChatRejectsBusyThread(t *testing.T) {
	f := newFixture(t, &llm.MockGateway{Chunks: []string{}, HoldOpen: true})
	f.addHuman(t, "t1", "Hi")

	ctx, cancel := context.WithCancel(context.Background())
	first := channeltest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.svc.StreamChat(ctx, RunRequest{ThreadID: "t1"}, first)
	}()
	waitFor(t, func() bool { return len(f.gw.Requests()) == 1 })

	before, err := f.store.LoadThread(context.Background(), "t1")
	require.NoError(t, err)

	second := channeltest.NewRecorder()
	f.svc.StreamChat(context.Background(), RunRequest{ThreadID: "t1", Content: "again"}, second)
	require.Len(t, second.Events(), 1)
	assert.Equal(t, domain.ErrorKindSetup, second.Events()[0].Error)
	assert.Equal(t, ErrThreadBusy.Error(), second.Events()[0].Message)

	after, err := f.store.LoadThread(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	cancel()
	<-done

	// Other threads are unaffected.
	f.gw.HoldOpen = false

	other := channeltest.NewRecorder()
	f.svc.StreamChat(context.Background(), RunRequest{ThreadID: "t2", Content: "hello"}, other)
	require.Len(t, other.Terminal(), 1)
	assert.True(t, other.Terminal()[0].Done)
	assert.Equal(t, 0, f.svc.Active())
}

func seedConversation(t *testing.T, f *fixture) []domain.Message {
	t.Helper()
	ctx := context.Background()
	for _, m := range []struct {
		role    domain.Role
		content string
	}{
		{domain.RoleHuman, "q1"},
		{domain.RoleSystem, "note"},
		{domain.RoleAI, "a1"},
		{domain.RoleHuman, "q2"},
		{domain.RoleAI, "a2"},
	} {
		_, err := f.svc.AddMessage(ctx, "t1", m.role, m.content)
		require.NoError(t, err)
	}
	messages, err := f.store.LoadThread(ctx, "t1")
	require.NoError(t, err)
	for _, m := range messages {
		if m.Role == domain.RoleAI {
			_, err := f.store.FinalizeMessage(ctx, m.MessageID, domain.FlagDone)
			require.NoError(t, err)
		}
	}
	messages, err = f.store.LoadThread(ctx, "t1")
	require.NoError(t, err)
	return messages
}

func TestRetryStreamChatReplacesOnlyTarget(t *testing.T) {
	f := newFixture(t, &llm.MockGateway{Chunks: []string{"new a1"}})
	before := seedConversation(t, f)

	rec := channeltest.NewRecorder()
	// Index 1 skips the system row: q1, a1, q2, a2.
	f.svc.RetryStreamChat(context.Background(), "t1", 1, domain.ActionChat, rec)

	assert.Equal(t, []string{"new a1"}, rec.Deltas())
	after, err := f.store.LoadThread(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].MessageID, after[i].MessageID)
		if before[i].Content == "a1" {
			assert.Equal(t, "new a1", after[i].Content)
			assert.True(t, after[i].Done)
			assert.Equal(t, 1, terminalFlags(&after[i]))
			continue
		}
		assert.Equal(t, before[i], after[i])
	}

	input := f.gw.Requests()[0].Messages
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "q1"}, input[len(input)-1])
	for _, m := range input {
		assert.NotEqual(t, "q2", m.Content)
		assert.NotEqual(t, "a2", m.Content)
		assert.NotEqual(t, "note", m.Content)
	}
}

func TestRetryStreamChatIgnoresBadTargets(t *testing.T) {
	f := newFixture(t, &llm.MockGateway{Chunks: []string{"x"}})
	before := seedConversation(t, f)

	for _, idx := range []int{0, 2, 4, -1} {
		rec := channeltest.NewRecorder()
		f.svc.RetryStreamChat(context.Background(), "t1", idx, domain.ActionChat, rec)
		assert.Empty(t, rec.Events(), "index %d", idx)
	}

	after, err := f.store.LoadThread(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, f.gw.Requests())
}

func TestTranslateActionUsesTranslationPrompt(t *testing.T) {
	f := newFixture(t, &llm.MockGateway{Chunks: []string{"Bonjour"}})

	rec := channeltest.NewRecorder()
	f.svc.StreamChat(context.Background(), RunRequest{ThreadID: "t1", Content: "Hello", ActionType: domain.ActionTranslate}, rec)

	require.Len(t, rec.Terminal(), 1)
	req := f.gw.Requests()[0]
	assert.Equal(t, "gpt-4o-mini", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Contains(t, req.Messages[0].Content, "translator")
}

func TestCancelNotStartedMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &llm.MockGateway{Chunks: []string{}, HoldOpen: true})
	f.addHuman(t, "t1", "Hi")

	rec := channeltest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.svc.StreamChat(ctx, RunRequest{ThreadID: "t1"}, rec)
	}()
	waitFor(t, func() bool { return len(f.gw.Requests()) == 1 })

	require.NoError(t, f.svc.CancelNotStartedMessage(ctx, "t1"))
	<-done

	msg := f.latest(t, "t1")
	assert.True(t, msg.Stopped)
	assert.Equal(t, "", msg.Content)
	assert.Equal(t, 1, terminalFlags(msg))

	// Terminal rows are left alone.
	require.NoError(t, f.svc.CancelNotStartedMessage(ctx, "t1"))
	again := f.latest(t, "t1")
	assert.Equal(t, msg.Stopped, again.Stopped)
	assert.False(t, again.Done)
	assert.False(t, again.OnInterrupt)

	// A finished answer is never stopped.
	f.gw.HoldOpen = false
	f.gw.Chunks = []string{"fine"}
	f.svc.StreamChat(ctx, RunRequest{ThreadID: "t2", Content: "hello"}, channeltest.NewRecorder())
	require.NoError(t, f.svc.CancelNotStartedMessage(ctx, "t2"))
	finished := f.latest(t, "t2")
	assert.True(t, finished.Done)
	assert.False(t, finished.Stopped)

	// Unknown threads are a no-op.
	require.NoError(t, f.svc.CancelNotStartedMessage(ctx, "missing"))
}

func TestLoadThreadHidesSystemMessages(t *testing.T) {
	f := newFixture(t, llm.NewMockGateway())
	seedConversation(t, f)

	views, err := f.svc.LoadThread(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, views, 4)
	for _, v := range views {
		assert.NotEqual(t, domain.RoleSystem, v.Role)
	}
	assert.Equal(t, "q1", views[0].Content)
	assert.Equal(t, "a2", views[3].Content)
}

func TestTokenUsageRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &llm.MockGateway{Chunks: []string{"a", "b"}, Usage: &llm.Usage{PromptTokens: 9, CompletionTokens: 2, TotalTokens: 11}})

	f.svc.StreamChat(ctx, RunRequest{ThreadID: "t1", Content: "Hi"}, channeltest.NewRecorder())

	report, err := f.svc.TokenUsage(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 11, report.TotalTokens)
	assert.Equal(t, 1, report.RequestCount)
	require.Len(t, report.Records, 1)
	assert.Equal(t, "openai", report.Records[0].Provider)

	_, err = f.svc.TokenUsage(ctx, "yesterday")
	assert.Error(t, err)
}

func TestTokenUsageEstimatedWithoutProviderUsage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &llm.MockGateway{Chunks: []string{"hello ", "world"}})

	f.svc.StreamChat(ctx, RunRequest{ThreadID: "t1", Content: "Hi"}, channeltest.NewRecorder())

	report, err := f.svc.TokenUsage(ctx, "")
	require.NoError(t, err)
	require.Len(t, report.Records, 1)
	assert.Greater(t, report.Records[0].OutputTokens, 0)
	assert.Greater(t, report.Records[0].InputTokens, 0)
}

func TestTranslateText(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &llm.MockGateway{Chunks: []string{"Hallo", " Welt"}})

	out, err := f.svc.TranslateText(ctx, TranslateRequest{Text: "Hello world", Language: "German"})
	require.NoError(t, err)
	assert.Equal(t, "Hallo Welt", out)
	assert.Contains(t, f.gw.Requests()[0].Messages[0].Content, "German")

	_, err = f.svc.TranslateText(ctx, TranslateRequest{Text: "  "})
	assert.Error(t, err)
}

func TestDeleteThreadAndListThreads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, llm.NewMockGateway())
	f.addHuman(t, "t1", "first")
	f.addHuman(t, "t2", "second")

	threads, err := f.svc.ListThreads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, "t2", threads[0].ThreadID)

	require.NoError(t, f.svc.DeleteThread(ctx, "t2"))
	threads, err = f.svc.ListThreads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "t1", threads[0].ThreadID)
}

func TestSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, llm.NewMockGateway())

	require.NoError(t, f.svc.UpdateSettings(ctx, map[string]string{settings.KeyLanguage: "Korean", settings.KeyOpenAIAPIKey: "sk-abcdef"}))
	values, err := f.svc.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Korean", values[settings.KeyLanguage])
	assert.Equal(t, "****cdef", values[settings.KeyOpenAIAPIKey])

	assert.Error(t, f.svc.UpdateSettings(ctx, map[string]string{"nope": "x"}))
}

func TestBuildModelInputSkipsEmptyAndSystem(t *testing.T) {
	input := buildModelInput([]domain.Message{
		{Role: domain.RoleHuman, Content: "hi"},
		{Role: domain.RoleAI, Content: ""},
		{Role: domain.RoleSystem, Content: "hidden"},
		{Role: domain.RoleAI, Content: "hello"},
	}, "Japanese", domain.ActionChat)

	require.Len(t, input, 4)
	assert.Contains(t, input[0].Content, "Japanese")
	assert.Equal(t, llm.RoleUser, input[2].Role)
	assert.Equal(t, llm.Message{Role: llm.RoleAssistant, Content: "hello"}, input[3])
}

func TestThreadTitle(t *testing.T) {
	assert.Equal(t, "New chat", threadTitle("  \n"))
	assert.Equal(t, "line one", threadTitle("line one\nline two"))
	long := "ééééééééééééééééééééééééééééééééééééééééééééééééééééééé"
	assert.Len(t, []rune(threadTitle(long)), 50)
}
