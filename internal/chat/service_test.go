package chat

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"personad/internal/database"
	"personad/internal/models"
	"personad/internal/prompt"
	"personad/internal/provider"
	"personad/internal/session"
	"personad/internal/tools"
)

// scriptedCompleter returns queued results in order and records every
// prompt it saw.
type scriptedCompleter struct {
	mu      sync.Mutex
	queue   []*provider.CompletionResult
	errs    []error
	prompts []*prompt.PromptContext
}

func (f *scriptedCompleter) push(text string, calls ...provider.ToolCallRequest) {
	f.queue = append(f.queue, &provider.CompletionResult{Text: text, ToolCalls: calls, FinishReason: "stop"})
	f.errs = append(f.errs, nil)
}

func (f *scriptedCompleter) pushErr(err error) {
	f.queue = append(f.queue, nil)
	f.errs = append(f.errs, err)
}

func (f *scriptedCompleter) Complete(ctx context.Context, conn *models.ProviderConnection, pc *prompt.PromptContext, schemas []provider.ToolSchema) (*provider.CompletionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, pc)
	if len(f.queue) == 0 {
		return &provider.CompletionResult{Text: "default reply", FinishReason: "stop"}, nil
	}
	res, err := f.queue[0], f.errs[0]
	f.queue, f.errs = f.queue[1:], f.errs[1:]
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (f *scriptedCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type mapConns map[string]*models.ProviderConnection

func (m mapConns) Connection(name string) (*models.ProviderConnection, bool) {
	c, ok := m[name]
	return c, ok
}

type stubPlatform struct{}

func (stubPlatform) RecentMessages(ctx context.Context, channel string, limit int) ([]models.PlatformMessage, error) {
	return []models.PlatformMessage{{AuthorName: "sam", Content: "earlier chatter"}}, nil
}
func (stubPlatform) MemberInfo(ctx context.Context, server, userID string) (*models.Member, error) {
	return &models.Member{ID: userID, Username: "sam"}, nil
}
func (stubPlatform) ChannelInfo(ctx context.Context, channel string) (*models.ChannelInfo, error) {
	return &models.ChannelInfo{ID: channel, Name: "general"}, nil
}
func (stubPlatform) EmojiList(ctx context.Context, server string) ([]models.Emoji, error) {
	return nil, nil
}
func (stubPlatform) ServerStats(ctx context.Context, server string) (*models.ServerStats, error) {
	return &models.ServerStats{Name: "Testland", MemberCount: 7, ChannelCount: 2}, nil
}

func testService(t *testing.T, completer Completer) (*Service, *session.Store) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	store := session.NewStore(db, slog.Default())
	svc := NewService(Deps{
		Log:      slog.Default(),
		Registry: NewRegistry(),
		Store:    store,
		Conns: mapConns{"main": {
			Name: "main", Kind: models.ProviderOpenAICompatible, Enabled: true,
			SupportsTools: true, ContextSize: 8000, MaxTokens: 500,
		}},
		Completer: completer,
		Platform:  stubPlatform{},
		Tools:     tools.NewRegistry(),
	})
	return svc, store
}

func addPersona(t *testing.T, svc *Service, settings models.PersonaSettings) *models.Persona {
	t.Helper()
	p := &models.Persona{
		Server: "s1", Channel: "c1", Name: "Aria",
		Connection: "main",
		Card: &models.Card{
			Name:        "Aria",
			Description: "{{char}} is a helpful librarian.",
			FirstMes:    "Welcome to the library, {{user}}.",
		},
		Settings: settings,
	}
	if err := svc.AddPersona(p); err != nil {
		t.Fatalf("AddPersona: %v", err)
	}
	return p
}

func userMsg(content string) *models.IncomingMessage {
	return &models.IncomingMessage{
		ID: "m1", Server: "s1", Channel: "c1",
		AuthorID: "u1", AuthorName: "sam", Content: content,
	}
}

func TestFullTurnAppendsUserAndAssistant(t *testing.T) {
	fc := &scriptedCompleter{}
	fc.push("Of course, the archive is upstairs.")
	svc, store := testService(t, fc)
	p := addPersona(t, svc, models.PersonaSettings{})

	res := svc.HandleFor(context.Background(), p, userMsg("where is the archive?"))
	if !res.Responded || res.Text != "Of course, the archive is upstairs." {
		t.Fatalf("bad result: %+v", res)
	}

	turns, _ := store.RecentWindow(context.Background(), p.ActiveChatID, 10)
	// greeting + user + assistant
	if len(turns) != 3 {
		t.Fatalf("want 3 turns, got %d", len(turns))
	}
	if turns[0].Role != models.RoleAssistant || !strings.Contains(turns[0].Text(), "Welcome to the library") {
		t.Errorf("greeting not seeded: %+v", turns[0])
	}
	if turns[1].Role != models.RoleUser || turns[1].Text() != "where is the archive?" {
		t.Errorf("user turn wrong: %+v", turns[1])
	}
	if turns[2].Role != models.RoleAssistant {
		t.Errorf("assistant turn wrong: %+v", turns[2])
	}
}

func TestGreetingMacroExpanded(t *testing.T) {
	fc := &scriptedCompleter{}
	svc, store := testService(t, fc)
	p := addPersona(t, svc, models.PersonaSettings{UserName: "Sam"})

	svc.HandleFor(context.Background(), p, userMsg("hi"))
	turns, _ := store.RecentWindow(context.Background(), p.ActiveChatID, 10)
	if turns[0].Text() != "Welcome to the library, Sam." {
		t.Errorf("greeting: %q", turns[0].Text())
	}
}

func TestSystemErrorAppendsNothingAndSkipsSleep(t *testing.T) {
	fc := &scriptedCompleter{}
	fc.pushErr(&provider.Error{Kind: provider.KindTimeout, Message: "deadline", Retryable: true})
	svc, store := testService(t, fc)
	p := addPersona(t, svc, models.PersonaSettings{SleepModeEnabled: true, SleepThreshold: 1})

	res := svc.HandleFor(context.Background(), p, userMsg("hello?"))
	if res.Responded || res.Declined {
		t.Fatalf("system error misclassified: %+v", res)
	}
	if res.Notice == "" {
		t.Error("system error must produce a failure notice")
	}
	if p.Sleep == models.SleepAsleep || p.RefusalStreak != 0 {
		t.Error("system errors must not count toward sleep")
	}
	turns, _ := store.RecentWindow(context.Background(), p.ActiveChatID, 10)
	if len(turns) != 1 { // only the greeting
		t.Errorf("orphan turns after failed turn: %d", len(turns))
	}
}

func TestEmptyReplyIsDecline(t *testing.T) {
	fc := &scriptedCompleter{}
	fc.push("   ")
	svc, store := testService(t, fc)
	p := addPersona(t, svc, models.PersonaSettings{SleepModeEnabled: true, SleepThreshold: 1})

	res := svc.HandleFor(context.Background(), p, userMsg("say something"))
	if !res.Declined {
		t.Fatalf("empty visible text must decline: %+v", res)
	}
	if !res.FellAsleep || p.Sleep != models.SleepAsleep {
		t.Error("decline must count toward sleep")
	}
	turns, _ := store.RecentWindow(context.Background(), p.ActiveChatID, 10)
	if len(turns) != 1 {
		t.Errorf("declined turn must append nothing: %d turns", len(turns))
	}
}

// The greeting turn is the oldest history line, so it claims short id 1;
// a reply directive naming it must resolve back to the turn's real id.
func TestReplyTargetResolvesToRealID(t *testing.T) {
	fc := &scriptedCompleter{}
	fc.push("<REPLY:1> happy to help")
	svc, store := testService(t, fc)
	p := addPersona(t, svc, models.PersonaSettings{EnableReplySystem: true})

	res := svc.HandleFor(context.Background(), p, userMsg("can you answer my earlier question?"))
	if res.Text != "happy to help" {
		t.Fatalf("got %+v", res)
	}
	turns, _ := store.RecentWindow(context.Background(), p.ActiveChatID, 10)
	greeting := turns[0]
	if res.ReplyTo != greeting.ID {
		t.Fatalf("short id 1 should resolve to greeting turn %s, got %q", greeting.ID, res.ReplyTo)
	}
	last := turns[len(turns)-1]
	if last.ReplyTargetID != greeting.ID {
		t.Errorf("target not persisted: %+v", last)
	}
}

func TestUnknownReplyTargetDropsCleanly(t *testing.T) {
	fc := &scriptedCompleter{}
	fc.push("<REPLY:99> sure thing")
	svc, store := testService(t, fc)
	p := addPersona(t, svc, models.PersonaSettings{EnableReplySystem: true})

	res := svc.HandleFor(context.Background(), p, userMsg("thoughts?"))
	if !res.Responded || res.Text != "sure thing" {
		t.Fatalf("got %+v", res)
	}
	if res.ReplyTo != "" {
		t.Errorf("unknown target must resolve to nothing, got %q", res.ReplyTo)
	}
	turns, _ := store.RecentWindow(context.Background(), p.ActiveChatID, 10)
	if last := turns[len(turns)-1]; last.ReplyTargetID != "" {
		t.Errorf("unknown target persisted: %+v", last)
	}
}

// Every history line carries its turn's short id, and ids stay stable
// across turns so earlier lines keep the numbers the model already saw.
func TestHistoryLinesCarryShortIDs(t *testing.T) {
	fc := &scriptedCompleter{}
	fc.push("first answer")
	fc.push("second answer")
	svc, _ := testService(t, fc)
	p := addPersona(t, svc, models.PersonaSettings{})

	svc.HandleFor(context.Background(), p, userMsg("one"))
	svc.HandleFor(context.Background(), p, userMsg("two"))

	main := fc.prompts[len(fc.prompts)-1]
	joined := ""
	for _, m := range main.Messages {
		joined += m.Content + "\n"
	}
	if !strings.Contains(joined, "#1:") {
		t.Errorf("greeting line missing short id: %q", joined)
	}
	if !strings.Contains(joined, "sam #3: one") {
		t.Errorf("user line missing short id: %q", joined)
	}
	if !strings.Contains(joined, "Aria #4: first answer") {
		t.Errorf("assistant line missing short id: %q", joined)
	}
	if !strings.Contains(joined, "sam #2: two") {
		t.Errorf("incoming line should reuse its platform id mapping: %q", joined)
	}
}

func TestToolRoundFeedsResultsBack(t *testing.T) {
	fc := &scriptedCompleter{}
	fc.push("", provider.ToolCallRequest{ID: "c1", Name: "get_server_stats", Arguments: []byte(`{}`)})
	fc.push("Testland has 7 members.")
	svc, store := testService(t, fc)
	p := addPersona(t, svc, models.PersonaSettings{EnableTools: true})

	res := svc.HandleFor(context.Background(), p, userMsg("how big is this server?"))
	if !res.Responded || res.Text != "Testland has 7 members." {
		t.Fatalf("got %+v", res)
	}
	if fc.callCount() != 2 {
		t.Errorf("want main + follow-up completions, got %d", fc.callCount())
	}

	turns, _ := store.RecentWindow(context.Background(), p.ActiveChatID, 10)
	last := turns[len(turns)-1]
	if len(last.ToolCalls) != 1 || last.ToolCalls[0].Name != "get_server_stats" {
		t.Fatalf("tool call record missing: %+v", last.ToolCalls)
	}
	if !strings.Contains(last.ToolCalls[0].Result, "7 members") {
		t.Errorf("result not recorded: %+v", last.ToolCalls[0])
	}

	// follow-up prompt must carry the tool result as a tool turn
	followUp := fc.prompts[len(fc.prompts)-1]
	found := false
	for _, m := range followUp.Messages {
		if m.Role == models.RoleTool && strings.Contains(m.Content, "7 members") {
			found = true
		}
	}
	if !found {
		t.Error("tool result not fed back to the follow-up completion")
	}
}

func TestToolLoopBoundedToOneFollowUp(t *testing.T) {
	fc := &scriptedCompleter{}
	call := provider.ToolCallRequest{ID: "c1", Name: "get_server_stats", Arguments: []byte(`{}`)}
	fc.push("", call)
	fc.push("partial answer with more greed", call) // follow-up asks again
	svc, _ := testService(t, fc)
	p := addPersona(t, svc, models.PersonaSettings{EnableTools: true})

	res := svc.HandleFor(context.Background(), p, userMsg("stats please"))
	if !res.Responded {
		t.Fatalf("partial text must still surface: %+v", res)
	}
	if res.Text != "partial answer with more greed" {
		t.Errorf("got %q", res.Text)
	}
	if fc.callCount() != 2 {
		t.Errorf("exactly one follow-up allowed, saw %d completions", fc.callCount())
	}
}

func TestGateSuppressionCountsAsRefusal(t *testing.T) {
	fc := &scriptedCompleter{}
	fc.push(`{"should_respond": false, "confidence": 0.9}`) // gate call
	svc, _ := testService(t, fc)
	p := addPersona(t, svc, models.PersonaSettings{
		UseResponseGate: true, SleepModeEnabled: true, SleepThreshold: 1,
	})

	res := svc.HandleFor(context.Background(), p, userMsg("ambient chatter"))
	if res.Responded || !res.Declined {
		t.Fatalf("got %+v", res)
	}
	if !res.FellAsleep {
		t.Error("gate suppression must count toward sleep")
	}
	if fc.callCount() != 1 {
		t.Errorf("main completion ran despite gate: %d calls", fc.callCount())
	}
}

func TestMentionWakesSleepingPersona(t *testing.T) {
	fc := &scriptedCompleter{}
	fc.push("I am awake now.")
	svc, _ := testService(t, fc)
	p := addPersona(t, svc, models.PersonaSettings{SleepModeEnabled: true})
	p.Sleep = models.SleepAsleep
	p.RefusalStreak = 5

	m := userMsg("Aria, are you there?")
	m.Mentions = []string{"Aria"}
	res := svc.HandleFor(context.Background(), p, m)
	if !res.Responded {
		t.Fatalf("mention must wake and respond: %+v", res)
	}
	if p.Sleep != models.SleepAwake || p.RefusalStreak != 0 {
		t.Errorf("wake incomplete: sleep=%s streak=%d", p.Sleep, p.RefusalStreak)
	}
}

func TestIngestOnlyChannelPersonas(t *testing.T) {
	fc := &scriptedCompleter{}
	svc, _ := testService(t, fc)
	addPersona(t, svc, models.PersonaSettings{})
	other := &models.Persona{
		Server: "s1", Channel: "c2", Name: "Borin",
		Connection: "main", Card: &models.Card{Name: "Borin"},
	}
	svc.AddPersona(other)

	results, err := svc.Ingest(context.Background(), userMsg("hello c1"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(results) != 1 || results[0].Persona.Name != "Aria" {
		t.Fatalf("wrong personas answered: %+v", results)
	}
}

func TestSerializedTurnsKeepHistoryConsistent(t *testing.T) {
	fc := &scriptedCompleter{}
	svc, store := testService(t, fc)
	p := addPersona(t, svc, models.PersonaSettings{})

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := userMsg(fmt.Sprintf("message %d", i))
			msg.ID = fmt.Sprintf("m%d", i)
			svc.HandleFor(context.Background(), p, msg)
		}()
	}
	wg.Wait()

	turns, _ := store.RecentWindow(context.Background(), p.ActiveChatID, 100)
	// greeting + n*(user+assistant)
	if len(turns) != 1+2*n {
		t.Fatalf("want %d turns, got %d", 1+2*n, len(turns))
	}
	for i := 1; i < len(turns); i++ {
		want := models.RoleUser
		if (i-1)%2 == 1 {
			want = models.RoleAssistant
		}
		if turns[i].Role != want {
			t.Fatalf("interleaved history at %d: %s", i, turns[i].Role)
		}
	}
}

func TestRegenerateLastAddsCandidate(t *testing.T) {
	fc := &scriptedCompleter{}
	fc.push("first take")
	fc.push("second take")
	svc, store := testService(t, fc)
	p := addPersona(t, svc, models.PersonaSettings{})

	svc.HandleFor(context.Background(), p, userMsg("tell me a story"))
	turn, err := svc.RegenerateLast(context.Background(), p.Key())
	if err != nil {
		t.Fatalf("RegenerateLast: %v", err)
	}
	if turn.Text() != "second take" || len(turn.Candidates) != 2 {
		t.Fatalf("got %+v", turn)
	}

	back, err := svc.CycleCandidate(context.Background(), p.Key(), false)
	if err != nil {
		t.Fatalf("CycleCandidate: %v", err)
	}
	if back.Text() != "first take" {
		t.Errorf("cursor did not move back: %q", back.Text())
	}
	turns, _ := store.RecentWindow(context.Background(), p.ActiveChatID, 10)
	if turns[len(turns)-1].Text() != "first take" {
		t.Errorf("window ignores cursor: %q", turns[len(turns)-1].Text())
	}
}

func TestSessionSwitchAndClear(t *testing.T) {
	fc := &scriptedCompleter{}
	svc, store := testService(t, fc)
	p := addPersona(t, svc, models.PersonaSettings{})

	svc.HandleFor(context.Background(), p, userMsg("hello"))
	firstChat := p.ActiveChatID

	sess, err := svc.NewSession(context.Background(), p.Key(), "branch")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if p.ActiveChatID != sess.ChatID || p.ActiveChatID == firstChat {
		t.Fatalf("active session not switched")
	}

	if err := svc.SwitchSession(context.Background(), p.Key(), firstChat); err != nil {
		t.Fatalf("SwitchSession: %v", err)
	}
	if p.ActiveChatID != firstChat {
		t.Fatal("switch back failed")
	}

	if err := svc.ClearHistory(context.Background(), p.Key()); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	turns, _ := store.RecentWindow(context.Background(), firstChat, 10)
	if len(turns) != 0 {
		t.Errorf("history not cleared: %d", len(turns))
	}

	sessions, _ := svc.ListSessions(context.Background(), p.Key())
	if len(sessions) != 2 {
		t.Errorf("want 2 sessions, got %d", len(sessions))
	}
}

func TestLorebookContentReachesPrompt(t *testing.T) {
	fc := &scriptedCompleter{}
	fc.push("the dragon lore is known")
	svc, _ := testService(t, fc)
	p := addPersona(t, svc, models.PersonaSettings{UseLorebook: true})
	p.Card.Lorebook = &models.Lorebook{Entries: []models.LorebookEntry{{
		ID: "e1", Keys: []string{"dragon"}, Mode: models.ModeKeyed,
		Content: "Dragons in this world are extinct.", Enabled: true,
	}}}

	svc.HandleFor(context.Background(), p, userMsg("tell me about the dragon"))
	main := fc.prompts[len(fc.prompts)-1]
	if !strings.Contains(main.System, "Dragons in this world are extinct.") {
		t.Errorf("lorebook content missing from system block")
	}
}

func TestMutedUserIgnoredEntirely(t *testing.T) {
	fc := &scriptedCompleter{}
	svc, _ := testService(t, fc)
	p := addPersona(t, svc, models.PersonaSettings{})
	if err := svc.MuteUser(p.Key(), "u1"); err != nil {
		t.Fatalf("MuteUser: %v", err)
	}

	res := svc.HandleFor(context.Background(), p, userMsg("hello?"))
	if res.Responded || res.Declined {
		t.Fatalf("muted author handled: %+v", res)
	}
	if fc.callCount() != 0 {
		t.Errorf("completions ran for a muted author: %d", fc.callCount())
	}
}
