package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dmrelay/internal/domain"
	"dmrelay/internal/metrics"
	"dmrelay/internal/store"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownerID     = int64(900)
	stagingChat = int64(-100777)
	senderID    = int64(1234)
)

type sentRecord struct {
	ChatID  int64
	Payload *domain.Payload
	Opts    domain.SendOptions
	Text    string // set for SendText calls
}

// fakeMessenger records sends and can be armed to fail the next delivery.
type fakeMessenger struct {
	mu         sync.Mutex
	nextMsgID  int
	sends      []sentRecord
	deliverErr error
}

func (f *fakeMessenger) DeliverPayload(ctx context.Context, chatID int64, p *domain.Payload, opts domain.SendOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deliverErr != nil {
		err := f.deliverErr
		f.deliverErr = nil
		return 0, err
	}
	f.nextMsgID++
	f.sends = append(f.sends, sentRecord{ChatID: chatID, Payload: p, Opts: opts})
	return f.nextMsgID, nil
}

func (f *fakeMessenger) SendText(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentRecord{ChatID: chatID, Text: text})
	return nil
}

func (f *fakeMessenger) payloadSends() []sentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentRecord
	for _, s := range f.sends {
		if s.Payload != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeMessenger) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sends) - 1; i >= 0; i-- {
		if f.sends[i].Payload == nil {
			return f.sends[i].Text
		}
	}
	return ""
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testOperator(t *testing.T, s *store.SQLiteStore, msgr domain.Messenger) *Operator {
	t.Helper()
	return NewOperator(OperatorDeps{
		OwnerID:   ownerID,
		Jobs:      s,
		Configs:   s,
		Messenger: msgr,
		Validate:  func(token string) (string, error) { return "delivery_bot", nil },
		Logger:    testLogger(),
	})
}

func testDelivery(t *testing.T, s *store.SQLiteStore, msgr domain.Messenger) *Delivery {
	t.Helper()
	return NewDelivery(DeliveryDeps{
		SelfID:    555,
		Jobs:      s,
		Configs:   s,
		Messenger: msgr,
		Logger:    testLogger(),
	})
}

func privateMessage(from int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: from},
		Chat:      &tgbotapi.Chat{ID: from, Type: "private"},
		Text:      text,
	}
}

func stagingReply(replyTo int, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID:      500,
		From:           &tgbotapi.User{ID: ownerID},
		Chat:           &tgbotapi.Chat{ID: stagingChat, Type: "supergroup"},
		Text:           text,
		ReplyToMessage: &tgbotapi.Message{MessageID: replyTo},
	}
}

func setStaging(t *testing.T, s *store.SQLiteStore) {
	t.Helper()
	require.NoError(t, s.SetConfig(context.Background(), domain.ConfigStagingChat,
		fmt.Sprintf("%d", stagingChat)))
}

// Scenario A: an inbound text DM becomes a NEW job, and one mirror pass
// moves it to PENDING_REPLY with the staging ref recorded.
func TestInboundDMThroughMirror(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	msgr := &fakeMessenger{}

	del := testDelivery(t, s, msgr)
	del.HandleMessage(ctx, privateMessage(senderID, "Hello"))

	job, err := s.ClaimNext(ctx, domain.StatusNew, domain.StatusNew)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, domain.TypeDMFlow, job.Type)
	assert.Equal(t, senderID, job.SenderID)
	require.NotNil(t, job.Inbound)
	assert.Equal(t, domain.KindText, job.Inbound.Kind)
	assert.Equal(t, "Hello", job.Inbound.Text)

	setStaging(t, s)
	op := testOperator(t, s, msgr)
	require.NoError(t, op.mirrorOnce(ctx))

	mirrored, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingReply, mirrored.Status)
	require.NotNil(t, mirrored.Staging)
	assert.Equal(t, stagingChat, mirrored.Staging.ChatID)

	sends := msgr.payloadSends()
	require.Len(t, sends, 1)
	assert.Equal(t, stagingChat, sends[0].ChatID)
	assert.Equal(t, mirrored.Staging.MessageID, msgr.nextMsgID)
}

func TestDeliveryIgnoresSelfAndBots(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	del := testDelivery(t, s, &fakeMessenger{})

	self := privateMessage(555, "from myself")
	del.HandleMessage(ctx, self)

	bot := privateMessage(senderID, "beep")
	bot.From.IsBot = true
	del.HandleMessage(ctx, bot)

	group := privateMessage(senderID, "not a DM")
	group.Chat.Type = "supergroup"
	del.HandleMessage(ctx, group)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[domain.StatusNew])
}

func TestMirrorFailureMarksError(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	msgr := &fakeMessenger{}

	del := testDelivery(t, s, msgr)
	del.HandleMessage(ctx, privateMessage(senderID, "Hello"))

	setStaging(t, s)
	op := testOperator(t, s, msgr)
	msgr.deliverErr = fmt.Errorf("group unreachable")
	require.NoError(t, op.mirrorOnce(ctx))

	jobs, err := s.ListBySender(ctx, senderID, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.StatusError, jobs[0].Status)
	assert.Contains(t, jobs[0].Error, "group unreachable")
}

func TestMirrorWaitsForStagingConfig(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	msgr := &fakeMessenger{}

	del := testDelivery(t, s, msgr)
	del.HandleMessage(ctx, privateMessage(senderID, "Hello"))

	op := testOperator(t, s, msgr)
	require.NoError(t, op.mirrorOnce(ctx)) // no staging group yet

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[domain.StatusNew], "job must stay NEW until configured")
}

// Scenario B: the operator's reply to the mirrored message is harvested
// into outbound content and the job becomes READY_TO_SEND.
func TestHarvestOperatorReply(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	msgr := &fakeMessenger{}

	del := testDelivery(t, s, msgr)
	del.HandleMessage(ctx, privateMessage(senderID, "Hello"))

	setStaging(t, s)
	op := testOperator(t, s, msgr)
	require.NoError(t, op.mirrorOnce(ctx))

	jobs, err := s.ListBySender(ctx, senderID, 1)
	require.NoError(t, err)
	ref := jobs[0].Staging
	require.NotNil(t, ref)

	op.handleUpdate(ctx, tgbotapi.Update{Message: stagingReply(ref.MessageID, "Hi there!")})

	harvested, err := s.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReadyToSend, harvested.Status)
	require.NotNil(t, harvested.Outbound)
	assert.Equal(t, domain.KindText, harvested.Outbound.Kind)
	assert.Equal(t, "Hi there!", harvested.Outbound.Text)
}

func TestHarvestIgnoresUnrelatedReplies(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	msgr := &fakeMessenger{}
	setStaging(t, s)
	op := testOperator(t, s, msgr)

	op.handleUpdate(ctx, tgbotapi.Update{Message: stagingReply(9999, "to nothing")})

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestHarvestIgnoresNonOwner(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	msgr := &fakeMessenger{}

	del := testDelivery(t, s, msgr)
	del.HandleMessage(ctx, privateMessage(senderID, "Hello"))
	setStaging(t, s)
	op := testOperator(t, s, msgr)
	require.NoError(t, op.mirrorOnce(ctx))

	jobs, _ := s.ListBySender(ctx, senderID, 1)
	reply := stagingReply(jobs[0].Staging.MessageID, "intruder")
	reply.From.ID = 31337
	op.handleUpdate(ctx, tgbotapi.Update{Message: reply})

	got, _ := s.GetJob(ctx, jobs[0].ID)
	assert.Equal(t, domain.StatusPendingReply, got.Status)
}

// Scenario C: the delivery loop claims and sends the job protected; a second
// claim on the same job finds nothing.
func TestDeliverProtectedSend(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	msgr := &fakeMessenger{}

	job := &domain.Job{
		Type:     domain.TypeDMFlow,
		Status:   domain.StatusReadyToSend,
		SenderID: senderID,
		Outbound: &domain.Payload{Kind: domain.KindText, Text: "Hi there!"},
	}
	require.NoError(t, s.CreateJob(ctx, job))

	del := testDelivery(t, s, msgr)
	require.NoError(t, del.sendOnce(ctx))

	done, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)

	sends := msgr.payloadSends()
	require.Len(t, sends, 1)
	assert.Equal(t, senderID, sends[0].ChatID, "falls back to sender when target unset")
	assert.True(t, sends[0].Opts.Protect, "outbound copy must be protected")

	dup, err := s.ClaimJob(ctx, job.ID, domain.StatusReadyToSend, domain.StatusSending)
	require.NoError(t, err)
	assert.Nil(t, dup, "duplicate claim must find no matching job")
}

func TestDeliverPrefersExplicitTarget(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	msgr := &fakeMessenger{}

	job := &domain.Job{
		Type:     domain.TypeManualSend,
		Status:   domain.StatusReadyToSend,
		SenderID: ownerID,
		TargetID: 424242,
		Outbound: &domain.Payload{Kind: domain.KindPhoto, MediaRef: "f", Text: "c"},
	}
	require.NoError(t, s.CreateJob(ctx, job))

	del := testDelivery(t, s, msgr)
	require.NoError(t, del.sendOnce(ctx))

	sends := msgr.payloadSends()
	require.Len(t, sends, 1)
	assert.Equal(t, int64(424242), sends[0].ChatID)
}

func TestDeliverFailureMarksError(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	msgr := &fakeMessenger{deliverErr: fmt.Errorf("bot was blocked by the user")}

	job := &domain.Job{
		Type:     domain.TypeDMFlow,
		Status:   domain.StatusReadyToSend,
		SenderID: senderID,
		Outbound: &domain.Payload{Kind: domain.KindText, Text: "Hi"},
	}
	require.NoError(t, s.CreateJob(ctx, job))

	del := testDelivery(t, s, msgr)
	require.NoError(t, del.sendOnce(ctx))

	got, _ := s.GetJob(ctx, job.ID)
	assert.Equal(t, domain.StatusError, got.Status)
	assert.Contains(t, got.Error, "blocked")
}

// Scenario E: a rate-limited delivery releases the claim so the job is
// retried after the carried wait, not lost and not errored.
func TestDeliverRateLimitReleasesJob(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	msgr := &fakeMessenger{deliverErr: &domain.RateLimitError{RetryAfter: 30 * time.Second}}

	job := &domain.Job{
		Type:     domain.TypeDMFlow,
		Status:   domain.StatusReadyToSend,
		SenderID: senderID,
		Outbound: &domain.Payload{Kind: domain.KindText, Text: "Hi"},
	}
	require.NoError(t, s.CreateJob(ctx, job))

	del := testDelivery(t, s, msgr)
	err := del.sendOnce(ctx)

	var rl *domain.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 30*time.Second, rl.RetryAfter)

	got, _ := s.GetJob(ctx, job.ID)
	assert.Equal(t, domain.StatusReadyToSend, got.Status)

	// The retry succeeds once the limiter clears.
	require.NoError(t, del.sendOnce(ctx))
	got, _ = s.GetJob(ctx, job.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

// Scenario D: /send_protected replied to a photo queues a MANUAL_SEND job
// that is READY_TO_SEND immediately.
func TestSendProtectedCommand(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	msgr := &fakeMessenger{}
	op := testOperator(t, s, msgr)

	cmd := privateMessage(ownerID, "/send_protected 123456789")
	cmd.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len("/send_protected")}}
	cmd.ReplyToMessage = &tgbotapi.Message{
		MessageID: 77,
		Photo:     []tgbotapi.PhotoSize{{FileID: "photo-file"}},
		Caption:   "the goods",
	}

	op.handleUpdate(ctx, tgbotapi.Update{Message: cmd})

	jobs, err := s.ListBySender(ctx, ownerID, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, domain.TypeManualSend, job.Type)
	assert.Equal(t, domain.StatusReadyToSend, job.Status)
	assert.Equal(t, int64(123456789), job.TargetID)
	require.NotNil(t, job.Outbound)
	assert.Equal(t, domain.KindPhoto, job.Outbound.Kind)
	assert.Equal(t, "photo-file", job.Outbound.MediaRef)
	assert.Nil(t, job.Inbound)
}

func TestSendProtectedRequiresReplyAndNumericTarget(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	msgr := &fakeMessenger{}
	op := testOperator(t, s, msgr)

	noReply := privateMessage(ownerID, "/send_protected 123")
	noReply.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len("/send_protected")}}
	op.handleUpdate(ctx, tgbotapi.Update{Message: noReply})
	assert.Contains(t, msgr.lastText(), "Reply to the content")

	badTarget := privateMessage(ownerID, "/send_protected abc")
	badTarget.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len("/send_protected")}}
	badTarget.ReplyToMessage = &tgbotapi.Message{MessageID: 1, Text: "x"}
	op.handleUpdate(ctx, tgbotapi.Update{Message: badTarget})
	assert.Contains(t, msgr.lastText(), "numeric")

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestSetGroupCommand(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	msgr := &fakeMessenger{}
	op := testOperator(t, s, msgr)

	inGroup := &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: ownerID},
		Chat:      &tgbotapi.Chat{ID: stagingChat, Type: "supergroup"},
		Text:      "/set_group",
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len("/set_group")}},
	}
	op.handleUpdate(ctx, tgbotapi.Update{Message: inGroup})

	assert.Equal(t, fmt.Sprintf("%d", stagingChat),
		s.GetConfig(ctx, domain.ConfigStagingChat, ""))

	// In a private chat the command refuses and changes nothing.
	require.NoError(t, s.SetConfig(ctx, domain.ConfigStagingChat, "keep"))
	inPrivate := privateMessage(ownerID, "/set_group")
	inPrivate.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len("/set_group")}}
	op.handleUpdate(ctx, tgbotapi.Update{Message: inPrivate})
	assert.Equal(t, "keep", s.GetConfig(ctx, domain.ConfigStagingChat, ""))
}

func TestGenerateSessionStoresCredential(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	msgr := &fakeMessenger{}
	op := testOperator(t, s, msgr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		op.cmdGenerateSession(ctx, ownerID)
	}()

	// Wait for the prompt to register, then answer it like the operator
	// sending a plain DM.
	require.Eventually(t, func() bool {
		return op.feedPrompt(ownerID, " 12345:token ")
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("provisioning did not finish")
	}

	assert.Equal(t, "12345:token", s.GetConfig(ctx, domain.ConfigDeliveryToken, ""))
	assert.Contains(t, msgr.lastText(), "delivery_bot")
}

func TestStaleSendingRecovered(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	msgr := &fakeMessenger{}

	job := &domain.Job{
		Type:     domain.TypeDMFlow,
		Status:   domain.StatusReadyToSend,
		SenderID: senderID,
		Outbound: &domain.Payload{Kind: domain.KindText, Text: "Hi"},
	}
	require.NoError(t, s.CreateJob(ctx, job))
	claimed, err := s.ClaimJob(ctx, job.ID, domain.StatusReadyToSend, domain.StatusSending)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	del := testDelivery(t, s, msgr)
	del.staleAfter = -time.Second // everything SENDING counts as stale
	del.sweepStale(ctx)

	got, _ := s.GetJob(ctx, job.ID)
	assert.Equal(t, domain.StatusReadyToSend, got.Status)
}

// A pending provisioning prompt must not swallow a harvest reply posted in
// the staging group; prompts are confined to private chats.
func TestPromptDoesNotSwallowHarvestReply(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	msgr := &fakeMessenger{}

	del := testDelivery(t, s, msgr)
	del.HandleMessage(ctx, privateMessage(senderID, "Hello"))
	setStaging(t, s)
	op := testOperator(t, s, msgr)
	require.NoError(t, op.mirrorOnce(ctx))

	jobs, err := s.ListBySender(ctx, senderID, 1)
	require.NoError(t, err)
	ref := jobs[0].Staging
	require.NotNil(t, ref)

	// A prompt keyed to the staging chat, as a mis-issued provisioning
	// exchange would leave behind.
	ch := make(chan string, 1)
	op.pendingPromptMu.Lock()
	op.pendingPrompt[stagingChat] = ch
	op.pendingPromptMu.Unlock()

	op.handleUpdate(ctx, tgbotapi.Update{Message: stagingReply(ref.MessageID, "Hi there!")})

	harvested, err := s.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReadyToSend, harvested.Status)

	select {
	case got := <-ch:
		t.Fatalf("prompt consumed the reply %q", got)
	default:
	}
}

func TestGenerateSessionRefusedInGroup(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	msgr := &fakeMessenger{}
	op := testOperator(t, s, msgr)

	cmd := &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: ownerID},
		Chat:      &tgbotapi.Chat{ID: stagingChat, Type: "supergroup"},
		Text:      "/generate_session",
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len("/generate_session")}},
	}
	op.handleUpdate(ctx, tgbotapi.Update{Message: cmd})

	assert.Contains(t, msgr.lastText(), "direct message")
	assert.Empty(t, s.GetConfig(ctx, domain.ConfigDeliveryToken, ""))
}

func TestQueueDepthGauges(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	del := testDelivery(t, s, &fakeMessenger{})

	for i := 0; i < 2; i++ {
		require.NoError(t, s.CreateJob(ctx, &domain.Job{
			Type: domain.TypeDMFlow, Status: domain.StatusNew, SenderID: senderID,
			Inbound: &domain.Payload{Kind: domain.KindText, Text: "Hi"},
		}))
	}
	require.NoError(t, s.CreateJob(ctx, &domain.Job{
		Type: domain.TypeDMFlow, Status: domain.StatusReadyToSend, SenderID: senderID,
		Outbound: &domain.Payload{Kind: domain.KindText, Text: "Hi"},
	}))

	del.refreshGauges(ctx)

	assert.Equal(t, int64(2), metrics.Collector.GetGauge("dmrelay_queue_new", "").Value())
	assert.Equal(t, int64(1), metrics.Collector.GetGauge("dmrelay_queue_ready", "").Value())
}

func TestUnknownCommandReplies(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	msgr := &fakeMessenger{}
	op := testOperator(t, s, msgr)

	cmd := privateMessage(ownerID, "/frobnicate")
	cmd.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len("/frobnicate")}}
	op.handleUpdate(ctx, tgbotapi.Update{Message: cmd})
	assert.Contains(t, msgr.lastText(), "Unknown command")
}
