// Package relay holds the two long-running processes: the operator process
// (command surface, mirror loop, reply harvesting) and the delivery process
// (DM ingestion, protected send loop). They never talk to each other
// directly; the job store is the only coordination surface.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"dmrelay/internal/content"
	"dmrelay/internal/domain"
	"dmrelay/internal/metrics"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const promptTimeout = 120 * time.Second

// CredentialValidator checks a delivery credential against the protocol
// backend and returns the identity's display name. Injected so the
// provisioning flow is testable without the network.
type CredentialValidator func(token string) (string, error)

// Operator is the operator-facing process. It owns the command surface,
// mirrors NEW jobs into the staging group, and harvests operator replies.
type Operator struct {
	ownerID      int64
	pollInterval time.Duration

	jobs     domain.JobStore
	configs  domain.ConfigStore
	msgr     domain.Messenger
	validate CredentialValidator
	logger   *slog.Logger
	backoff  *Backoff

	// pendingPrompt routes the owner's next plain DM into an interactive
	// exchange (credential provisioning) instead of normal handling.
	pendingPrompt   map[int64]chan string
	pendingPromptMu sync.Mutex

	mirrored  *metrics.Counter
	harvested *metrics.Counter
}

type OperatorDeps struct {
	OwnerID      int64
	PollInterval time.Duration
	Jobs         domain.JobStore
	Configs      domain.ConfigStore
	Messenger    domain.Messenger
	Validate     CredentialValidator
	Logger       *slog.Logger
}

func NewOperator(deps OperatorDeps) *Operator {
	if deps.PollInterval <= 0 {
		deps.PollInterval = 1500 * time.Millisecond
	}
	return &Operator{
		ownerID:       deps.OwnerID,
		pollInterval:  deps.PollInterval,
		jobs:          deps.Jobs,
		configs:       deps.Configs,
		msgr:          deps.Messenger,
		validate:      deps.Validate,
		logger:        deps.Logger,
		backoff:       NewBackoff(2*time.Second, 30*time.Second),
		pendingPrompt: make(map[int64]chan string),
		mirrored:      metrics.Collector.GetCounter("dmrelay_jobs_mirrored_total", "Jobs mirrored into the staging group"),
		harvested:     metrics.Collector.GetCounter("dmrelay_replies_harvested_total", "Operator replies harvested into outbound content"),
	}
}

// Run consumes protocol updates and drives the mirror loop until ctx is
// cancelled.
func (o *Operator) Run(ctx context.Context, updates <-chan tgbotapi.Update) error {
	o.notifyMissingConfig(ctx)

	go o.mirrorLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("operator process stopping")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			o.handleUpdate(ctx, update)
		}
	}
}

// notifyMissingConfig tells the operator up front when the relay cannot do
// useful work yet. Best effort; the loops keep waiting either way.
func (o *Operator) notifyMissingConfig(ctx context.Context) {
	if o.configs.GetConfig(ctx, domain.ConfigDeliveryToken, "") == "" {
		_ = o.msgr.SendText(ctx, o.ownerID,
			"No delivery credential configured. Use /generate_session here to set one up.")
	}
	if o.configs.GetConfig(ctx, domain.ConfigStagingChat, "") == "" {
		_ = o.msgr.SendText(ctx, o.ownerID,
			"No staging group set. Run /set_group inside your staging group.")
	}
}

func (o *Operator) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	if msg.From.ID != o.ownerID {
		// Single-operator surface: everyone else is ignored outright.
		return
	}

	// An interactive exchange consumes the owner's next plain DM. Prompts
	// only ever live in private chats, so a pending one can never swallow
	// a harvest reply in the staging group.
	if !msg.IsCommand() && msg.Chat.IsPrivate() && o.feedPrompt(msg.Chat.ID, msg.Text) {
		return
	}

	if msg.IsCommand() {
		o.handleCommand(ctx, msg)
		return
	}

	o.maybeHarvest(ctx, msg)
}

func (o *Operator) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("command handler panicked", "command", msg.Command(), "panic", r)
			o.reply(ctx, msg, fmt.Sprintf("Command failed: %v", r))
		}
	}()

	switch msg.Command() {
	case "set_group":
		o.cmdSetGroup(ctx, msg)
	case "status":
		o.cmdStatus(ctx, msg)
	case "generate_session":
		if !msg.Chat.IsPrivate() {
			o.reply(ctx, msg, "Run /generate_session in a direct message, not in the group.")
			return
		}
		go o.cmdGenerateSession(ctx, msg.Chat.ID)
	case "send_protected":
		o.cmdSendProtected(ctx, msg)
	case "start", "help":
		o.reply(ctx, msg, strings.Join([]string{
			"dmrelay operator commands:",
			"/set_group — run inside the staging group to register it",
			"/status — show configuration state",
			"/generate_session — provision the delivery credential",
			"/send_protected <target_id> — reply to content to send it protected",
		}, "\n"))
	default:
		o.reply(ctx, msg, "Unknown command. Type /help for available commands.")
	}
}

// cmdSetGroup persists the chat it was issued in as the staging group.
func (o *Operator) cmdSetGroup(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.Chat.IsGroup() && !msg.Chat.IsSuperGroup() {
		o.reply(ctx, msg, "Run /set_group inside the staging group, not here.")
		return
	}
	if err := o.configs.SetConfig(ctx, domain.ConfigStagingChat, strconv.FormatInt(msg.Chat.ID, 10)); err != nil {
		o.logger.Error("persist staging group failed", "err", err)
		o.reply(ctx, msg, fmt.Sprintf("Could not save staging group: %v", err))
		return
	}
	o.logger.Info("staging group set", "chat_id", msg.Chat.ID)
	o.reply(ctx, msg, fmt.Sprintf("Staging group saved: %d", msg.Chat.ID))
}

func (o *Operator) cmdStatus(ctx context.Context, msg *tgbotapi.Message) {
	staging := o.configs.GetConfig(ctx, domain.ConfigStagingChat, "")
	if staging == "" {
		staging = "not set"
	}
	credential := "missing"
	if o.configs.GetConfig(ctx, domain.ConfigDeliveryToken, "") != "" {
		credential = "configured"
	}

	lines := []string{
		"Relay status:",
		"• Delivery credential: " + credential,
		"• Staging group: " + staging,
	}
	if counts, err := o.jobs.CountByStatus(ctx); err == nil && len(counts) > 0 {
		lines = append(lines, "• Queue:")
		for _, status := range []domain.JobStatus{
			domain.StatusNew, domain.StatusPendingReply, domain.StatusReadyToSend,
			domain.StatusSending, domain.StatusCompleted, domain.StatusError,
		} {
			if n := counts[status]; n > 0 {
				lines = append(lines, fmt.Sprintf("   %s: %d", status, n))
			}
		}
	}
	o.reply(ctx, msg, strings.Join(lines, "\n"))
}

// cmdGenerateSession runs the interactive credential exchange: prompt the
// operator, validate the answer against the backend, persist it. Runs in its
// own goroutine so the update loop keeps flowing.
func (o *Operator) cmdGenerateSession(ctx context.Context, chatID int64) {
	token, err := o.prompt(ctx, chatID,
		"Send the delivery identity's token. It will be stored and the delivery process will pick it up.")
	if err != nil {
		_ = o.msgr.SendText(ctx, chatID, "Provisioning cancelled: no answer received.")
		return
	}
	token = strings.TrimSpace(token)

	username, err := o.validate(token)
	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		_ = o.msgr.SendText(ctx, chatID, "Rate limited by the backend, retrying shortly...")
		Sleep(ctx, rl.RetryAfter)
		username, err = o.validate(token)
	}
	if err != nil {
		o.logger.Warn("delivery credential rejected", "err", err)
		_ = o.msgr.SendText(ctx, chatID, fmt.Sprintf("Credential rejected: %v", err))
		return
	}

	if err := o.configs.SetConfig(ctx, domain.ConfigDeliveryToken, token); err != nil {
		o.logger.Error("persist delivery credential failed", "err", err)
		_ = o.msgr.SendText(ctx, chatID, fmt.Sprintf("Could not save credential: %v", err))
		return
	}
	o.logger.Info("delivery credential saved", "identity", username)
	_ = o.msgr.SendText(ctx, chatID,
		fmt.Sprintf("Delivery credential saved (@%s). The delivery process will start using it. /status to verify.", username))
}

// cmdSendProtected creates a MANUAL_SEND job from the replied-to content,
// entering the queue directly as READY_TO_SEND.
func (o *Operator) cmdSendProtected(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.TrimSpace(msg.CommandArguments())
	if args == "" {
		o.reply(ctx, msg, "Usage: reply to content with /send_protected <target_id>")
		return
	}
	targetID, err := strconv.ParseInt(args, 10, 64)
	if err != nil {
		o.reply(ctx, msg, "target_id must be numeric.")
		return
	}
	if msg.ReplyToMessage == nil {
		o.reply(ctx, msg, "Reply to the content you want to send protected.")
		return
	}

	job := &domain.Job{
		Type:     domain.TypeManualSend,
		Status:   domain.StatusReadyToSend,
		SenderID: o.ownerID,
		TargetID: targetID,
		Outbound: content.Encode(msg.ReplyToMessage),
	}
	if err := o.jobs.CreateJob(ctx, job); err != nil {
		o.logger.Error("create manual send job failed", "err", err)
		o.reply(ctx, msg, fmt.Sprintf("Could not queue the send: %v", err))
		return
	}
	o.logger.Info("manual protected send queued", "job_id", job.ID, "target_id", targetID)
	o.reply(ctx, msg, fmt.Sprintf("Protected send queued. Job: %s", job.ID))
}

// maybeHarvest turns an operator reply to a mirrored message into the job's
// outbound content. Replies to anything else are ignored.
func (o *Operator) maybeHarvest(ctx context.Context, msg *tgbotapi.Message) {
	staging := o.stagingChatID(ctx)
	if staging == 0 || msg.Chat.ID != staging || msg.ReplyToMessage == nil {
		return
	}

	job, err := o.jobs.FindByStagingRef(ctx, msg.Chat.ID, msg.ReplyToMessage.MessageID)
	if err != nil {
		o.logger.Error("staging ref lookup failed", "message_id", msg.ReplyToMessage.MessageID, "err", err)
		return
	}
	if job == nil {
		return
	}

	harvested, err := o.jobs.MarkReady(ctx, job.ID, content.Encode(msg))
	if err != nil {
		o.logger.Error("harvest failed", "job_id", job.ID, "err", err)
		o.reply(ctx, msg, fmt.Sprintf("Could not queue the reply: %v", err))
		return
	}
	if !harvested {
		o.reply(ctx, msg, "This conversation was already answered.")
		return
	}
	o.harvested.Inc()
	o.logger.Info("reply harvested", "job_id", job.ID, "sender_id", job.SenderID)
	o.reply(ctx, msg, "Queued for protected send.")
}

// mirrorLoop claims NEW jobs and posts their content into the staging group.
// One job per iteration; any failure marks that job and moves on.
func (o *Operator) mirrorLoop(ctx context.Context) {
	for {
		if !Sleep(ctx, o.pollInterval) {
			return
		}
		if err := o.mirrorOnce(ctx); err != nil {
			o.logger.Error("mirror iteration failed", "err", err)
			Sleep(ctx, o.backoff.Next())
			continue
		}
		o.backoff.Reset()
	}
}

// mirrorOnce handles at most one NEW job. Returns an error only for
// infrastructure faults; per-job failures are recorded on the job.
func (o *Operator) mirrorOnce(ctx context.Context) error {
	staging := o.stagingChatID(ctx)
	if staging == 0 {
		return nil // not configured yet; keep polling
	}

	job, err := o.jobs.ClaimNext(ctx, domain.StatusNew, domain.StatusPendingReply)
	if err != nil {
		return fmt.Errorf("claim NEW job: %w", err)
	}
	if job == nil {
		return nil
	}

	if job.Inbound == nil {
		_ = o.jobs.MarkError(ctx, job.ID, domain.StatusPendingReply, "job has no inbound content")
		return nil
	}

	// Header first so the operator can see who wrote, then the faithful
	// mirror whose id becomes the reply anchor.
	header := fmt.Sprintf("DM from %d (job %s)", job.SenderID, shortID(job.ID))
	if err := o.msgr.SendText(ctx, staging, header); err != nil {
		o.failMirror(ctx, job.ID, err)
		return nil
	}

	msgID, err := o.msgr.DeliverPayload(ctx, staging, job.Inbound, domain.SendOptions{})
	if err != nil {
		o.failMirror(ctx, job.ID, err)
		return nil
	}

	ref := domain.StagingRef{ChatID: staging, MessageID: msgID}
	if err := o.jobs.MarkMirrored(ctx, job.ID, ref); err != nil {
		return fmt.Errorf("record staging ref for job %s: %w", job.ID, err)
	}
	o.mirrored.Inc()
	o.logger.Info("job mirrored", "job_id", job.ID, "staging_message_id", msgID)
	return nil
}

func (o *Operator) failMirror(ctx context.Context, jobID string, cause error) {
	o.logger.Error("mirror to staging failed", "job_id", jobID, "err", cause)
	if err := o.jobs.MarkError(ctx, jobID, domain.StatusPendingReply, cause.Error()); err != nil {
		o.logger.Error("mark job error failed", "job_id", jobID, "err", err)
	}
}

func (o *Operator) stagingChatID(ctx context.Context) int64 {
	raw := o.configs.GetConfig(ctx, domain.ConfigStagingChat, "")
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		o.logger.Warn("invalid staging group id in config store", "value", raw)
		return 0
	}
	return id
}

// prompt sends a question and waits for the owner's next plain message in
// the chat.
func (o *Operator) prompt(ctx context.Context, chatID int64, question string) (string, error) {
	ch := make(chan string, 1)
	o.pendingPromptMu.Lock()
	o.pendingPrompt[chatID] = ch
	o.pendingPromptMu.Unlock()

	defer func() {
		o.pendingPromptMu.Lock()
		delete(o.pendingPrompt, chatID)
		o.pendingPromptMu.Unlock()
	}()

	if err := o.msgr.SendText(ctx, chatID, question); err != nil {
		return "", err
	}

	select {
	case answer := <-ch:
		return answer, nil
	case <-time.After(promptTimeout):
		return "", fmt.Errorf("prompt timed out after %s", promptTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// feedPrompt delivers a plain message to a waiting prompt, reporting whether
// it was consumed.
func (o *Operator) feedPrompt(chatID int64, text string) bool {
	o.pendingPromptMu.Lock()
	ch, ok := o.pendingPrompt[chatID]
	o.pendingPromptMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- text:
	default:
	}
	return true
}

func (o *Operator) reply(ctx context.Context, msg *tgbotapi.Message, text string) {
	if err := o.msgr.SendText(ctx, msg.Chat.ID, text); err != nil {
		o.logger.Error("operator reply failed", "chat_id", msg.Chat.ID, "err", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
