package usecase

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"authbridge/internal/domain"
)

// RetryGovernor bounds every way a call can loop: menu retries, info
// retries, uncertainty, silence, and repeated prompts. Counters tied to
// call semantics live in the CallContext; the per-call auxiliary state
// (activity timestamps, prompt hashes) lives here, keyed by call_id, and
// is reclaimed on disconnect.
type RetryGovernor struct {
	silenceTimeout     time.Duration
	maxSilenceTimeouts int
	maxRepeatedPrompts int

	mu       sync.Mutex
	tracking map[string]*callTracking

	logger *slog.Logger
}

type callTracking struct {
	lastActivity   time.Time
	silenceCount   int
	lastPromptHash string
	repeatCount    int
}

// RetryResult is the outcome of a single governor check.
type RetryResult struct {
	ShouldContinue bool
	RetryCount     int
	MaxRetries     int
	Action         domain.Advisory
	Reason         string
}

// NewRetryGovernor creates a governor with the given silence and
// repeated-prompt bounds.
func NewRetryGovernor(silenceTimeout time.Duration, maxSilenceTimeouts, maxRepeatedPrompts int, logger *slog.Logger) *RetryGovernor {
	if silenceTimeout <= 0 {
		silenceTimeout = 10 * time.Second
	}
	if maxSilenceTimeouts <= 0 {
		maxSilenceTimeouts = 2
	}
	if maxRepeatedPrompts <= 0 {
		maxRepeatedPrompts = 2
	}
	return &RetryGovernor{
		silenceTimeout:     silenceTimeout,
		maxSilenceTimeouts: maxSilenceTimeouts,
		maxRepeatedPrompts: maxRepeatedPrompts,
		tracking:           make(map[string]*callTracking),
		logger:             logger.With("component", "governor"),
	}
}

func (g *RetryGovernor) track(callID string) *callTracking {
	t, ok := g.tracking[callID]
	if !ok {
		t = &callTracking{}
		g.tracking[callID] = t
	}
	return t
}

// CheckMenuRetry charges one menu navigation failure against the call.
// At the bound the call must end with max_menu_retries.
func (g *RetryGovernor) CheckMenuRetry(ctx *domain.CallContext) RetryResult {
	count := ctx.IncrementMenuRetries()
	maxMenu, _, _ := ctx.Bounds()

	if count >= maxMenu {
		g.logger.Warn("menu retries exhausted", "call_id", ctx.CallID(), "count", count)
		return RetryResult{
			RetryCount: count,
			MaxRetries: maxMenu,
			Action:     domain.AdvisoryEndCall,
			Reason:     string(domain.FailureMenuRetries),
		}
	}
	return RetryResult{
		ShouldContinue: true,
		RetryCount:     count,
		MaxRetries:     maxMenu,
		Action:         domain.AdvisoryDTMF9,
		Reason:         "menu navigation retry",
	}
}

// CheckInfoRetry charges one rejected info submission against the call.
func (g *RetryGovernor) CheckInfoRetry(ctx *domain.CallContext) RetryResult {
	count := ctx.IncrementInfoRetries()
	_, maxInfo, _ := ctx.Bounds()

	if count >= maxInfo {
		g.logger.Warn("info retries exhausted", "call_id", ctx.CallID(), "count", count)
		return RetryResult{
			RetryCount: count,
			MaxRetries: maxInfo,
			Action:     domain.AdvisoryEndCall,
			Reason:     string(domain.FailureInfoRetries),
		}
	}
	return RetryResult{
		ShouldContinue: true,
		RetryCount:     count,
		MaxRetries:     maxInfo,
		Action:         domain.AdvisorySpeakRepeat,
		Reason:         "info provision retry",
	}
}

// CheckUncertainty charges one low-confidence verdict against the call.
// Confident verdicts pass through untouched.
func (g *RetryGovernor) CheckUncertainty(ctx *domain.CallContext, confidence float64) RetryResult {
	_, _, maxUncertain := ctx.Bounds()
	if confidence >= ctx.ConfidenceThreshold() {
		_, _, count := ctx.Counters()
		return RetryResult{
			ShouldContinue: true,
			RetryCount:     count,
			MaxRetries:     maxUncertain,
			Action:         domain.AdvisoryNone,
		}
	}

	count := ctx.IncrementUncertain()
	if count >= maxUncertain {
		g.logger.Warn("uncertainty budget exhausted", "call_id", ctx.CallID(), "count", count)
		return RetryResult{
			RetryCount: count,
			MaxRetries: maxUncertain,
			Action:     domain.AdvisoryEndCall,
			Reason:     string(domain.FailureMaxUncertain),
		}
	}
	return RetryResult{
		ShouldContinue: true,
		RetryCount:     count,
		MaxRetries:     maxUncertain,
		Action:         domain.AdvisoryDTMF9,
		Reason:         fmt.Sprintf("low confidence %.2f", confidence),
	}
}

// CheckSilence evaluates the no-activity timer for a call. The first call
// only records the baseline. Under the threshold nothing happens. At the
// threshold the silence count is charged: at the bound the call must end
// with ivr_timeout, otherwise the timer resets and the IVR gets prodded
// with a 9.
func (g *RetryGovernor) CheckSilence(callID string, now time.Time) RetryResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.track(callID)
	if t.lastActivity.IsZero() {
		t.lastActivity = now
		return RetryResult{ShouldContinue: true, MaxRetries: g.maxSilenceTimeouts, Action: domain.AdvisoryNone}
	}

	if now.Sub(t.lastActivity) < g.silenceTimeout {
		return RetryResult{
			ShouldContinue: true,
			RetryCount:     t.silenceCount,
			MaxRetries:     g.maxSilenceTimeouts,
			Action:         domain.AdvisoryNone,
		}
	}

	t.silenceCount++
	if t.silenceCount >= g.maxSilenceTimeouts {
		g.logger.Warn("silence bound reached", "call_id", callID, "count", t.silenceCount)
		return RetryResult{
			RetryCount: t.silenceCount,
			MaxRetries: g.maxSilenceTimeouts,
			Action:     domain.AdvisoryEndCall,
			Reason:     string(domain.FailureIVRTimeout),
		}
	}

	t.lastActivity = now
	return RetryResult{
		ShouldContinue: true,
		RetryCount:     t.silenceCount,
		MaxRetries:     g.maxSilenceTimeouts,
		Action:         domain.AdvisoryDTMF9,
		Reason:         "silence timeout",
	}
}

// CheckRepeatedPrompt compares the prompt against the previous one for the
// call. A new prompt resets the counter. The same prompt heard
// max_repeated_prompts times in a row advises switching modality.
func (g *RetryGovernor) CheckRepeatedPrompt(callID, text string) (bool, RetryResult) {
	hash := promptHash(text)

	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.track(callID)
	if hash != t.lastPromptHash {
		t.lastPromptHash = hash
		t.repeatCount = 0
		return false, RetryResult{ShouldContinue: true, MaxRetries: g.maxRepeatedPrompts, Action: domain.AdvisoryNone}
	}

	t.repeatCount++
	if t.repeatCount >= g.maxRepeatedPrompts {
		g.logger.Info("repeated prompt, advising alternative", "call_id", callID, "count", t.repeatCount)
		return true, RetryResult{
			ShouldContinue: true,
			RetryCount:     t.repeatCount,
			MaxRetries:     g.maxRepeatedPrompts,
			Action:         domain.AdvisoryAlternative,
			Reason:         "prompt repeated",
		}
	}
	return true, RetryResult{
		ShouldContinue: true,
		RetryCount:     t.repeatCount,
		MaxRetries:     g.maxRepeatedPrompts,
		Action:         domain.AdvisoryRetrySame,
		Reason:         "prompt repeated",
	}
}

// RecordActivity resets the silence timer for a call.
func (g *RetryGovernor) RecordActivity(callID string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.track(callID).lastActivity = now
}

// ResetSilence clears the silence counter after observed progress.
func (g *RetryGovernor) ResetSilence(callID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.tracking[callID]; ok {
		t.silenceCount = 0
		t.lastActivity = time.Now()
	}
}

// ResetAllTracking drops every auxiliary entry for a call. Called on
// disconnect.
func (g *RetryGovernor) ResetAllTracking(callID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tracking, callID)
}

// promptHash normalizes a prompt and hashes it so trivially different
// transcriptions of the same utterance compare equal. Normalization is
// idempotent.
func promptHash(text string) string {
	norm := strings.ToLower(text)
	norm = strings.Map(func(r rune) rune {
		switch r {
		case '.', ',', '!', '?', ';', ':':
			return -1
		}
		return r
	}, norm)
	norm = strings.Join(strings.Fields(norm), " ")

	sum := md5.Sum([]byte(norm))
	return hex.EncodeToString(sum[:])
}
