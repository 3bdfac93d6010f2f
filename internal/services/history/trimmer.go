// Package history bounds conversation transcripts by age, count and token
// budget before they are fed to a model or persisted.
package history

import (
	"time"

	"github.com/persona-ai-gateway/internal/config"
	"github.com/persona-ai-gateway/internal/models"
	"github.com/persona-ai-gateway/internal/services/tokenizer"
	"github.com/sirupsen/logrus"
)

// cleanupThreshold is the fraction of the character-equivalent token budget
// above which NeedsCleanup reports true.
const cleanupThreshold = 0.8

// Trimmer applies the three-stage trim: age filter, count cap, token budget.
type Trimmer struct {
	maxMessages     int
	retentionWindow time.Duration
	maxTokens       int
	logger          *logrus.Logger
}

// NewTrimmer creates a trimmer from history configuration.
func NewTrimmer(cfg *config.HistoryConfig, logger *logrus.Logger) *Trimmer {
	return &Trimmer{
		maxMessages:     cfg.MaxMessages,
		retentionWindow: cfg.RetentionWindow,
		maxTokens:       cfg.MaxTokens,
		logger:          logger,
	}
}

// Trim bounds the transcript. Stages run in a fixed order, each on the
// output of the previous:
//
//  1. drop turns older than the retention window (zero timestamps are kept)
//  2. keep only the last maxMessages turns
//  3. keep the contiguous most-recent suffix that fits the token budget
//
// The result is chronological and deterministic for a fixed now.
func (t *Trimmer) Trim(transcript models.Transcript, now time.Time) models.Transcript {
	kept := t.filterByAge(transcript, now)
	kept = t.capByCount(kept)
	kept = t.capByTokens(kept)

	if t.logger != nil && len(kept) != len(transcript) {
		t.logger.WithFields(logrus.Fields{
			"before": len(transcript),
			"after":  len(kept),
		}).Debug("Transcript trimmed")
	}

	return kept
}

// NeedsCleanup reports whether the transcript's character volume exceeds
// 80% of the character-equivalent of the token budget. The orchestrator
// uses it to decide whether to pay the trim cost before prompt assembly;
// trimming always runs before persisting regardless.
func (t *Trimmer) NeedsCleanup(transcript models.Transcript) bool {
	total := 0
	for _, turn := range transcript {
		total += len(turn.Role) + len(turn.Content)
	}
	budgetChars := float64(t.maxTokens) * tokenizer.CharsPerToken * cleanupThreshold
	return float64(total) > budgetChars
}

func (t *Trimmer) filterByAge(transcript models.Transcript, now time.Time) models.Transcript {
	cutoff := now.Add(-t.retentionWindow)
	kept := make(models.Transcript, 0, len(transcript))
	for _, turn := range transcript {
		// Turns without a timestamp are treated as not-yet-aged.
		if turn.Timestamp.IsZero() || !turn.Timestamp.Before(cutoff) {
			kept = append(kept, turn)
		}
	}
	return kept
}

func (t *Trimmer) capByCount(transcript models.Transcript) models.Transcript {
	if len(transcript) <= t.maxMessages {
		return transcript
	}
	return transcript[len(transcript)-t.maxMessages:]
}

func (t *Trimmer) capByTokens(transcript models.Transcript) models.Transcript {
	total := 0
	// Walk newest to oldest; stop at the first turn that would exceed the
	// budget. The retained set is a contiguous suffix: a skipped turn is
	// never reinserted.
	start := len(transcript)
	for i := len(transcript) - 1; i >= 0; i-- {
		cost := tokenizer.Estimate(transcript[i].Role) + tokenizer.Estimate(transcript[i].Content)
		if total+cost > t.maxTokens {
			break
		}
		total += cost
		start = i
	}
	return transcript[start:]
}
