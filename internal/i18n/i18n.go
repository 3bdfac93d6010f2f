package i18n

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/persona-ai-gateway/internal/config"
	"golang.org/x/text/language"
)

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a new localizer
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	directory := cfg.Directory
	if directory == "" {
		directory = "configs/i18n"
	}

	// Load language files
	for _, lang := range cfg.Languages {
		if _, err := bundle.LoadMessageFile(filepath.Join(directory, fmt.Sprintf("%s.json", lang))); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
	}

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range cfg.Languages {
		localizers[lang] = i18n.NewLocalizer(bundle, lang)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: cfg.DefaultLanguage,
		localizers:      localizers,
	}, nil
}

// Get returns localized message
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}
	if localizer == nil {
		return messageID
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID // Fallback to message ID
	}

	return msg
}

// Message IDs
const (
	MsgMissingUserID     = "missing_user_id"
	MsgInvalidRequest    = "invalid_request"
	MsgRateLimitExceeded = "rate_limit_exceeded"
	MsgGenerationFailed  = "generation_failed"
	MsgEmbeddingFailed   = "embedding_failed"
	MsgStorageFailed     = "storage_failed"
	MsgHistoryCleared    = "history_cleared"
	MsgInternalError     = "internal_error"
	MsgStreamUnsupported = "stream_unsupported"
)
