package middleware

import (
	"embed"
	"encoding/json"
	"path"

	"github.com/gin-gonic/gin"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

// Kontext-Schlüssel
const (
	ContextLanguage  = "language"
	ContextLocalizer = "localizer"
)

// Translator hält das Übersetzungsbündel
type Translator struct {
	bundle          *i18n.Bundle
	matcher         language.Matcher
	defaultLanguage string
}

// NewTranslator lädt die eingebetteten Übersetzungen
func NewTranslator(defaultLanguage string) (*Translator, error) {
	if defaultLanguage == "" {
		defaultLanguage = "en"
	}
	defaultTag, err := language.Parse(defaultLanguage)
	if err != nil {
		return nil, err
	}

	bundle := i18n.NewBundle(defaultTag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	files, err := localeFS.ReadDir("locales")
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if _, err := bundle.LoadMessageFileFS(localeFS, path.Join("locales", f.Name())); err != nil {
			return nil, err
		}
	}

	// Standardsprache zuerst, damit der Matcher auf sie zurückfällt
	tags := []language.Tag{defaultTag}
	for _, tag := range bundle.LanguageTags() {
		if tag != defaultTag {
			tags = append(tags, tag)
		}
	}

	return &Translator{
		bundle:          bundle,
		matcher:         language.NewMatcher(tags),
		defaultLanguage: defaultLanguage,
	}, nil
}

// Localizer erstellt einen Localizer für die angegebenen Sprachwünsche
func (t *Translator) Localizer(langs ...string) *i18n.Localizer {
	return i18n.NewLocalizer(t.bundle, append(langs, t.defaultLanguage)...)
}

// Language ermittelt die unterstützte Sprache für die Wünsche
func (t *Translator) Language(langs ...string) string {
	tag, _ := language.MatchStrings(t.matcher, langs...)
	base, _ := tag.Base()
	return base.String()
}

// Translate übersetzt eine Nachricht. Unbekannte IDs werden unverändert zurückgegeben.
func Translate(localizer *i18n.Localizer, id string, data map[string]interface{}) string {
	msg, err := localizer.Localize(&i18n.LocalizeConfig{MessageID: id, TemplateData: data})
	if err != nil {
		log.Debugf("Missing translation for %s: %v", id, err)
		return id
	}
	return msg
}

// I18n ermittelt die Sprache aus ?lang= oder Accept-Language und legt
// Localizer und Sprache im Kontext ab
func I18n(t *Translator) gin.HandlerFunc {
	return func(c *gin.Context) {
		lang := c.Query("lang")
		accept := c.GetHeader("Accept-Language")

		c.Set(ContextLanguage, t.Language(lang, accept))
		c.Set(ContextLocalizer, t.Localizer(lang, accept))
		c.Next()
	}
}

// T übersetzt im Kontext einer Anfrage
func T(c *gin.Context, id string, data map[string]interface{}) string {
	if v, ok := c.Get(ContextLocalizer); ok {
		if localizer, ok := v.(*i18n.Localizer); ok {
			return Translate(localizer, id, data)
		}
	}
	return id
}
