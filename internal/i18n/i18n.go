// Package i18n provides translation lookup for log and response messages.
// Translations never influence control flow.
package i18n

import (
	"context"
	"net/http"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Translator renders a message key in the language carried by ctx.
type Translator interface {
	T(ctx context.Context, key string, args ...any) string
}

type ctxKey struct{}

// WithLanguage attaches a language tag to ctx.
func WithLanguage(ctx context.Context, tag language.Tag) context.Context {
	return context.WithValue(ctx, ctxKey{}, tag)
}

// LanguageFrom returns the language attached to ctx, if any.
func LanguageFrom(ctx context.Context) (language.Tag, bool) {
	tag, ok := ctx.Value(ctxKey{}).(language.Tag)
	return tag, ok
}

// Bundle is a catalog-backed Translator.
type Bundle struct {
	cat      *catalog.Builder
	fallback language.Tag
	matcher  language.Matcher
}

// New builds a Bundle from the built-in message tables. fallback is used when
// neither ctx nor Accept-Language yields a supported language.
func New(fallback string) *Bundle {
	fb, err := language.Parse(fallback)
	if err != nil {
		fb = language.English
	}
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for tag, table := range messages {
		for key, msg := range table {
			_ = b.SetString(tag, key, msg)
		}
	}
	return &Bundle{cat: b, fallback: fb, matcher: language.NewMatcher(supported)}
}

// T implements Translator. Unknown keys are returned as-is.
func (b *Bundle) T(ctx context.Context, key string, args ...any) string {
	tag := b.fallback
	if ctx != nil {
		if t, ok := LanguageFrom(ctx); ok {
			tag = t
		}
	}
	return message.NewPrinter(tag, message.Catalog(b.cat)).Sprintf(key, args...)
}

// Match picks the best supported language for an Accept-Language header value.
func (b *Bundle) Match(acceptLanguage string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return b.fallback
	}
	_, idx, conf := b.matcher.Match(tags...)
	if conf == language.No {
		return b.fallback
	}
	return supported[idx]
}

// Middleware negotiates the request language from the lang query parameter or
// the Accept-Language header.
func (b *Bundle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := r.URL.Query().Get("lang")
		if hdr == "" {
			hdr = r.Header.Get("Accept-Language")
		}
		ctx := WithLanguage(r.Context(), b.Match(hdr))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Nop returns keys untranslated.
type Nop struct{}

func (Nop) T(_ context.Context, key string, _ ...any) string { return key }
