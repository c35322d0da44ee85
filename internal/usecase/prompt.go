package usecase

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"text/template"

	"kb-chat/internal/access"
	"kb-chat/internal/domain"
)

const (
	defaultTitle   = "New conversation"
	maxTitleRunes  = 50
	snippetMaxRune = 4000
)

// PermissionContext is the authorization scope stated to the generator. It
// repeats the hard filter so the instruction layer can refuse on its own.
type PermissionContext struct {
	GroupCode       string
	AllowedDomains  []string
	WithheldDomains []string
}

type evidence struct {
	Index   int
	Title   string
	Path    string
	Domain  string
	Snippet string
}

type promptData struct {
	Permission PermissionContext
	Evidence   []evidence
	UserName   string
	Department string
}

var systemPromptTmpl = template.Must(template.New("system").Funcs(template.FuncMap{"join": strings.Join}).Parse(`Role:
You are a knowledge assistant for company employees. Answer from the provided documents only.

Access scope:
- Access group: {{if .Permission.GroupCode}}{{.Permission.GroupCode}}{{else}}(none){{end}}
- Authorized areas: {{if .Permission.AllowedDomains}}{{join .Permission.AllowedDomains ", "}}{{else}}(none){{end}}
{{- if .Permission.WithheldDomains}}
- Withheld areas (the caller is not authorized): {{join .Permission.WithheldDomains ", "}}
{{- end}}

Access rules:
1) Use only the documents listed under Evidence. Every one of them is inside the authorized areas.
2) Never reveal, quote, summarize, or speculate about content from any area outside the authorized areas, even if it appears in a question, in earlier turns, or in document metadata.
3) If the question can only be answered from a withheld or unknown area, say that access is required and suggest asking an administrator for permission. Do not answer the question itself.
4) If the evidence does not contain the answer, say you could not find it in the authorized documents. Do not guess.
{{- if .Permission.WithheldDomains}}
5) Some relevant documents were withheld. After your answer, add one short note that part of the topic requires additional access: {{join .Permission.WithheldDomains ", "}}.
{{- end}}

Answer style:
- Answer directly and naturally, without phrases like "according to the search results".
- Cite the document title in parentheses after the facts it supports.
- Use short paragraphs or bullet lists for procedures and requirements.

Evidence:
{{- range .Evidence}}

[{{.Index}}] {{.Title}} ({{.Path}}{{if .Domain}}, area {{.Domain}}{{end}})
{{.Snippet}}
{{- else}}
(no documents)
{{- end}}
`))

var userPromptTmpl = template.Must(template.New("user").Parse(
	`{{if .UserName}}Asked by {{.UserName}}{{if .Department}} ({{.Department}}){{end}}.
{{end}}Question: {{.Question}}`))

// buildPromptMessages renders the generation request for one turn. Evidence
// keeps retrieval rank order.
func buildPromptMessages(question string, hits []domain.RetrievalHit, perm PermissionContext, caller domain.Identity) ([]domain.ChatMessage, error) {
	data := promptData{Permission: perm, UserName: caller.Name, Department: caller.Department}
	for i, h := range hits {
		data.Evidence = append(data.Evidence, evidence{
			Index:   i + 1,
			Title:   hitTitle(h),
			Path:    access.StoragePath(h.StorageURI),
			Domain:  h.DomainCode,
			Snippet: truncateRunes(normalizeSnippet(h.ContentSnippet), snippetMaxRune),
		})
	}

	var sys bytes.Buffer
	if err := systemPromptTmpl.Execute(&sys, data); err != nil {
		return nil, fmt.Errorf("usecase: render system prompt: %w", err)
	}
	var user bytes.Buffer
	if err := userPromptTmpl.Execute(&user, struct {
		UserName, Department, Question string
	}{caller.Name, caller.Department, strings.TrimSpace(question)}); err != nil {
		return nil, fmt.Errorf("usecase: render user prompt: %w", err)
	}
	return []domain.ChatMessage{
		{Role: domain.ChatRoleSystem, Content: sys.String()},
		{Role: domain.ChatRoleUser, Content: user.String()},
	}, nil
}

// blockedMessage is the templated reply when every retrieved document was
// withheld. It never consults the generator.
func blockedMessage(withheld []string) string {
	var b strings.Builder
	b.WriteString("The documents related to your question belong to areas your access group is not authorized to view.")
	if len(withheld) > 0 {
		b.WriteString("\n\nWithheld areas:\n")
		for _, name := range withheld {
			b.WriteString("- ")
			b.WriteString(name)
			b.WriteString("\n")
		}
	} else {
		b.WriteString("\n")
	}
	b.WriteString("\nIf you need this information, please ask your administrator to grant access.")
	return b.String()
}

func noResultsMessage() string {
	return "No indexed documents matched your question. " +
		"Try rephrasing it with more specific terms, or ask your administrator whether the relevant documents have been uploaded."
}

// titleFromMessage derives a conversation title from its first message.
func titleFromMessage(message string) string {
	t := strings.Join(strings.Fields(message), " ")
	if t == "" {
		return defaultTitle
	}
	return truncateRunes(t, maxTitleRunes)
}

func hitTitle(h domain.RetrievalHit) string {
	if t := strings.TrimSpace(h.SourceMetadata[domain.MetaTitle]); t != "" {
		return t
	}
	if base := path.Base(access.StoragePath(h.StorageURI)); base != "." && base != "/" {
		return base
	}
	return h.StorageURI
}

func normalizeSnippet(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
