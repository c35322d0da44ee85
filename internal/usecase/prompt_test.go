package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"kb-chat/internal/domain"
)

func TestBuildPromptMessages(t *testing.T) {
	hits := []domain.RetrievalHit{
		{StorageURI: "s3://kb/hr/leave.pdf", ContentSnippet: "  Annual leave\n\n is   15 days. ", DomainCode: "HR",
			SourceMetadata: map[string]string{domain.MetaTitle: "Leave Policy"}},
		{StorageURI: "s3://kb/hr/overtime.pdf", ContentSnippet: "Overtime needs approval.", DomainCode: "HR"},
	}
	perm := PermissionContext{GroupCode: "G-OPS", AllowedDomains: []string{"Human Resources"}}

	msgs, err := buildPromptMessages("  leave?  ", hits, perm, domain.Identity{Name: "Kim", Department: "Ops"})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, domain.ChatRoleSystem, msgs[0].Role)
	require.Equal(t, domain.ChatRoleUser, msgs[1].Role)

	sys := msgs[0].Content
	require.Contains(t, sys, "Access group: G-OPS")
	require.Contains(t, sys, "Authorized areas: Human Resources")
	require.Contains(t, sys, "Never reveal")
	require.NotContains(t, sys, "Withheld areas")
	require.Contains(t, sys, "[1] Leave Policy (hr/leave.pdf, area HR)\nAnnual leave\nis 15 days.")
	require.Contains(t, sys, "[2] overtime.pdf (hr/overtime.pdf, area HR)")
	require.Less(t, strings.Index(sys, "[1]"), strings.Index(sys, "[2]"))

	require.Equal(t, "Asked by Kim (Ops).\nQuestion: leave?", msgs[1].Content)
}

func TestBuildPromptMessages_WithheldAreasAndNoCaller(t *testing.T) {
	perm := PermissionContext{AllowedDomains: nil, WithheldDomains: []string{"Legal", "Quality"}}
	msgs, err := buildPromptMessages("q", nil, perm, domain.Identity{})
	require.NoError(t, err)
	sys := msgs[0].Content
	require.Contains(t, sys, "Access group: (none)")
	require.Contains(t, sys, "Authorized areas: (none)")
	require.Contains(t, sys, "Withheld areas (the caller is not authorized): Legal, Quality")
	require.Contains(t, sys, "(no documents)")
	require.Equal(t, "Question: q", msgs[1].Content)
}

func TestTemplatedMessagesDiffer(t *testing.T) {
	blocked := blockedMessage([]string{"Legal"})
	require.Contains(t, blocked, "- Legal")
	require.Contains(t, blocked, "administrator")
	require.NotEqual(t, noResultsMessage(), blocked)
	require.NotContains(t, blockedMessage(nil), "Withheld areas")
}

func TestTitleFromMessage(t *testing.T) {
	require.Equal(t, defaultTitle, titleFromMessage("   "))
	require.Equal(t, "a b c", titleFromMessage(" a \n b\tc "))
	long := strings.Repeat("안", 60)
	require.Equal(t, strings.Repeat("안", 50), titleFromMessage(long))
}
