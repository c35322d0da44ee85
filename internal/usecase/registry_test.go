package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"kb-chat/internal/domain"
	"kb-chat/internal/repository"
)

func newRegistryFixture(t *testing.T) *RegistryService {
	t.Helper()
	reg, err := repository.NewMemoryRegistry(testSeed())
	require.NoError(t, err)
	svc, err := NewRegistryService(reg)
	require.NoError(t, err)
	return svc
}

var admin = domain.Identity{EmployeeID: "A1", Role: domain.RoleAdmin}

func TestRegistry_Reads(t *testing.T) {
	svc := newRegistryFixture(t)
	ctx := context.Background()

	groups, err := svc.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	gd, err := svc.GroupDomains(ctx, "G-ALL")
	require.NoError(t, err)
	require.Len(t, gd.Domains, 2)
	require.Equal(t, "HR", gd.Domains[0].Code)

	_, err = svc.GroupDomains(ctx, "missing")
	require.Equal(t, ErrorNotFound, CodeOf(err))
}

func TestRegistry_WritesRequireAdmin(t *testing.T) {
	svc := newRegistryFixture(t)
	ctx := context.Background()
	user := testCaller()

	_, err := svc.CreateGroup(ctx, user, domain.AccessGroup{Code: "G-NEW"})
	require.Equal(t, ErrorForbidden, CodeOf(err))
	_, err = svc.CreateDomain(ctx, user, domain.ContentDomain{Code: "X", DisplayName: "X", StoragePrefix: "x/"})
	require.Equal(t, ErrorForbidden, CodeOf(err))
	require.Equal(t, ErrorForbidden, CodeOf(svc.DeleteDomain(ctx, user, "HR")))
	require.Equal(t, ErrorForbidden, CodeOf(svc.DeleteGroup(ctx, user, "G-OPS")))
}

func TestRegistry_GroupRejectsUnknownDomain(t *testing.T) {
	svc := newRegistryFixture(t)
	_, err := svc.CreateGroup(context.Background(), admin, domain.AccessGroup{
		Code: "G-NEW", AllowedDomainCodes: []string{"HR", "NOPE"},
	})
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, ErrorValidation, ue.Code)
	require.Equal(t, "unknown_domain_code", ue.Reason)
}

func TestRegistry_GroupCreateDedupesCodes(t *testing.T) {
	svc := newRegistryFixture(t)
	g, err := svc.CreateGroup(context.Background(), admin, domain.AccessGroup{
		Code: " G-NEW ", AllowedDomainCodes: []string{"HR", " HR", "LEGAL", ""},
	})
	require.NoError(t, err)
	require.Equal(t, "G-NEW", g.Code)
	require.Equal(t, []string{"HR", "LEGAL"}, g.AllowedDomainCodes)

	_, err = svc.CreateGroup(context.Background(), admin, domain.AccessGroup{Code: "G-NEW"})
	require.Equal(t, ErrorConflict, CodeOf(err))
}

func TestRegistry_DomainInUseCannotBeDeleted(t *testing.T) {
	svc := newRegistryFixture(t)
	ctx := context.Background()

	err := svc.DeleteDomain(ctx, admin, "LEGAL")
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, ErrorConflict, ue.Code)
	require.Equal(t, "domain_in_use", ue.Reason)

	_, err = svc.UpdateGroup(ctx, admin, domain.AccessGroup{Code: "G-ALL", AllowedDomainCodes: []string{"HR"}})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteDomain(ctx, admin, "LEGAL"))
	_, err = svc.GetDomain(ctx, "LEGAL")
	require.Equal(t, ErrorNotFound, CodeOf(err))
}

func TestRegistry_DomainPrefixNormalizedAndUnique(t *testing.T) {
	svc := newRegistryFixture(t)
	ctx := context.Background()

	d, err := svc.CreateDomain(ctx, admin, domain.ContentDomain{Code: "QA", DisplayName: "Quality", StoragePrefix: "/quality/specs"})
	require.NoError(t, err)
	require.Equal(t, "quality/specs/", d.StoragePrefix)

	_, err = svc.CreateDomain(ctx, admin, domain.ContentDomain{Code: "QA2", DisplayName: "Quality copy", StoragePrefix: "quality/specs/"})
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, "duplicate_storage_prefix", ue.Reason)

	// Nested prefixes are allowed; longest match keeps them unambiguous.
	_, err = svc.CreateDomain(ctx, admin, domain.ContentDomain{Code: "QA3", DisplayName: "Quality laws", StoragePrefix: "quality/specs/laws"})
	require.NoError(t, err)

	_, err = svc.CreateDomain(ctx, admin, domain.ContentDomain{Code: "QA4", DisplayName: "No prefix", StoragePrefix: " / "})
	require.Equal(t, ErrorValidation, CodeOf(err))

	d, err = svc.UpdateDomain(ctx, admin, domain.ContentDomain{Code: "QA", DisplayName: "Quality v2", StoragePrefix: "quality/specs"})
	require.NoError(t, err)
	require.Equal(t, "Quality v2", d.DisplayName)
}
