package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"kb-chat/internal/domain"
)

func (s *SQLStore) ListDomains(ctx context.Context) ([]domain.ContentDomain, error) {
	var rows []domainRow
	if err := s.db.WithContext(ctx).Order("code").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("repository: ListDomains: %w", err)
	}
	out := make([]domain.ContentDomain, 0, len(rows))
	for _, r := range rows {
		out = append(out, domainFromRow(r))
	}
	return out, nil
}

func (s *SQLStore) GetDomain(ctx context.Context, code string) (domain.ContentDomain, error) {
	var row domainRow
	if err := s.db.WithContext(ctx).Where("code = ?", code).Take(&row).Error; err != nil {
		return domain.ContentDomain{}, fmt.Errorf("repository: GetDomain: %w", translate(err))
	}
	return domainFromRow(row), nil
}

func (s *SQLStore) CreateDomain(ctx context.Context, d domain.ContentDomain) error {
	row := domainRow{
		Code:          d.Code,
		Name:          d.DisplayName,
		StoragePrefix: d.StoragePrefix,
		HasData:       d.HasIndexedContent,
		Description:   d.Description,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("repository: CreateDomain: %w", translate(err))
	}
	return nil
}

func (s *SQLStore) UpdateDomain(ctx context.Context, d domain.ContentDomain) error {
	res := s.db.WithContext(ctx).Model(&domainRow{}).Where("code = ?", d.Code).Updates(map[string]any{
		"name":           d.DisplayName,
		"storage_prefix": d.StoragePrefix,
		"has_data":       d.HasIndexedContent,
		"description":    d.Description,
		"updated_at":     s.now(),
	})
	if res.Error != nil {
		return fmt.Errorf("repository: UpdateDomain: %w", translate(res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("repository: UpdateDomain: %w", domain.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) DeleteDomain(ctx context.Context, code string) error {
	res := s.db.WithContext(ctx).Where("code = ?", code).Delete(&domainRow{})
	if res.Error != nil {
		return fmt.Errorf("repository: DeleteDomain: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("repository: DeleteDomain: %w", domain.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) ListGroups(ctx context.Context) ([]domain.AccessGroup, error) {
	var rows []groupRow
	if err := s.db.WithContext(ctx).Order("code").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("repository: ListGroups: %w", err)
	}
	out := make([]domain.AccessGroup, 0, len(rows))
	for _, r := range rows {
		out = append(out, groupFromRow(r))
	}
	return out, nil
}

func (s *SQLStore) GetGroup(ctx context.Context, code string) (domain.AccessGroup, error) {
	var row groupRow
	if err := s.db.WithContext(ctx).Where("code = ?", code).Take(&row).Error; err != nil {
		return domain.AccessGroup{}, fmt.Errorf("repository: GetGroup: %w", translate(err))
	}
	return groupFromRow(row), nil
}

func (s *SQLStore) CreateGroup(ctx context.Context, g domain.AccessGroup) error {
	row := groupRow{
		Code:        g.Code,
		KBDomains:   joinCodes(g.AllowedDomainCodes),
		Description: g.Description,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("repository: CreateGroup: %w", translate(err))
	}
	return nil
}

func (s *SQLStore) UpdateGroup(ctx context.Context, g domain.AccessGroup) error {
	res := s.db.WithContext(ctx).Model(&groupRow{}).Where("code = ?", g.Code).Updates(map[string]any{
		"kb_domains":  joinCodes(g.AllowedDomainCodes),
		"description": g.Description,
		"updated_at":  s.now(),
	})
	if res.Error != nil {
		return fmt.Errorf("repository: UpdateGroup: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("repository: UpdateGroup: %w", domain.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) DeleteGroup(ctx context.Context, code string) error {
	res := s.db.WithContext(ctx).Where("code = ?", code).Delete(&groupRow{})
	if res.Error != nil {
		return fmt.Errorf("repository: DeleteGroup: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("repository: DeleteGroup: %w", domain.ErrNotFound)
	}
	return nil
}

// SeedRegistry inserts the given domains and groups when the registry tables
// are empty. It is a no-op on a populated registry.
func (s *SQLStore) SeedRegistry(ctx context.Context, seed RegistrySeed) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&domainRow{}).Count(&count).Error; err != nil {
		return false, fmt.Errorf("repository: SeedRegistry count: %w", err)
	}
	if count > 0 {
		return false, nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, d := range seed.Domains {
			row := domainRow{
				Code:          d.Code,
				Name:          d.DisplayName,
				StoragePrefix: domain.NormalizePrefix(d.StoragePrefix),
				HasData:       d.HasIndexedContent,
				Description:   d.Description,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		for _, g := range seed.Groups {
			row := groupRow{Code: g.Code, KBDomains: joinCodes(g.AllowedDomainCodes), Description: g.Description}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("repository: SeedRegistry: %w", translate(err))
	}
	return true, nil
}

