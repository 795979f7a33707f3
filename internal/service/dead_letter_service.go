package service

import (
	"context"

	appErrors "github.com/unclebandit/whatsapp-delivery-core/internal/errors"
	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
	"github.com/unclebandit/whatsapp-delivery-core/internal/repository"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// DeadLetterService exposes exhausted outbound messages for manual review.
type DeadLetterService struct {
	Repo repository.DeadLetterRepositoryInterface
}

// List pages dead letters newest first. Out-of-range paging values fall back
// to page 1 and 20 per page; page size is capped at 100.
func (s *DeadLetterService) List(ctx context.Context, page, pageSize int) ([]model.DeadLetterJob, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	offset := (page - 1) * pageSize

	jobs, total, err := s.Repo.List(ctx, offset, pageSize)
	if err != nil {
		return nil, nil, appErrors.Infra("deadletter.list", err)
	}

	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": (total + pageSize - 1) / pageSize,
	}

	return jobs, pagination, nil
}
