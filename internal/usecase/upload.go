package usecase

import (
	"context"
	"errors"
	"path"
	"strings"

	"kb-chat/internal/domain"
)

const maxUploadBytes = 50 << 20

var uploadContentTypes = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".md":   "text/markdown",
	".html": "text/html",
	".htm":  "text/html",
}

// Presigner signs direct-to-storage uploads.
type Presigner interface {
	PresignPut(ctx context.Context, key, contentType string) (domain.PresignedUpload, error)
}

type UploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	FileSize    int64  `json:"fileSize"`
}

type UploadTicket struct {
	domain.PresignedUpload
	UploadID string `json:"uploadId"`
}

type UploadService struct {
	presigner Presigner
	prefix    string
}

func NewUploadService(p Presigner, keyPrefix string) (*UploadService, error) {
	if p == nil {
		return nil, errors.New("usecase: presigner must not be nil")
	}
	return &UploadService{presigner: p, prefix: domain.NormalizePrefix(keyPrefix)}, nil
}

// CreateUploadURL validates the file and returns a presigned PUT for
// <prefix><uploadId>/<filename>.
func (s *UploadService) CreateUploadURL(ctx context.Context, caller domain.Identity, req UploadRequest) (UploadTicket, error) {
	if err := requireAdmin(caller); err != nil {
		return UploadTicket{}, err
	}
	name := strings.TrimSpace(req.Filename)
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return UploadTicket{}, newError(ErrorValidation, "invalid_filename", nil)
	}
	ext := strings.ToLower(path.Ext(name))
	want, ok := uploadContentTypes[ext]
	if !ok {
		return UploadTicket{}, newError(ErrorValidation, "unsupported_file_type", nil)
	}
	ct := strings.TrimSpace(req.ContentType)
	if ct == "" {
		ct = want
	} else if !strings.EqualFold(strings.TrimSpace(strings.Split(ct, ";")[0]), want) {
		return UploadTicket{}, newError(ErrorValidation, "content_type_mismatch", nil)
	}
	if req.FileSize < 0 || req.FileSize > maxUploadBytes {
		return UploadTicket{}, newError(ErrorValidation, "file_too_large", nil)
	}

	id := newUUID()
	signed, err := s.presigner.PresignPut(ctx, s.prefix+id+"/"+name, ct)
	if err != nil {
		return UploadTicket{}, newError(ErrorInternal, "presign_upload", err)
	}
	return UploadTicket{PresignedUpload: signed, UploadID: id}, nil
}
