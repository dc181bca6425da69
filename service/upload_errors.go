package service

import (
	"fmt"

	"github.com/google/uuid"
)

type UploadErrorCode int

const (
	UploadInvalidTitleLength UploadErrorCode = iota + 1
	UploadUnsupportedFileType
	UploadFileTooLarge
	UploadFileNotFound
	UploadFileReadError
	UploadMaterialCreationFailed
	UploadLocationFailed
	UploadFailed
	UploadNotifyCompleteFailed
	UploadProcessingTimeout
	UploadProcessingFailed
	UploadCancelled
	UploadNetworkError
)

var uploadCodeNames = map[UploadErrorCode]string{
	UploadInvalidTitleLength:     "invalid title length",
	UploadUnsupportedFileType:    "unsupported file type",
	UploadFileTooLarge:           "file too large",
	UploadFileNotFound:           "file not found",
	UploadFileReadError:          "file read error",
	UploadMaterialCreationFailed: "material creation failed",
	UploadLocationFailed:         "upload location failed",
	UploadFailed:                 "upload failed",
	UploadNotifyCompleteFailed:   "notify complete failed",
	UploadProcessingTimeout:      "processing timeout",
	UploadProcessingFailed:       "processing failed",
	UploadCancelled:              "cancelled",
	UploadNetworkError:           "network error",
}

func (c UploadErrorCode) String() string {
	if s, ok := uploadCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("upload error %d", int(c))
}

// UploadError is the only error type Execute returns. Value carries the
// offending input (title, mime type, path, size) and Limit the bound it broke.
type UploadError struct {
	Code       UploadErrorCode
	Value      string
	Limit      int64
	MaterialID uuid.UUID
	Err        error
}

// Sentinels for errors.Is; they match any UploadError with the same code.
var (
	ErrInvalidTitleLength     = &UploadError{Code: UploadInvalidTitleLength}
	ErrUnsupportedFileType    = &UploadError{Code: UploadUnsupportedFileType}
	ErrFileTooLarge           = &UploadError{Code: UploadFileTooLarge}
	ErrFileNotFound           = &UploadError{Code: UploadFileNotFound}
	ErrFileRead               = &UploadError{Code: UploadFileReadError}
	ErrMaterialCreationFailed = &UploadError{Code: UploadMaterialCreationFailed}
	ErrUploadLocationFailed   = &UploadError{Code: UploadLocationFailed}
	ErrUploadFailed           = &UploadError{Code: UploadFailed}
	ErrNotifyCompleteFailed   = &UploadError{Code: UploadNotifyCompleteFailed}
	ErrProcessingTimeout      = &UploadError{Code: UploadProcessingTimeout}
	ErrProcessingFailed       = &UploadError{Code: UploadProcessingFailed}
	ErrUploadCancelled        = &UploadError{Code: UploadCancelled}
	ErrNetwork                = &UploadError{Code: UploadNetworkError}
)

func (e *UploadError) Error() string {
	msg := e.Code.String()
	switch e.Code {
	case UploadInvalidTitleLength:
		msg = fmt.Sprintf("%s: %q", msg, e.Value)
	case UploadUnsupportedFileType:
		msg = fmt.Sprintf("%s: %s", msg, e.Value)
	case UploadFileTooLarge:
		msg = fmt.Sprintf("%s: %s bytes exceeds limit of %d", msg, e.Value, e.Limit)
	case UploadFileNotFound, UploadFileReadError:
		msg = fmt.Sprintf("%s: %s", msg, e.Value)
	}
	if e.MaterialID != uuid.Nil {
		msg = fmt.Sprintf("%s (material %s)", msg, e.MaterialID)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

func (e *UploadError) Is(target error) bool {
	t, ok := target.(*UploadError)
	return ok && t.Code == e.Code
}

func uploadErr(code UploadErrorCode, materialID uuid.UUID, err error) *UploadError {
	return &UploadError{Code: code, MaterialID: materialID, Err: err}
}
