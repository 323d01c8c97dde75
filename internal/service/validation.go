package service

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/xerrors"

	"github.com/yourname/dailytally/internal"
)

var validate = validator.New()

// SubmitRequest is the body of a reading submission. Count accepts a JSON
// number or a numeric string.
type SubmitRequest struct {
	Name              string      `json:"name" validate:"required,max=100"`
	Count             json.Number `json:"count" validate:"required"`
	ConfirmCorrection bool        `json:"confirmCorrection"`
}

// Parse validates req and returns the trimmed name and the signed count.
func (req *SubmitRequest) Parse() (string, int64, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := validate.Struct(req); err != nil {
		return "", 0, xerrors.Errorf("%v: %w", err, internal.ErrInvalidInput)
	}
	count, err := strconv.ParseInt(strings.TrimSpace(req.Count.String()), 10, 64)
	if err != nil {
		return "", 0, xerrors.Errorf("count %q is not an integer: %w", req.Count.String(), internal.ErrInvalidInput)
	}
	if count > internal.MaxAmount || count < -internal.MaxAmount {
		return "", 0, xerrors.Errorf("got %d: %w", count, internal.ErrAmountTooLarge)
	}
	return req.Name, count, nil
}
