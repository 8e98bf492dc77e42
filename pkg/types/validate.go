package types

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ValidateSpec 驗證任務提交規格，失敗時回傳 ValidationError
func ValidateSpec(spec *TaskSpec) error {
	return toValidationError(validate.Struct(spec))
}

// ValidateStep 驗證工作流步驟，失敗時回傳 ValidationError
func ValidateStep(step *WorkflowStep) error {
	return toValidationError(validate.Struct(step))
}

// toValidationError 將 validator 的錯誤轉換為本系統的 ValidationError
func toValidationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		first := verrs[0]
		return &ValidationError{
			Field:  first.StructNamespace(),
			Reason: "failed rule '" + first.Tag() + "'",
		}
	}
	return &ValidationError{Reason: err.Error()}
}
