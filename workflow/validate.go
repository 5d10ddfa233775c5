package workflow

import "github.com/go-playground/validator/v10"

// validatorUtil 所有入参和类型化配置的统一校验器, validator 本身并发安全
var validatorUtil = validator.New(validator.WithRequiredStructEnabled())
