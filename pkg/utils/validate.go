package utils

import "github.com/go-playground/validator/v10"

// Shared validator, custom validations are registered in init() by their owners
var Validate = validator.New()
