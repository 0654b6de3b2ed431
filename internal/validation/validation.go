// Package validation turns malformed input into field-level errors before
// it reaches the verification state machine.
package validation

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/mbd888/stepup/internal/idgen"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

func init() {
	// Report binding failures by JSON name rather than Go field name.
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	}
}

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidToken checks the shape of a verification token. Shape only: an
// unknown token is still reported as not found by the store.
func ValidToken(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		if !idgen.IsToken(value) {
			return &ValidationError{Field: field, Message: "is not a verification token"}
		}
		return nil
	}
}

// ValidUUID checks that a field is a canonical UUID.
func ValidUUID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if _, err := uuid.Parse(value); err != nil || len(value) != 36 {
			return &ValidationError{Field: field, Message: "must be a UUID"}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed limit bytes.
func MaxLength(field, value string, limit int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > limit {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// FromBinding converts a gin binding failure into field errors. Errors
// that are not validator failures (malformed JSON) become a single body
// error.
func FromBinding(err error) ValidationErrors {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ValidationErrors{{Field: "body", Message: "malformed JSON body"}}
	}
	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{Field: jsonName(fe), Message: describe(fe)})
	}
	return out
}

// BadRequest writes the standard validation envelope.
func BadRequest(c *gin.Context, errs ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// UUIDParamMiddleware rejects routes whose :name param is not a UUID.
func UUIDParamMiddleware(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if errs := Validate(ValidUUID(name, c.Param(name))); len(errs) > 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_" + name,
				"message": errs.Error(),
			})
			return
		}
		c.Next()
	}
}

func jsonName(fe validator.FieldError) string {
	if name := fe.Field(); name != "" {
		return name
	}
	return "body"
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "numeric":
		return "must contain only digits"
	case "min":
		return "must have at least " + fe.Param() + " entries"
	case "max":
		return "must have at most " + fe.Param() + " entries"
	case "startswith":
		return "must start with " + fe.Param()
	default:
		return "is invalid (" + fe.Tag() + ")"
	}
}
