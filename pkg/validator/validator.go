package validator

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	validate *validator.Validate

	// Item types are lower-case identifiers with an optional namespace,
	// for example "diamond" or "minecraft:diamond_sword".
	itemTypePattern = regexp.MustCompile(`^[a-z0-9_.-]+(:[a-z0-9_./-]+)?$`)
)

// rules are registered on first use alongside the built-in tags.
var rules = map[string]validator.Func{
	"notblank": func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	},
	"trimmedmax": func(fl validator.FieldLevel) bool {
		limit, err := strconv.Atoi(fl.Param())
		if err != nil {
			return false
		}
		return utf8.RuneCountInString(strings.TrimSpace(fl.Field().String())) <= limit
	},
	"itemtype": func(fl validator.FieldLevel) bool {
		return itemTypePattern.MatchString(fl.Field().String())
	},
}

// ValidationError is one failed rule on one field.
type ValidationError struct {
	Field string `json:"field"`
	Tag   string `json:"tag"`
	Param string `json:"param"`
}

// Message renders the failure for API clients.
func (v ValidationError) Message() string {
	field := strings.ReplaceAll(v.Field, "_", " ")
	switch v.Tag {
	case "required", "notblank":
		return field + " is required"
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, v.Param)
	case "max", "trimmedmax":
		return fmt.Sprintf("%s must be at most %s characters", field, v.Param)
	case "itemtype":
		return field + " must be a lower-case item identifier"
	}
	if v.Param != "" {
		return fmt.Sprintf("%s failed validation: %s=%s", field, v.Tag, v.Param)
	}
	return fmt.Sprintf("%s failed validation: %s", field, v.Tag)
}

// ValidationErrors collects every failure of one struct.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(v))
	for i, failure := range v {
		parts[i] = failure.Message()
	}
	return strings.Join(parts, "; ")
}

// ValidateStruct validates s against its validate tags. Field names come from
// json tags so messages match the wire format.
func ValidateStruct(s any) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}

	ve, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	failures := make(ValidationErrors, 0, len(ve))
	for _, fe := range ve {
		failures = append(failures, ValidationError{Field: fe.Field(), Tag: fe.Tag(), Param: fe.Param()})
	}
	return failures
}

// RegisterValidation adds a custom rule.
func RegisterValidation(tag string, fn validator.Func) error {
	return getValidator().RegisterValidation(tag, fn)
}

func jsonFieldName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	if name == "" || name == "-" {
		return fld.Name
	}
	return name
}

func getValidator() *validator.Validate {
	once.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(jsonFieldName)
		for tag, fn := range rules {
			_ = validate.RegisterValidation(tag, fn)
		}
	})
	return validate
}
