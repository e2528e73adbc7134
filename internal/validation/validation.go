package validation

import (
	"errors"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	Validate   *validator.Validate
	Translator ut.Translator

	// custom validation tags & texts
	msisdnTag   = "msisdn"
	msisdnText  = "{0} must be a mobile number of 9 to 15 digits"
	msisdnRegex = regexp.MustCompile(`^\+?[0-9]{9,15}$`)
)

func init() {
	Validate = validator.New()

	_en := en.New()
	uni := ut.New(_en, _en)
	Translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(Validate, Translator)

	// Use JSON tag names for errors instead of Go struct names.
	Validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = Validate.RegisterValidation(msisdnTag, msisdnValidation)
	registerTranslation(msisdnTag, msisdnText)
}

func registerTranslation(tag, text string) {
	_ = Validate.RegisterTranslation(
		tag, Translator,
		func(t ut.Translator) error { return t.Add(tag, text, false) },
		func(t ut.Translator, fe validator.FieldError) string {
			s, _ := t.T(tag, fe.Field())
			return s
		},
	)
}

// msisdnValidation accepts digits with an optional leading plus, ignoring
// spaces and dashes.
func msisdnValidation(fl validator.FieldLevel) bool {
	return msisdnRegex.MatchString(StripPhone(fl.Field().String()))
}

// StripPhone removes spaces and dashes from a phone number.
func StripPhone(phone string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(phone))
}

// Error reports the fields of a value that failed validation.
type Error struct {
	Fields map[string]string
}

func (e *Error) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, e.Fields[name])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Struct validates v and returns an *Error with translated messages
// keyed by JSON field name.
func Struct(v any) error {
	err := Validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Translate(Translator)
	}
	return &Error{Fields: fields}
}
