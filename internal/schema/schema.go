package schema

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
)

// Field describes one request parameter. Rule is a validator tag; an empty
// value is skipped unless the rule starts with "required".
type Field struct {
	Rule     string
	Message  string
	Sanitize bool
}

// Schema maps parameter names to their rules.
type Schema map[string]Field

// Values holds the parameters that passed validation, after sanitization.
type Values map[string]string

var (
	validateOnce sync.Once
	validate     *validator.Validate
	strict       = bluemonday.StrictPolicy()
)

func engine() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Apply checks params against the schema. Fields are evaluated in name order
// so the error list is stable; every failing field contributes its message.
// Parameters not named in the schema are dropped.
func (s Schema) Apply(params map[string]string) (Values, []string) {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make(Values, len(s))
	var errs []string
	for _, name := range names {
		field := s[name]
		raw := strings.TrimSpace(params[name])
		if field.Sanitize {
			raw = strings.TrimSpace(strict.Sanitize(raw))
		}
		if raw == "" && !strings.HasPrefix(field.Rule, "required") {
			continue
		}
		if err := engine().Var(raw, field.Rule); err != nil {
			errs = append(errs, field.Message)
			continue
		}
		values[name] = raw
	}
	return values, errs
}

func (v Values) Has(name string) bool {
	_, ok := v[name]
	return ok
}

func (v Values) String(name string) string {
	return v[name]
}

// OptionalString returns nil for absent parameters.
func (v Values) OptionalString(name string) *string {
	value, ok := v[name]
	if !ok {
		return nil
	}
	return &value
}

func (v Values) Int64(name string) (int64, bool) {
	value, ok := v[name]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (v Values) Bool(name string) bool {
	b, err := strconv.ParseBool(v[name])
	return err == nil && b
}
