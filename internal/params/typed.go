package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
)

// Schema keys, one per application family.
const (
	SchemaTransaction = "accounting_book_transaction"
	SchemaTranslation = "translation"
	SchemaCounter     = "counter"
	SchemaNote        = "notes"
)

// ErrUnknownSchema is returned by Decode for a key without a schema.
var ErrUnknownSchema = errors.New("no parameter schema registered")

// ValidationError lists why a parameter set was rejected. Detail is safe to
// show to the user.
type ValidationError struct {
	Schema string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s parameters: %s", e.Schema, e.Detail)
}

// Typed is implemented by every decoded parameter variant.
type Typed interface {
	SchemaKey() string
}

type Transaction struct {
	Amount       float64 `json:"amount" validate:"required"`
	AccountName  string  `json:"account_name"`
	CategoryName string  `json:"category_name" validate:"required"`
	PayeeName    string  `json:"payee_name,omitempty"`
	Notes        string  `json:"notes,omitempty"`
}

func (Transaction) SchemaKey() string { return SchemaTransaction }

// Translation leaves Text optional; the handler answers an empty text with
// its own prompt for input.
type Translation struct {
	Text           string `json:"text"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

func (Translation) SchemaKey() string { return SchemaTranslation }

type Counter struct {
	Action      string `json:"action" validate:"required,oneof=add query reset delete set_goal history"`
	Name        string `json:"name" validate:"required"`
	Comment     string `json:"comment,omitempty"`
	Goal        int    `json:"goal,omitempty" validate:"required_if=Action set_goal"`
	GoalComment string `json:"goal_comment,omitempty"`
	Limit       int    `json:"limit,omitempty" validate:"gte=0,lte=100"`
}

func (Counter) SchemaKey() string { return SchemaCounter }

type Note struct {
	Action  string `json:"action" validate:"required,oneof=add list clear"`
	Content string `json:"content,omitempty" validate:"required_if=Action add"`
}

func (Note) SchemaKey() string { return SchemaNote }

var schemas = map[string]map[string]interface{}{
	SchemaTransaction: {
		"type":     "object",
		"required": []interface{}{"amount", "category_name"},
		"properties": map[string]interface{}{
			"amount":        map[string]interface{}{"type": "number"},
			"account_name":  map[string]interface{}{"type": "string"},
			"category_name": map[string]interface{}{"type": "string", "minLength": 1},
			"payee_name":    map[string]interface{}{"type": []interface{}{"string", "null"}},
			"notes":         map[string]interface{}{"type": []interface{}{"string", "null"}},
		},
	},
	SchemaTranslation: {
		"type": "object",
		"properties": map[string]interface{}{
			"text":            map[string]interface{}{"type": []interface{}{"string", "null"}},
			"source_language": map[string]interface{}{"type": []interface{}{"string", "null"}},
			"target_language": map[string]interface{}{"type": []interface{}{"string", "null"}},
		},
	},
	SchemaCounter: {
		"type":     "object",
		"required": []interface{}{"name"},
		"properties": map[string]interface{}{
			"name":         map[string]interface{}{"type": "string", "minLength": 1},
			"comment":      map[string]interface{}{"type": []interface{}{"string", "null"}},
			"goal":         map[string]interface{}{"type": []interface{}{"integer", "null"}, "minimum": 1},
			"goal_comment": map[string]interface{}{"type": []interface{}{"string", "null"}},
			"limit":        map[string]interface{}{"type": []interface{}{"integer", "null"}, "minimum": 1},
		},
	},
	SchemaNote: {
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{"type": []interface{}{"string", "null"}},
		},
	},
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode validates set against the schema registered under key and returns
// the typed variant. action comes from the extraction outcome and, when
// empty, from an "action" field inside set.
func Decode(key, action string, set Set) (Typed, error) {
	schema, ok := schemas[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, key)
	}
	if set == nil {
		set = Set{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(map[string]interface{}(set)))
	if err != nil {
		return nil, fmt.Errorf("validate %s parameters: %w", key, err)
	}
	if !result.Valid() {
		details := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			details[i] = desc.String()
		}
		return nil, &ValidationError{Schema: key, Detail: strings.Join(details, "; ")}
	}

	if action == "" {
		action, _ = set["action"].(string)
	}

	var typed Typed
	switch key {
	case SchemaTransaction:
		var t Transaction
		err = decodeInto(set, &t)
		typed = t
	case SchemaTranslation:
		var t Translation
		err = decodeInto(set, &t)
		if t.SourceLanguage == "" {
			t.SourceLanguage = "auto"
		}
		if t.TargetLanguage == "" {
			t.TargetLanguage = "zh"
		}
		typed = t
	case SchemaCounter:
		var c Counter
		err = decodeInto(set, &c)
		c.Action = action
		if c.Action == "history" && c.Limit == 0 {
			c.Limit = 10
		}
		typed = c
	case SchemaNote:
		var n Note
		err = decodeInto(set, &n)
		n.Action = action
		typed = n
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s parameters: %w", key, err)
	}

	if err := validate.Struct(typed); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]string, len(verrs))
			for i, fe := range verrs {
				details[i] = fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
			}
			return nil, &ValidationError{Schema: key, Detail: strings.Join(details, "; ")}
		}
		return nil, fmt.Errorf("validate %s parameters: %w", key, err)
	}
	return typed, nil
}

// ToSet converts a typed variant back to its raw form, for sealing into a
// confirmation token.
func ToSet(t Typed) (Set, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode %s parameters: %w", t.SchemaKey(), err)
	}
	var out Set
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("encode %s parameters: %w", t.SchemaKey(), err)
	}
	return out, nil
}

func decodeInto(set Set, dst any) error {
	data, err := json.Marshal(set)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
