package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kaptinlin/jsonrepair"
)

// Shape - ожидаемая форма корня JSON.
type Shape int

const (
	ShapeArray Shape = iota
	ShapeObject
)

// containerFields - общие обёртки, которые модели любят добавлять вокруг ответа.
var containerFields = []string{"data", "result"}

var validate = validator.New()

// Schema описывает ожидаемый результат разбора.
type Schema[T any] struct {
	Name  string
	Shape Shape
	// WrapperFields - имена полей, в которых может лежать массив: {"events": [...]}.
	WrapperFields []string
	// SingleAsArray - одиночный объект вместо массива оборачивается в массив из одного элемента.
	SingleAsArray bool
	// Check - дополнительная проверка после тегов validate.
	Check func(T) error
}

// Repairer - дорогой последний шаг: модель сама чинит свой ответ.
type Repairer interface {
	Repair(ctx context.Context, raw, schemaName string) (string, error)
}

// ParseError - ответ не удалось разобрать ни одним способом. Raw - исходный текст модели.
// Stage - последний пройденный шаг: "parse" или "llm_repair".
type ParseError struct {
	Schema string
	Stage  string
	Raw    string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s (%s): %v", e.Schema, e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsParseError - сахар над errors.As.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Parse превращает шумный ответ модели в T:
// блок кода -> jsonrepair -> внешние скобки -> схема -> (один раз) ремонт моделью и всё заново.
// repairer может быть nil.
func Parse[T any](ctx context.Context, raw string, schema Schema[T], repairer Repairer) (T, error) {
	v, err := parseOnce(raw, schema)
	if err == nil {
		parseOutcomes.WithLabelValues(schema.Name, "direct").Inc()
		return v, nil
	}
	firstErr := err

	if repairer == nil {
		parseOutcomes.WithLabelValues(schema.Name, "failed").Inc()
		var zero T
		return zero, &ParseError{Schema: schema.Name, Stage: "parse", Raw: raw, Err: firstErr}
	}

	fixed, repErr := repairer.Repair(ctx, raw, schema.Name)
	if repErr != nil {
		parseOutcomes.WithLabelValues(schema.Name, "failed").Inc()
		var zero T
		return zero, &ParseError{Schema: schema.Name, Stage: "llm_repair", Raw: raw, Err: fmt.Errorf("%v; llm repair: %w", firstErr, repErr)}
	}
	v, err = parseOnce(fixed, schema)
	if err != nil {
		parseOutcomes.WithLabelValues(schema.Name, "failed").Inc()
		var zero T
		return zero, &ParseError{Schema: schema.Name, Stage: "llm_repair", Raw: raw, Err: fmt.Errorf("%v; after llm repair: %w", firstErr, err)}
	}
	parseOutcomes.WithLabelValues(schema.Name, "llm_repair").Inc()
	return v, nil
}

// ParseLoose разбирает ответ в произвольное значение без схемы (для побочных данных).
func ParseLoose(raw string) (interface{}, error) {
	var lastErr error = errors.New("no json found")
	for _, cand := range candidates(ExtractFenced(raw)) {
		var v interface{}
		if err := json.Unmarshal([]byte(cand), &v); err != nil {
			lastErr = err
			continue
		}
		return v, nil
	}
	return nil, lastErr
}

func parseOnce[T any](raw string, schema Schema[T]) (T, error) {
	var zero T
	body := ExtractFenced(raw)
	if body == "" {
		return zero, errors.New("empty response")
	}
	var lastErr error = errors.New("no json found")
	for _, cand := range candidates(body) {
		v, err := decode(cand, schema)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return zero, lastErr
}

// candidates - варианты текста для декодирования в порядке убывания доверия.
func candidates(body string) []string {
	out := make([]string, 0, 4)
	seen := map[string]bool{}
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(body)
	if repaired, err := jsonrepair.JSONRepair(body); err == nil {
		add(repaired)
	}
	if span := BracketSpan(body); span != "" {
		cleaned := CleanJSON(span)
		add(cleaned)
		if repaired, err := jsonrepair.JSONRepair(cleaned); err == nil {
			add(repaired)
		}
	}
	return out
}

func decode[T any](text string, schema Schema[T]) (T, error) {
	var zero T
	var root interface{}
	if err := json.Unmarshal([]byte(text), &root); err != nil {
		return zero, fmt.Errorf("invalid json: %w", err)
	}
	shaped, err := reshape(root, schema.Shape, schema.WrapperFields, schema.SingleAsArray)
	if err != nil {
		return zero, err
	}
	b, err := json.Marshal(shaped)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return zero, fmt.Errorf("schema %s: %w", schema.Name, err)
	}
	out, err = validateValue(out)
	if err != nil {
		return zero, fmt.Errorf("schema %s: %w", schema.Name, err)
	}
	if schema.Check != nil {
		if err := schema.Check(out); err != nil {
			return zero, fmt.Errorf("schema %s: %w", schema.Name, err)
		}
	}
	return out, nil
}

// reshape приводит корень к ожидаемой форме: голый массив и {"<wrapper>": [...]} дают одно и то же.
func reshape(root interface{}, shape Shape, wrappers []string, singleAsArray bool) (interface{}, error) {
	switch shape {
	case ShapeArray:
		switch v := root.(type) {
		case []interface{}:
			return v, nil
		case map[string]interface{}:
			for _, f := range wrappers {
				if arr, ok := v[f].([]interface{}); ok {
					return arr, nil
				}
			}
			for _, f := range containerFields {
				if inner, ok := v[f]; ok {
					if res, err := reshape(inner, shape, wrappers, false); err == nil {
						return res, nil
					}
				}
			}
			if singleAsArray {
				return []interface{}{v}, nil
			}
			return nil, fmt.Errorf("expected array or one of %v", wrappers)
		default:
			return nil, fmt.Errorf("expected array, got %T", root)
		}
	default:
		switch v := root.(type) {
		case map[string]interface{}:
			if len(v) == 1 {
				for _, f := range containerFields {
					if inner, ok := v[f].(map[string]interface{}); ok {
						return inner, nil
					}
				}
			}
			return v, nil
		case []interface{}:
			if len(v) == 1 {
				if inner, ok := v[0].(map[string]interface{}); ok {
					return inner, nil
				}
			}
			return nil, errors.New("expected object, got array")
		default:
			return nil, fmt.Errorf("expected object, got %T", root)
		}
	}
}

// validateValue проверяет теги validate. У срезов невалидные элементы отбрасываются;
// ошибка, только если отброшены все.
func validateValue[T any](v T) (T, error) {
	rv := reflect.ValueOf(&v).Elem()
	switch rv.Kind() {
	case reflect.Struct:
		if err := validate.Struct(v); err != nil {
			return v, err
		}
		return v, nil
	case reflect.Slice:
		if rv.Len() == 0 || indirectKind(rv.Type().Elem()) != reflect.Struct {
			return v, nil
		}
		kept := reflect.MakeSlice(rv.Type(), 0, rv.Len())
		var firstErr error
		for i := 0; i < rv.Len(); i++ {
			elem := rv.Index(i)
			if elem.Kind() == reflect.Ptr && elem.IsNil() {
				continue
			}
			if err := validate.Struct(elem.Interface()); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			kept = reflect.Append(kept, elem)
		}
		if kept.Len() == 0 {
			return v, fmt.Errorf("all %d items invalid: %w", rv.Len(), firstErr)
		}
		rv.Set(kept)
		return v, nil
	default:
		return v, nil
	}
}

func indirectKind(t reflect.Type) reflect.Kind {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Kind()
}
